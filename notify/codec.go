package notify

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/discovery/xerrors"
)

// ErrUnsupportedCodec 不支持的编码类型
var ErrUnsupportedCodec = xerrors.NewSentinel(xerrors.ErrInvalidInput, "unsupported codec")

// Codec 事件编解码
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, dest any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                          { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)         { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, dest any) error { return json.Unmarshal(data, dest) }

// msgpackCodec MessagePack 编码，体积比 JSON 小，适合高频实例变更
type msgpackCodec struct{}

func (msgpackCodec) Name() string                          { return "msgpack" }
func (msgpackCodec) Marshal(v any) ([]byte, error)         { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, dest any) error { return msgpack.Unmarshal(data, dest) }

// NewCodec 按名称创建编解码器：
//   - "json"（默认）
//   - "msgpack"
func NewCodec(name string) (Codec, error) {
	switch name {
	case "json", "":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	default:
		return nil, xerrors.Wrapf(ErrUnsupportedCodec, "%q", name)
	}
}
