package connector

import "github.com/ceyewan/discovery/xerrors"

// 连接器哨兵错误
var (
	ErrNotConnected  = xerrors.NewSentinel(xerrors.ErrUnavailable, "connector: not connected")
	ErrAlreadyClosed = xerrors.New("connector: already closed")
	ErrConnection    = xerrors.NewSentinel(xerrors.ErrUnavailable, "connector: connection failed")
	ErrConfig        = xerrors.NewSentinel(xerrors.ErrInvalidInput, "connector: invalid config")
	ErrHealthCheck   = xerrors.NewSentinel(xerrors.ErrUnavailable, "connector: health check failed")
)
