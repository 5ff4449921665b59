package instcache

import (
	"strings"

	"github.com/ceyewan/discovery/registry"
)

// KeyDelimiter 缓存键中应用与服务名之间的分隔符
const KeyDelimiter = "/"

// Key 由应用 id 和服务名生成缓存键。
// 服务名已经是 "app:service" 形式时忽略 appID，只把分隔符改写为 "/"。
// appID 与 serviceName 中不支持出现 "/"：Key("a/b", "c") 与 Key("a", "b/c") 得到同一个键。
func Key(appID, serviceName string) string {
	if strings.Contains(serviceName, registry.AppServiceSeparator) {
		return strings.ReplaceAll(serviceName, registry.AppServiceSeparator, KeyDelimiter)
	}
	return appID + KeyDelimiter + serviceName
}
