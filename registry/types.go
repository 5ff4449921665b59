package registry

import "strings"

// AppServiceSeparator 限定服务名中应用与服务之间的分隔符，例如 "payments:orders"
const AppServiceSeparator = ":"

// Microservice 注册中心中的微服务元数据，获取后不可变
type Microservice struct {
	ServiceID   string            `json:"serviceId"`
	AppID       string            `json:"appId"`
	ServiceName string            `json:"serviceName"`
	Version     string            `json:"version,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Instance 微服务实例
//
// 实例是拉取或事件到达时的快照，缓存只会整体替换或移除实例，从不原地修改。
type Instance struct {
	InstanceID string            `json:"instanceId"`
	ServiceID  string            `json:"serviceId"`
	HostName   string            `json:"hostName,omitempty"`
	Endpoints  []string          `json:"endpoints,omitempty"`
	Status     string            `json:"status,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"`
}

// ServiceKey 变更事件的目标服务
type ServiceKey struct {
	AppID       string `json:"appId"`
	ServiceName string `json:"serviceName"`
	Version     string `json:"version,omitempty"`
}

// Action 实例变更动作
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ChangeEvent 注册中心推送的实例变更事件
type ChangeEvent struct {
	Action   Action     `json:"action"`
	Key      ServiceKey `json:"key"`
	Instance *Instance  `json:"instance"`
}

// SplitQualified 解析形如 "app:service" 的限定服务名，此时忽略 appID
func SplitQualified(appID, serviceName string) (string, string) {
	if app, name, ok := strings.Cut(serviceName, AppServiceSeparator); ok {
		return app, name
	}
	return appID, serviceName
}
