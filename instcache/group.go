package instcache

import (
	"context"

	"github.com/ceyewan/discovery/registry"
	"github.com/ceyewan/discovery/xerrors"
)

// InstanceMap instanceId -> 实例
type InstanceMap map[string]*registry.Instance

// VersionMap 版本 -> 该版本的实例
//
// 缓存返回的 VersionMap 与其中的 InstanceMap 都是只读快照，调用方不得修改。
type VersionMap map[string]InstanceMap

// Versions 返回当前存在的所有版本分组
func (vm VersionMap) Versions() []string {
	out := make([]string, 0, len(vm))
	for v := range vm {
		out = append(out, v)
	}
	return out
}

// Len 返回所有分组中的实例总数
func (vm VersionMap) Len() int {
	n := 0
	for _, bucket := range vm {
		n += len(bucket)
	}
	return n
}

// grouper 按实例所属微服务的声明版本分组
type grouper struct {
	client         registry.Client
	defaultVersion string
}

// group 将实例按版本分组。任一实例的微服务无法解析时整体失败，不返回部分结果。
func (g *grouper) group(ctx context.Context, instances []*registry.Instance) (VersionMap, error) {
	versions := make(map[string]string) // serviceId -> version
	out := make(VersionMap)

	for _, inst := range instances {
		v, ok := versions[inst.ServiceID]
		if !ok {
			ms, err := g.client.GetMicroservice(ctx, inst.ServiceID)
			if err != nil {
				// 元数据缺失是引用不一致，不能当作服务不存在；传输错误保留原类别以便重试
				if xerrors.Is(err, xerrors.ErrNotFound) {
					err = xerrors.Mask(err, ErrResolution)
				} else {
					err = xerrors.Attach(err, ErrResolution)
				}
				return nil, xerrors.Wrapf(err, "instance %s of service %s", inst.InstanceID, inst.ServiceID)
			}
			v = g.normalize(ms.Version)
			versions[inst.ServiceID] = v
		}

		bucket, ok := out[v]
		if !ok {
			bucket = make(InstanceMap)
			out[v] = bucket
		}
		bucket[inst.InstanceID] = inst
	}
	return out, nil
}

func (g *grouper) normalize(version string) string {
	if version == "" {
		return g.defaultVersion
	}
	return version
}

// withInstance 返回把 inst 放入 version 分组后的新快照，并从其他分组中移除同一实例
func (vm VersionMap) withInstance(version string, inst *registry.Instance) VersionMap {
	next := make(VersionMap, len(vm)+1)
	for v, bucket := range vm {
		if _, ok := bucket[inst.InstanceID]; ok && v != version {
			bucket = bucket.without(inst.InstanceID)
		}
		next[v] = bucket
	}

	target := make(InstanceMap, len(next[version])+1)
	for id, existing := range next[version] {
		target[id] = existing
	}
	target[inst.InstanceID] = inst
	next[version] = target
	return next
}

// withoutInstance 返回从 version 分组中移除实例后的新快照，分组即使为空也保留。
// 实例不在该分组时返回 vm 本身与 false。
func (vm VersionMap) withoutInstance(version, instanceID string) (VersionMap, bool) {
	bucket, ok := vm[version]
	if !ok {
		return vm, false
	}
	if _, ok := bucket[instanceID]; !ok {
		return vm, false
	}

	next := make(VersionMap, len(vm))
	for v, b := range vm {
		next[v] = b
	}
	next[version] = bucket.without(instanceID)
	return next, true
}

// withoutVersions 返回移除给定版本分组后的新快照，没有要移除的版本时返回 vm 本身
func (vm VersionMap) withoutVersions(versions ...string) VersionMap {
	if len(versions) == 0 {
		return vm
	}
	next := make(VersionMap, len(vm))
	for v, bucket := range vm {
		next[v] = bucket
	}
	for _, v := range versions {
		delete(next, v)
	}
	return next
}

func (im InstanceMap) without(instanceID string) InstanceMap {
	out := make(InstanceMap, len(im))
	for id, inst := range im {
		if id != instanceID {
			out[id] = inst
		}
	}
	return out
}
