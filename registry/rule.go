package registry

import (
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/ceyewan/discovery/xerrors"
)

const (
	// RuleAll 匹配任意版本，包括无法解析的版本
	RuleAll = "0+"
	// RuleLatest 只匹配已声明的最大版本
	RuleLatest = "latest"
)

type ruleKind int

const (
	ruleAll ruleKind = iota
	ruleAtLeast
	ruleRange
	ruleLatest
	ruleExact
)

// Rule 已解析的版本规则
//
//	"0+"           任意版本
//	"1.0+"         >= 1.0
//	"1.0.0-2.0.0"  [1.0.0, 2.0.0)
//	"latest"       最大版本
//	其他           精确匹配（1.0 与 1.0.0 视为相同）
type Rule struct {
	raw    string
	kind   ruleKind
	lo, hi *version.Version
}

// ParseRule 解析版本规则
func ParseRule(raw string) (*Rule, error) {
	s := strings.TrimSpace(raw)
	r := &Rule{raw: s}

	switch {
	case s == "":
		return nil, xerrors.Wrap(ErrInvalidRule, "empty version rule")
	case s == RuleLatest:
		r.kind = ruleLatest
	case strings.HasSuffix(s, "+"):
		lo, err := version.NewVersion(strings.TrimSuffix(s, "+"))
		if err != nil {
			return nil, xerrors.Wrapf(ErrInvalidRule, "%q: %v", raw, err)
		}
		r.kind, r.lo = ruleAtLeast, lo
		if isZero(lo) {
			r.kind = ruleAll
		}
	default:
		r.kind = ruleExact
		if a, b, ok := strings.Cut(s, "-"); ok {
			lo, errLo := version.NewVersion(a)
			hi, errHi := version.NewVersion(b)
			if errLo == nil && errHi == nil {
				r.kind, r.lo, r.hi = ruleRange, lo, hi
				break
			}
		}
		if v, err := version.NewVersion(s); err == nil {
			r.lo = v
		}
	}
	return r, nil
}

// MustParseRule 类似 ParseRule，失败时 panic
func MustParseRule(raw string) *Rule {
	return xerrors.Must(ParseRule(raw))
}

func isZero(v *version.Version) bool {
	for _, seg := range v.Segments64() {
		if seg != 0 {
			return false
		}
	}
	return true
}

// String 返回规则原文
func (r *Rule) String() string {
	return r.raw
}

// IsAll 规则是否匹配任意版本
func (r *Rule) IsAll() bool {
	return r.kind == ruleAll
}

// IsLatest 规则是否为 "latest"
func (r *Rule) IsLatest() bool {
	return r.kind == ruleLatest
}

// Match 判断单个版本是否满足规则。
// "latest" 依赖候选集合，单独判断时总是返回 true，应使用 Select 或 Admits。
func (r *Rule) Match(v string) bool {
	switch r.kind {
	case ruleAll, ruleLatest:
		return true
	case ruleExact:
		if r.lo == nil {
			return v == r.raw
		}
	}

	ver, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	switch r.kind {
	case ruleAtLeast:
		return ver.GreaterThanOrEqual(r.lo)
	case ruleRange:
		return ver.GreaterThanOrEqual(r.lo) && ver.LessThan(r.hi)
	default:
		return ver.Equal(r.lo)
	}
}

// Select 从候选版本中选出满足规则的版本，保持输入顺序
func (r *Rule) Select(versions []string) []string {
	if r.kind != ruleLatest {
		var out []string
		for _, v := range versions {
			if r.Match(v) {
				out = append(out, v)
			}
		}
		return out
	}

	var max *version.Version
	for _, v := range versions {
		if ver, err := version.NewVersion(v); err == nil && (max == nil || ver.GreaterThan(max)) {
			max = ver
		}
	}
	if max == nil {
		return nil
	}
	var out []string
	for _, v := range versions {
		if ver, err := version.NewVersion(v); err == nil && ver.Equal(max) {
			out = append(out, v)
		}
	}
	return out
}

// Admits 判断声明版本 v 的实例能否进入按本规则填充、当前已有 present 版本的缓存条目。
// "latest" 要求 v 不低于 present 中任何可解析的版本。
func (r *Rule) Admits(v string, present []string) bool {
	if r.kind != ruleLatest {
		return r.Match(v)
	}
	ver, err := version.NewVersion(v)
	if err != nil {
		return false
	}
	for _, p := range present {
		if pv, err := version.NewVersion(p); err == nil && ver.LessThan(pv) {
			return false
		}
	}
	return true
}

// Superseded 返回声明版本 v 进入缓存条目后，present 中不再满足规则的版本。
// 只有 "latest" 会取代已有版本，其他规则总是返回空。
func (r *Rule) Superseded(v string, present []string) []string {
	if r.kind != ruleLatest {
		return nil
	}
	ver, err := version.NewVersion(v)
	if err != nil {
		return nil
	}
	var out []string
	for _, p := range present {
		if pv, err := version.NewVersion(p); err == nil && pv.LessThan(ver) {
			out = append(out, p)
		}
	}
	return out
}
