// Package fault 把传输层、HTTP 与应用错误映射为封闭的 Reason 枚举及可重试性。
package fault

// Reason 失败原因标签（低基数，直接作为指标 label）
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonES429
	ReasonES5xx
	ReasonES4xx
	ReasonESConnect
	ReasonESTimeout
	ReasonESRequestError
	ReasonESUnknown
	ReasonESOther
	ReasonDeterministic
	ReasonUnknownException
	ReasonOwnerMismatch
	ReasonLeaseExpired
)

var reasonNames = [...]string{
	ReasonNone:             "",
	ReasonES429:            "es_429",
	ReasonES5xx:            "es_5xx",
	ReasonES4xx:            "es_4xx",
	ReasonESConnect:        "es_connect",
	ReasonESTimeout:        "es_timeout",
	ReasonESRequestError:   "es_request_error",
	ReasonESUnknown:        "es_unknown",
	ReasonESOther:          "es_other",
	ReasonDeterministic:    "deterministic_exception",
	ReasonUnknownException: "unknown_exception",
	ReasonOwnerMismatch:    "owner_mismatch",
	ReasonLeaseExpired:     "lease_expired",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown_exception"
}

// ParseReason 反解析存储在 error_reason 列中的值
func ParseReason(s string) (Reason, bool) {
	for i, name := range reasonNames {
		if name == s && s != "" {
			return Reason(i), true
		}
	}
	return ReasonNone, false
}

// Transient 瞬时依赖故障：默认不计入终态判定
func (r Reason) Transient() bool {
	switch r {
	case ReasonES429, ReasonES5xx, ReasonESTimeout, ReasonESConnect,
		ReasonESRequestError, ReasonESUnknown, ReasonESOther:
		return true
	}
	return false
}

// FailureReasons 会写入行并计入失败指标的全部原因，启动时用于 label 预热
func FailureReasons() []Reason {
	return []Reason{
		ReasonES429, ReasonES5xx, ReasonES4xx, ReasonESConnect, ReasonESTimeout,
		ReasonESRequestError, ReasonESUnknown, ReasonESOther,
		ReasonDeterministic, ReasonUnknownException,
	}
}

// Classification 一次失败尝试的分类结果
type Classification struct {
	Reason     Reason
	Retryable  bool
	StatusCode int
}

func (c Classification) Transient() bool { return c.Reason.Transient() }
