package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/d60-Lab/search-projector/internal/esclient"
)

// DeterministicError 数据或程序错误，重试不会改变结果
type DeterministicError struct{ Err error }

func (e *DeterministicError) Error() string { return "deterministic: " + e.Err.Error() }
func (e *DeterministicError) Unwrap() error { return e.Err }

// Deterministic 包装为不可重试错误
func Deterministic(err error) error {
	if err == nil {
		return nil
	}
	return &DeterministicError{Err: err}
}

// FromPanic 将 recover 到的值转为确定性错误
func FromPanic(v any) error {
	if err, ok := v.(error); ok {
		return Deterministic(fmt.Errorf("panic: %w", err))
	}
	return Deterministic(fmt.Errorf("panic: %v", v))
}

// ForStatus 对 HTTP 状态分类；isDelete 时 404 视为成功（返回 ok=true）
func ForStatus(status int, isDelete bool) (c Classification, ok bool) {
	switch {
	case status >= 200 && status <= 299:
		return Classification{StatusCode: status}, true
	case status == http.StatusNotFound && isDelete:
		return Classification{StatusCode: status}, true
	case status == http.StatusTooManyRequests:
		return Classification{Reason: ReasonES429, Retryable: true, StatusCode: status}, false
	case status >= 500 && status <= 599:
		return Classification{Reason: ReasonES5xx, Retryable: true, StatusCode: status}, false
	case status >= 400 && status <= 499:
		return Classification{Reason: ReasonES4xx, Retryable: false, StatusCode: status}, false
	default:
		return Classification{Reason: ReasonESOther, Retryable: true, StatusCode: status}, false
	}
}

// Classify 错误分类。顺序敏感：先看 HTTP 状态，再看超时与连接，最后兜底
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var se *esclient.StatusError
	if errors.As(err, &se) {
		c, _ := ForStatus(se.StatusCode, false)
		return c
	}

	var de *DeterministicError
	if errors.As(err, &de) || isProgrammerError(err) {
		return Classification{Reason: ReasonDeterministic, Retryable: false}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Reason: ReasonESTimeout, Retryable: true}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Classification{Reason: ReasonESTimeout, Retryable: true}
	}

	if isConnectError(err) {
		return Classification{Reason: ReasonESConnect, Retryable: true}
	}

	var te *esclient.TransportError
	if errors.As(err, &te) {
		return Classification{Reason: ReasonESRequestError, Retryable: true}
	}

	return Classification{Reason: ReasonUnknownException, Retryable: true}
}

func isConnectError(err error) bool {
	if errors.Is(err, esclient.ErrCircuitOpen) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isProgrammerError(err error) bool {
	var (
		syntaxErr      *json.SyntaxError
		typeErr        *json.UnmarshalTypeError
		unsupportedT   *json.UnsupportedTypeError
		unsupportedV   *json.UnsupportedValueError
		marshalerErr   *json.MarshalerError
		invalidUnmarsh *json.InvalidUnmarshalError
	)
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.As(err, &unsupportedT) ||
		errors.As(err, &unsupportedV) ||
		errors.As(err, &marshalerErr) ||
		errors.As(err, &invalidUnmarsh)
}
