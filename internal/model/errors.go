package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind 是跨组件共享的错误分类。
type ErrorKind string

const (
	KindValidation           ErrorKind = "validation"
	KindNotFound             ErrorKind = "not_found"
	KindModelUnavailable     ErrorKind = "model_unavailable"
	KindUpstream             ErrorKind = "upstream"
	KindVerificationMismatch ErrorKind = "verification_mismatch"
	KindRateLimited          ErrorKind = "rate_limited"
	KindIndexEmpty           ErrorKind = "index_empty"
	KindInternal             ErrorKind = "internal"
)

// Error 携带错误分类、发生位置以及是否可重试。
type Error struct {
	Kind       ErrorKind
	Op         string
	Msg        string
	Err        error
	Transient  bool
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按 Kind 匹配，使 errors.Is(err, ErrNotFound) 对任意 NotFound 错误成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrModelUnavailable     = &Error{Kind: KindModelUnavailable}
	ErrUpstream             = &Error{Kind: KindUpstream}
	ErrVerificationMismatch = &Error{Kind: KindVerificationMismatch}
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrIndexEmpty           = &Error{Kind: KindIndexEmpty}
)

func NewValidationError(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NewModelUnavailableError(op string, err error) *Error {
	return &Error{Kind: KindModelUnavailable, Op: op, Err: err}
}

// NewUpstreamError 包装外部服务错误，transient 决定重试策略是否生效。
func NewUpstreamError(op string, err error, transient bool) *Error {
	return &Error{Kind: KindUpstream, Op: op, Err: err, Transient: transient}
}

func NewRateLimitedError(op string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Msg: "too many requests", RetryAfter: retryAfter}
}

// KindOf 返回错误链中第一个 *Error 的分类，其他错误视为 internal。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient 判断错误是否值得重试。
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}
