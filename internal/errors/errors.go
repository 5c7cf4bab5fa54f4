// Package errors 提供带错误码的统一错误类型。错误码在注册表中声明分类、
// 严重程度与重试语义，API 层和告警据此决策。
package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 是稳定的错误码，会出现在 API 响应和事件中。
type Code string

// Severity 描述错误的严重程度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category 是错误的粗粒度分类。
type Category string

const (
	CategoryInput         Category = "input"
	CategoryIdentity      Category = "identity"
	CategoryAuthorization Category = "authorization"
	CategoryState         Category = "state"
	CategoryEconomic      Category = "economic"
	CategoryTemporal      Category = "temporal"
	CategoryInternal      Category = "internal"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// Attributes 是错误码的默认行为。
type Attributes struct {
	Message   string
	Category  Category
	Severity  Severity
	Retryable bool
	Alert     bool
}

var registry = struct {
	sync.RWMutex
	codes map[Code]Attributes
}{codes: map[Code]Attributes{
	CodeUnknown:               {"unknown error", CategoryInternal, SeverityCritical, false, true},
	CodeInvalidArgument:       {"invalid argument", CategoryInput, SeverityInfo, false, false},
	CodeNotFound:              {"resource not found", CategoryIdentity, SeverityInfo, false, false},
	CodeInitializationFailure: {"service not initialized", CategoryInternal, SeverityWarning, true, true},
	CodeStorageFailure:        {"storage failure", CategoryInternal, SeverityCritical, true, true},
	CodeQueueFailure:          {"queue failure", CategoryInternal, SeverityCritical, true, true},
	CodeTimeout:               {"operation timed out", CategoryTemporal, SeverityWarning, true, false},
}}

// Register 在初始化阶段登记业务错误码，重复登记以后者为准。
func Register(code Code, attr Attributes) {
	registry.Lock()
	registry.codes[code] = attr
	registry.Unlock()
}

// AttributesOf 返回错误码的属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registry.RLock()
	defer registry.RUnlock()
	if attr, ok := registry.codes[code]; ok {
		return attr
	}
	return registry.codes[CodeUnknown]
}

// Error 携带错误码、可选的底层原因和附加字段。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加一个键值对。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码声明的重试语义。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// New 创建错误，message 为空时使用登记的默认信息。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 用错误码包裹 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，因此 errors.Is(err, New(code, "")) 可以匹配同码的任意实例。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加字段的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) Category() Category { return e.attributes().Category }
func (e *Error) Severity() Severity { return e.attributes().Severity }
func (e *Error) ShouldAlert() bool  { return e != nil && e.attributes().Alert }

func (e *Error) Retryable() bool {
	if e != nil && e.retryable != nil {
		return *e.retryable
	}
	return e != nil && e.attributes().Retryable
}

func (e *Error) attributes() Attributes {
	if e == nil {
		return AttributesOf(CodeUnknown)
	}
	return AttributesOf(e.code)
}

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误码，普通 error 视为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// CategoryOf 返回错误分类，普通 error 归为 internal。
func CategoryOf(err error) Category {
	if e, ok := From(err); ok {
		return e.Category()
	}
	return CategoryInternal
}

// RetryableError 判断任意 error 是否可以重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断任意 error 是否需要告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回错误的严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
