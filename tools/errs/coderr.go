package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

// 错误码划分：10xxx 实时推送内核
const (
	CodeAuthentication       = 10001 // 握手凭证缺失/非法，拒绝连接
	CodeValidation           = 10002 // 入站 payload 非法，仅回错误事件
	CodeAllocatorUnavailable = 10003 // 共享计数器不可用，发送被拒绝
	CodePersistence          = 10004 // 批量落库失败，下个周期重试
	CodeBridgeUnavailable    = 10005 // pub/sub 介质不可达，降级本地投递
)

var (
	ErrAuthentication       = NewCodeError(CodeAuthentication, "authentication error")
	ErrValidation           = NewCodeError(CodeValidation, "invalid payload")
	ErrAllocatorUnavailable = NewCodeError(CodeAllocatorUnavailable, "sequence allocator unavailable")
	ErrPersistence          = NewCodeError(CodePersistence, "message persistence failed")
	ErrBridgeUnavailable    = NewCodeError(CodeBridgeUnavailable, "pubsub bridge unavailable")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// WrapMsg 追加细节并带上调用栈
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	return pkgerr.WithStack(e.WithDetail(toString(msg, kv)))
}

// Wrap 保留原始错误作为 detail 并带上调用栈
func (e CodeError) Wrap(err error) error {
	if err == nil {
		return pkgerr.WithStack(e)
	}
	return pkgerr.WithStack(e.WithDetail(err.Error()))
}

func (e CodeError) Is(err error) bool {
	var codeErr CodeError
	if !errors.As(err, &codeErr) {
		return false
	}
	return e.Code == codeErr.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// CodeOf 取出错误链里的错误码；非 CodeError 返回 0
func CodeOf(err error) int {
	var codeErr CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return 0
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		sb.WriteString(", ")
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		}
	}
	return sb.String()
}
