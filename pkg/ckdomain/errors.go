package ckdomain

import (
	"errors"
)

type Kind int

const (
	Other Kind = iota
	ConfigMissing
	ClientNotInstalled
	ValidationFailed
	RateLimited
	ProxyControlFailed
	NotYetObtained
)

func (k Kind) String() string {
	switch k {
	case ConfigMissing:
		return "ConfigMissing"
	case ClientNotInstalled:
		return "ClientNotInstalled"
	case ValidationFailed:
		return "ValidationFailed"
	case RateLimited:
		return "RateLimited"
	case ProxyControlFailed:
		return "ProxyControlFailed"
	case NotYetObtained:
		return "NotYetObtained"
	default:
		return "Other"
	}
}

// sentinels for errors.Is(). matching is by kind only
var (
	ErrConfigMissing      = &Error{Kind: ConfigMissing}
	ErrClientNotInstalled = &Error{Kind: ClientNotInstalled}
	ErrValidationFailed   = &Error{Kind: ValidationFailed}
	ErrRateLimited        = &Error{Kind: RateLimited}
	ErrProxyControlFailed = &Error{Kind: ProxyControlFailed}
	ErrNotYetObtained     = &Error{Kind: NotYetObtained}
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error // underlying cause (optional)
}

func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}

	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// first kind found in the chain, Other for foreign errors
func KindOf(err error) Kind {
	var kindErr *Error
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}

	return Other
}
