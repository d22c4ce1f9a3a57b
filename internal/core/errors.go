package core

import (
	"context"
	"errors"
	"net"
)

var (
	ErrEmptyContent    = errors.New("message content is empty")
	ErrNoActiveThread  = errors.New("no active thread")
	ErrSessionExpired  = errors.New("session expired")
	ErrQuotaExceeded   = errors.New("free message limit reached")
	ErrProviderTimeout = errors.New("ai provider timed out")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
)

// ErrorKind groups send failures by how they are surfaced.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindAuth
	KindQuota
	KindTransient
	KindAuxiliary
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindQuota:
		return "quota"
	case KindTransient:
		return "transient"
	case KindAuxiliary:
		return "auxiliary"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the send error taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrEmptyContent), errors.Is(err, ErrNoActiveThread):
		return KindValidation
	case errors.Is(err, ErrSessionExpired):
		return KindAuth
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuota
	case IsTimeout(err):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// IsTimeout reports whether err came from an aborted, timed out call.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProviderTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
