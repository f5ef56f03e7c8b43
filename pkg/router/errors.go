package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"chatbridge/pkg/channel"
)

// Kind is a stable failure category.
type Kind string

const (
	KindRejected       Kind = "rejected"
	KindInvalidRequest Kind = "invalid_request"
	KindNotConfigured  Kind = "not_configured"
	KindResolution     Kind = "resolution_failed"
	KindDelivery       Kind = "delivery_failed"
)

// Error is a categorized router failure.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := string(e.Kind)
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, detail string, err error) error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func rejected(format string, args ...any) error {
	return &Error{Kind: KindRejected, Detail: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalidRequest, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the category of err. Uncategorized errors count as delivery
// failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Kind
	}
	if errors.Is(err, channel.ErrInvalidRecipient) {
		return KindInvalidRequest
	}

	return KindDelivery
}

// HTTPStatus maps a dispatch failure to its response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindInvalidRequest, KindNotConfigured, KindRejected:
		return http.StatusBadRequest
	case KindResolution, KindDelivery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// deliveryError categorizes a provider send failure, keeping recipient
// validation errors client-visible.
func deliveryError(ch channel.ID, err error) error {
	if errors.Is(err, channel.ErrInvalidRecipient) {
		return newError(KindInvalidRequest, "invalid recipient", err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindDelivery, fmt.Sprintf("%s send canceled", ch), err)
	}

	return newError(KindDelivery, fmt.Sprintf("%s send failed", ch), err)
}
