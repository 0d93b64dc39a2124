package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
)

//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=../mocks/gateway_mock.go github.com/austindbirch/harbor_mail/internal/email Gateway

// Gateway delivers a single message to a single recipient.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

var (
	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent email failure")
	// ErrTransient marks failures worth retrying later.
	ErrTransient = errors.New("transient email failure")
)

// SendError carries the classification of a failed send plus a short reason
// used as a metrics label.
type SendError struct {
	Kind   error // ErrPermanent or ErrTransient
	Reason string
	Status int // HTTP status or SMTP reply code, 0 when unknown
	Err    error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *SendError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func permanent(reason string, status int, err error) error {
	return &SendError{Kind: ErrPermanent, Reason: reason, Status: status, Err: err}
}

func transient(reason string, status int, err error) error {
	return &SendError{Kind: ErrTransient, Reason: reason, Status: status, Err: err}
}

func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Reason returns the metrics label for err.
func Reason(err error) string {
	var se *SendError
	if errors.As(err, &se) {
		return se.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "other"
}

// ValidateAddress rejects recipients that can never be delivered to.
func ValidateAddress(addr string) error {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return permanent("invalid_recipient", 0, err)
	}
	if parsed.Address != addr {
		return permanent("invalid_recipient", 0, fmt.Errorf("address %q must be a bare address", addr))
	}
	return nil
}
