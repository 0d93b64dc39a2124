package idempotency

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxKeyLength bounds the client supplied key, in characters.
const MaxKeyLength = 50

// HeaderName is the request header clients send the key in.
const HeaderName = "Idempotency-Key"

var ErrInvalidKey = errors.New("invalid idempotency key")

// Key scopes a client supplied idempotency key to the caller that sent it.
// A Key with an empty Value means the request carried no key.
type Key struct {
	UserID string
	Value  string
}

// NewKey validates value and binds it to userID.
func NewKey(userID, value string) (Key, error) {
	if userID == "" {
		return Key{}, fmt.Errorf("%w: missing user", ErrInvalidKey)
	}
	if value == "" {
		return Key{}, fmt.Errorf("%w: cannot be empty", ErrInvalidKey)
	}
	if n := utf8.RuneCountInString(value); n > MaxKeyLength {
		return Key{}, fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidKey, n, MaxKeyLength)
	}
	return Key{UserID: userID, Value: value}, nil
}

// Unkeyed returns the Key used for requests without an idempotency key.
func Unkeyed(userID string) Key {
	return Key{UserID: userID}
}

func (k Key) IsZero() bool {
	return k.Value == ""
}

func (k Key) String() string {
	return k.UserID + "/" + k.Value
}
