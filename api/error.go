package api

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindNotFound         ErrorKind = "notfound"
	KindBadData          ErrorKind = "bad_data"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindConflict         ErrorKind = "conflict"
	KindTypeMismatch     ErrorKind = "type_mismatch"
	KindInternal         ErrorKind = "internal"
)

// Error is the structured error carried across the store boundary. Key, At
// and Value locate the offending part of the input so callers can build a
// precise message without re-deriving it.
type Error struct {
	Kind    ErrorKind   `json:"error"`
	Message string      `json:"message,omitempty"`
	Key     string      `json:"key,omitempty"`
	At      string      `json:"at,omitempty"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *Error) Error() string {
	if e.Key != "" && e.At != "" {
		return fmt.Sprintf("%s: %s (%s %s)", e.Kind, e.Message, e.Key, e.At)
	}
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadData, KindTypeMismatch:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func NotFound(key string) *Error {
	return &Error{Kind: KindNotFound, Message: "not found", Key: key}
}

func BadData(message string, key string, at string, value interface{}) *Error {
	return &Error{Kind: KindBadData, Message: message, Key: key, At: at, Value: value}
}

func TypeMismatch(expected, found string, key string, at string) *Error {
	return &Error{
		Kind:    KindTypeMismatch,
		Message: fmt.Sprintf("expected %s, found %s", expected, found),
		Key:     key,
		At:      at,
	}
}

func PermissionDenied(key string) *Error {
	return &Error{Kind: KindPermissionDenied, Message: "permission denied to modify " + key, Key: key}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: err.Error()}
}

// KindOf classifies any error. Non-api errors are internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
