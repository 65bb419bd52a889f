package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for programmatic branching.
type Kind string

const (
	KindNetwork    Kind = "NETWORK_ERROR"
	KindAuth       Kind = "AUTH_ERROR"
	KindNoData     Kind = "NO_DATA"
	KindData       Kind = "DATA_ERROR"
	KindSyncFailed Kind = "SYNC_FAILED"
	KindStorage    Kind = "STORAGE_ERROR"
	KindTimeout    Kind = "TIMEOUT"
)

var userMessages = map[Kind]string{
	KindNetwork:    "Unable to connect. Please check your internet connection.",
	KindAuth:       "Unable to access the Burning Man API. Please check your API key.",
	KindNoData:     "No data available yet.",
	KindData:       "Invalid data received. Please try syncing again.",
	KindSyncFailed: "Sync failed. Please check your connection and try again.",
	KindStorage:    "Unable to save data. Please check your device storage.",
	KindTimeout:    "Request timed out. Please try again.",
}

// Sentinels for errors.Is checks. They match any *Error of the same kind.
var (
	ErrNetwork    = &Error{Kind: KindNetwork}
	ErrAuth       = &Error{Kind: KindAuth}
	ErrNoData     = &Error{Kind: KindNoData}
	ErrData       = &Error{Kind: KindData}
	ErrSyncFailed = &Error{Kind: KindSyncFailed}
	ErrStorage    = &Error{Kind: KindStorage}
	ErrTimeout    = &Error{Kind: KindTimeout}
)

// Error is a classified failure with a developer message and a separate
// short message suitable for showing to a user.
type Error struct {
	Kind        Kind
	Message     string
	UserMessage string
	Err         error
}

// NewError builds an *Error. An empty userMessage falls back to the default
// for the kind.
func NewError(kind Kind, message, userMessage string, err error) *Error {
	if userMessage == "" {
		userMessage = userMessages[kind]
	}
	return &Error{Kind: kind, Message: message, UserMessage: userMessage, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality against a sentinel (an *Error with no message).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// UserMessage returns the user-facing message for err.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.UserMessage != "" {
			return e.UserMessage
		}
		if m, ok := userMessages[e.Kind]; ok {
			return m
		}
	}
	return "Something went wrong. Please try again."
}
