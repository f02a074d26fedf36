// Package apierr defines the structured error types returned by the store client.
package apierr

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorCode identifies a failure class of the store protocol.
type ErrorCode string

const (
	// ErrConnectivity is returned when the transport could not reach the server at all.
	ErrConnectivity ErrorCode = "CONNECTIVITY"
	// ErrServer is returned when the server answered with a structured error payload.
	ErrServer ErrorCode = "SERVER_ERROR"
	// ErrHTTPStatus is returned on a status outside 200-206 without an error payload.
	ErrHTTPStatus ErrorCode = "HTTP_STATUS"
	// ErrProtocol is returned when a response doesn't have the expected shape.
	ErrProtocol ErrorCode = "PROTOCOL"
	// ErrTokenAcquisition is returned when an access token could not be obtained.
	ErrTokenAcquisition ErrorCode = "TOKEN_ACQUISITION"
	// ErrMalformedShard is returned when a shard file can't be decoded.
	ErrMalformedShard ErrorCode = "MALFORMED_SHARD"
	// ErrUnknownBook is returned when a book id is absent from the server config.
	ErrUnknownBook ErrorCode = "UNKNOWN_BOOK"
)

// Error is the concrete error type with a code, an optional HTTP status and URL.
type Error struct {
	code       ErrorCode
	message    string
	statusCode int
	url        string
	wrappedErr error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// WithURL records the URL the failure relates to.
func (e *Error) WithURL(url string) *Error {
	e.url = url
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// StatusCode returns the HTTP status code, 0 when not applicable.
func (e *Error) StatusCode() int {
	return e.statusCode
}

// URL returns the URL related to the failure, if any.
func (e *Error) URL() string {
	return e.url
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether err is an *Error carrying code.
func Is(err error, code ErrorCode) bool {
	// Look below differently coded errors too, e.g. a token failure wrapping a
	// connectivity failure.
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.code == code {
			return true
		}
		err = e.wrappedErr
	}
	return false
}

// Predefined error constructors.

// Connectivity creates an error for a request that never reached the server.
func Connectivity(err error) *Error {
	return New(ErrConnectivity, "unable to connect to backend server").Wrap(err)
}

// Server creates an error from the message of a structured error payload.
func Server(message string) *Error {
	return New(ErrServer, message)
}

// HTTPStatus creates an error for an unexpected HTTP status.
func HTTPStatus(status int, statusText string) *Error {
	msg := strconv.Itoa(status)
	if statusText != "" {
		msg += " " + statusText
	}
	e := New(ErrHTTPStatus, msg)
	e.statusCode = status
	return e
}

// Protocol creates an error for a response not following the store protocol.
func Protocol(message string) *Error {
	return New(ErrProtocol, message)
}

// TokenAcquisition wraps a failure encountered while acquiring a token.
func TokenAcquisition(err error) *Error {
	return New(ErrTokenAcquisition, "unable to acquire access token").Wrap(err)
}

// MalformedShard creates an error for a shard file that can't be decoded.
func MalformedShard(url string, err error) *Error {
	return New(ErrMalformedShard, fmt.Sprintf("error loading %q", url)).WithURL(url).Wrap(err)
}

// UnknownBook creates an error for a book id missing from the server config.
func UnknownBook(id string) *Error {
	return New(ErrUnknownBook, fmt.Sprintf("unknown scrapbook: %s", id))
}
