package auth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a token was rejected.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	MalformedOrInvalidSignature
	Expired
	NoToken
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedOrInvalidSignature:
		return "MalformedOrInvalidSignature"
	case Expired:
		return "Expired"
	case NoToken:
		return "NoToken"
	default:
		return "Unknown"
	}
}

// Message is the client-facing text for the kind.
func (k ErrorKind) Message() string {
	switch k {
	case MalformedOrInvalidSignature:
		return "Invalid or malformed token"
	case Expired:
		return "Token has expired, please authenticate again"
	case NoToken:
		return "No token provided, please authenticate"
	default:
		return "Something went wrong with validating your token, please try again or get a new token"
	}
}

// Error is returned by Verify.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: %s", e.Kind)
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind carried by err, or Unknown.
func KindOf(err error) ErrorKind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return Unknown
}

// StatusUnauthorized is the status of every guard rejection.
const StatusUnauthorized = 401

// HTTPError is the guard's rejection for HTTP requests.
type HTTPError struct {
	StatusCode int
	Message    string
	Kind       ErrorKind
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("auth: http %d: %s", e.StatusCode, e.Message)
}

// ErrorBody is the JSON document written for an HTTPError.
type ErrorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

func (e *HTTPError) Body() ErrorBody {
	return ErrorBody{StatusCode: e.StatusCode, Message: e.Message, Error: "Unauthorized"}
}
