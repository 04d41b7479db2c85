package tools

import (
	"errors"
)

// Error Classification Strategy Summary:
//
// Every failure a tool can hit maps to exactly one kind, decided at the
// point the failure is observed:
//   - validation: blank host/username/schema/table/query, caught before any
//     network attempt
//   - configuration: the transport client could not be constructed
//   - connectivity: DNS/connect/timeout failure reaching the server
//   - server: a non-2xx HTTP response, carrying status code and body
//   - decoding: a 2xx body that does not match the expected JSON envelope
//   - protocol: a structurally valid reply that violates an invariant
//     (status probe with zero rows)
//
// The message text is what callers display; the kind exists so hosts and
// tests can branch on failure class with errors.As instead of string
// matching.

// ErrorKind classifies a RelayError.
type ErrorKind string

const (
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindConnectivity  ErrorKind = "connectivity"
	ErrorKindServer        ErrorKind = "server"
	ErrorKindDecoding      ErrorKind = "decoding"
	ErrorKindProtocol      ErrorKind = "protocol"
)

// RelayError is the error type returned by all ClickHouse tools. Message is
// the user-facing text; StatusCode is set for server errors only.
type RelayError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Err        error
}

func (e *RelayError) Error() string {
	return e.Message
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// ErrorType reports the kind for observability attributes.
func (e *RelayError) ErrorType() string {
	return string(e.Kind)
}

func newValidationError(message string) *RelayError {
	return &RelayError{Kind: ErrorKindValidation, Message: message}
}

func newConfigurationError(message string, err error) *RelayError {
	return &RelayError{Kind: ErrorKindConfiguration, Message: message, Err: err}
}

func newConnectivityError(message string, err error) *RelayError {
	return &RelayError{Kind: ErrorKindConnectivity, Message: message, Err: err}
}

func newServerError(statusCode int, message string) *RelayError {
	return &RelayError{Kind: ErrorKindServer, Message: message, StatusCode: statusCode}
}

func newDecodingError(message string, err error) *RelayError {
	return &RelayError{Kind: ErrorKindDecoding, Message: message, Err: err}
}

func newProtocolError(message string) *RelayError {
	return &RelayError{Kind: ErrorKindProtocol, Message: message}
}

// errorKind extracts the kind from an error chain, or "" if the chain holds
// no RelayError.
func errorKind(err error) ErrorKind {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return ""
}

// IsValidationError reports whether the error is a pre-network input
// validation failure.
func IsValidationError(err error) bool {
	return errorKind(err) == ErrorKindValidation
}

// IsConnectivityError reports whether the error is a network-level failure
// reaching ClickHouse.
func IsConnectivityError(err error) bool {
	return errorKind(err) == ErrorKindConnectivity
}

// IsServerError reports whether ClickHouse answered with a non-2xx status.
func IsServerError(err error) bool {
	return errorKind(err) == ErrorKindServer
}

// HTTPStatusCode returns the status code of a server error, or 0 for any
// other error.
func HTTPStatusCode(err error) int {
	var relayErr *RelayError
	if errors.As(err, &relayErr) && relayErr.Kind == ErrorKindServer {
		return relayErr.StatusCode
	}
	return 0
}
