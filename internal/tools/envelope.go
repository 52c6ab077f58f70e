// Package tools implements the tool runtime: the registry, the uniform
// result envelope, secret redaction, and the built-in tool set.
package tools

import "encoding/json"

// ErrorKind is the closed set of tool error types. Anything outside this
// set is a bug.
type ErrorKind string

const (
	ErrValidation             ErrorKind = "validation_error"
	ErrExecution              ErrorKind = "execution_error"
	ErrConnectorNotConfigured ErrorKind = "connector_not_configured"
	ErrInvalidCredentials     ErrorKind = "invalid_credentials"
	ErrPermission             ErrorKind = "permission_denied"
	ErrRateLimited            ErrorKind = "rate_limited"
)

// ValidErrorKind reports membership in the closed set.
func ValidErrorKind(kind ErrorKind) bool {
	switch kind {
	case ErrValidation, ErrExecution, ErrConnectorNotConfigured,
		ErrInvalidCredentials, ErrPermission, ErrRateLimited:
		return true
	}
	return false
}

// Result is the uniform tool output contract: exactly one of
// {ok:true, data} or {ok:false, error_type, user_message, connector?}.
type Result struct {
	OK          bool      `json:"ok"`
	Data        any       `json:"data,omitempty"`
	ErrorType   ErrorKind `json:"error_type,omitempty"`
	UserMessage string    `json:"user_message,omitempty"`
	Connector   string    `json:"connector,omitempty"`
}

// Success wraps data in a success envelope.
func Success(data any) *Result {
	return &Result{OK: true, Data: data}
}

// Failure builds an error envelope. Kinds outside the closed set collapse
// to execution_error so the contract is never violated.
func Failure(kind ErrorKind, userMessage string) *Result {
	if !ValidErrorKind(kind) {
		kind = ErrExecution
	}
	return &Result{OK: false, ErrorType: kind, UserMessage: userMessage}
}

// ConnectorFailure builds an error envelope attributed to a connector.
func ConnectorFailure(kind ErrorKind, userMessage, connector string) *Result {
	result := Failure(kind, userMessage)
	result.Connector = connector
	return result
}

// Encode renders the envelope as the JSON the turn engine persists as a
// tool message.
func (r *Result) Encode() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"error_type":"execution_error","user_message":"unencodable tool result"}`
	}
	return string(raw)
}
