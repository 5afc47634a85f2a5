package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates the request was queued for asynchronous processing.
	APIStatusAccepted APIStatus = "accepted"
	// APIStatusDuplicate indicates the request was a replay of one already accepted.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`            // status of the API response
	Message string `json:"message,omitempty"` // optional message for error responses or additional info
	Code    string `json:"code,omitempty"`    // machine-readable error code
	Result  any    `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithCode sets the error code of the API response.
func (b *APIResponseBuilder) WithCode(code ErrorCode) *APIResponseBuilder {
	b.response.Code = string(code)
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result any) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// Accepted creates a response for work handed to the queue.
func Accepted(result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusAccepted).WithResult(result).Build()
}

// Duplicate creates a response for an ignored replay.
func Duplicate(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusDuplicate).WithMessage(message).Build()
}

// ErrorResponse creates an error API response.
func ErrorResponse(code ErrorCode, message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithCode(code).WithMessage(message).Build()
}
