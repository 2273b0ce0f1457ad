package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusNotConfigured indicates a required piece of configuration is
	// missing, as distinct from an unauthorized or failed request.
	APIStatusNotConfigured APIStatus = "not_configured"
	// APIStatusRecorded indicates a state change was successfully recorded.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// NotConfigured creates a response signalling missing configuration.
func NotConfigured(message string) APIResponse {
	return APIResponse{Status: string(APIStatusNotConfigured), Message: message}
}

// Recorded creates a recorded API response with a message.
func Recorded(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusRecorded), Message: message, Result: result}
}
