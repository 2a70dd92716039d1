package apperrors

// ErrorCode identifies an error class in API responses.
type ErrorCode string

const (
	ErrorCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrorCodeValidationError    ErrorCode = "VALIDATION_ERROR"
	ErrorCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrorCodeZoneNotFound       ErrorCode = "ZONE_NOT_FOUND"
	ErrorCodeImageNotFound      ErrorCode = "IMAGE_NOT_FOUND"
	ErrorCodeQueueUnavailable   ErrorCode = "QUEUE_UNAVAILABLE"
	ErrorCodeSubscriptionFailed ErrorCode = "SUBSCRIPTION_FAILED"
	ErrorCodeCoreDisconnected   ErrorCode = "CORE_DISCONNECTED"
	ErrorCodeCommandRejected    ErrorCode = "COMMAND_REJECTED"
	ErrorCodeRequestQueueFull   ErrorCode = "REQUEST_QUEUE_FULL"
)

// ErrorBody is the serialized error payload.
type ErrorBody struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AppError is the base error type for HTTP responses.
type AppError struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Details    map[string]any
}

func (err *AppError) Error() string {
	return err.Message
}

func (err *AppError) ErrorBody() ErrorBody {
	return ErrorBody{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
}

func NewAppError(code ErrorCode, message string, statusCode int, details map[string]any) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Details:    details,
	}
}

func NewValidationError(message string, details map[string]any) *AppError {
	return NewAppError(ErrorCodeValidationError, message, 400, details)
}

func NewNotFoundError(message string, details map[string]any) *AppError {
	return NewAppError(ErrorCodeNotFound, message, 404, details)
}

// NewZoneNotFoundError reports an unknown zone id.
func NewZoneNotFoundError(zoneID string) *AppError {
	return NewAppError(ErrorCodeZoneNotFound, "Zone not found: "+zoneID, 404, map[string]any{"zone_id": zoneID})
}

// NewQueueUnavailableError reports a queue the subscription layer could not
// make resident; the caller may retry or show a queue-unavailable state.
func NewQueueUnavailableError(zoneID string, cause error) *AppError {
	details := map[string]any{"zone_id": zoneID}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	return NewAppError(ErrorCodeQueueUnavailable, "Queue unavailable for zone "+zoneID, 503, details)
}

// NewCoreDisconnectedError reports commands issued without a live core
// session.
func NewCoreDisconnectedError() *AppError {
	return NewAppError(ErrorCodeCoreDisconnected, "Not connected to core", 503, nil)
}

// NewBusyError reports a full control-surface request queue.
func NewBusyError() *AppError {
	return NewAppError(ErrorCodeRequestQueueFull, "Control queue full, retry shortly", 429, nil)
}

func NewCommandRejectedError(message string) *AppError {
	return NewAppError(ErrorCodeCommandRejected, message, 502, nil)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorCodeInternalError, message, 500, nil)
}

// EnsureAppError converts an arbitrary error into an AppError.
func EnsureAppError(err error) *AppError {
	if err == nil {
		return NewInternalError("Unknown error")
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewInternalError("Internal server error")
}
