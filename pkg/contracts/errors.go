package contracts

// Error codes returned in the error envelope. These are stable API surface;
// clients branch on them.
const (
	CodeValidationError            = "VALIDATION_ERROR"
	CodeUnauthorized               = "UNAUTHORIZED"
	CodeNotFound                   = "NOT_FOUND"
	CodeRateLimitExceeded          = "RATE_LIMIT_EXCEEDED"
	CodeRouteNotFound              = "ROUTE_NOT_FOUND"
	CodeCircuitBreakerOpen         = "CIRCUIT_BREAKER_OPEN"
	CodeTenantHeaderRequired       = "TENANT_HEADER_REQUIRED"
	CodeTenantMismatch             = "TENANT_MISMATCH"
	CodeTenantNotAllowed           = "TENANT_NOT_ALLOWED"
	CodeTenantRateLimitExceeded    = "TENANT_RATE_LIMIT_EXCEEDED"
	CodeManifestVersionMismatch    = "PERMISSION_MANIFEST_VERSION_MISMATCH"
	CodeCommandNotAllowed          = "COMMAND_NOT_ALLOWED"
	CodeServiceUnavailable         = "SERVICE_UNAVAILABLE"
	CodeInternalError              = "INTERNAL_ERROR"
	CodeAppointmentNotFound        = "APPOINTMENT_NOT_FOUND"
)

// ErrorBody is the inner object of the error envelope.
type ErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// ErrorEnvelope is returned by every HTTP endpoint on failure.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// NewErrorEnvelope builds an error envelope with the given code and message.
func NewErrorEnvelope(code, message string) *ErrorEnvelope {
	return &ErrorEnvelope{Error: ErrorBody{Code: code, Message: message}}
}
