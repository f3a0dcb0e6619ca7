package middleware

// contextKey is a private type for context values set by this package.
type contextKey string

const (
	// RequestIDKey stores the request's correlation ID.
	RequestIDKey contextKey = "request_id"

	// StartTimeKey stores the request arrival timestamp.
	StartTimeKey contextKey = "start_time"
)
