package delivery

import "unicode/utf8"

// DefaultRawBodyLimit defines the maximum number of characters retained from
// a destination response body when it is attached to history details.
const DefaultRawBodyLimit = 1024

// Result is the normalised outcome of one delivery attempt.
type Result struct {
	Successful bool
	StatusCode int
	ErrorType  ErrorType
	Message    string
	Raw        string
	Attempts   int
}

// Failure builds a failed Result for the given classification.
func Failure(errType ErrorType, statusCode int, message string) Result {
	return Result{ErrorType: errType, StatusCode: statusCode, Message: message, Attempts: 1}
}

// Success builds a successful Result.
func Success(statusCode int) Result {
	return Result{Successful: true, StatusCode: statusCode, Attempts: 1}
}

// TruncateRaw trims the supplied string to the specified rune limit. If limit
// is zero or negative it returns an empty string.
func TruncateRaw(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}
