package scraper

import (
	"fmt"
	"strings"
)

// ErrorClass is the structural classification of an upstream failure,
// derived from the run's log text.
type ErrorClass string

// Known upstream failure classes. Login and checkpoint failures are
// permanent for the run; retrying cannot fix them without operator action.
const (
	ClassLoginRequired      ErrorClass = "login-required"
	ClassCheckpointRequired ErrorClass = "checkpoint-required"
	ClassRateLimited        ErrorClass = "rate-limited"
	ClassProxyError         ErrorClass = "proxy-error"
	ClassGenericFailure     ErrorClass = "generic-failure"
)

// ClassifiedError wraps an upstream failure with its structural class.
type ClassifiedError struct {
	Class   ErrorClass
	Message string
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Permanent reports whether retrying the run can help.
func (e *ClassifiedError) Permanent() bool {
	switch e.Class {
	case ClassLoginRequired, ClassCheckpointRequired:
		return true
	default:
		return false
	}
}

// classifierRule maps log-text markers to a failure class; first match wins.
var classifierRules = []struct {
	class   ErrorClass
	markers []string
}{
	{ClassLoginRequired, []string{"login_required", "login required", "please log in", "not logged in"}},
	{ClassCheckpointRequired, []string{"checkpoint_required", "checkpoint required", "challenge_required"}},
	{ClassRateLimited, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{ClassProxyError, []string{"proxy error", "proxy_error", "bad gateway", "502", "503"}},
}

// Classify inspects upstream log/error text and returns the structural
// failure class, or false when the text carries no recognizable error.
func Classify(logText string) (ErrorClass, bool) {
	text := strings.ToLower(logText)
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	for _, rule := range classifierRules {
		for _, marker := range rule.markers {
			if strings.Contains(text, marker) {
				return rule.class, true
			}
		}
	}
	return ClassGenericFailure, true
}
