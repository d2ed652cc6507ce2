package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrConnectivity is surfaced once retries are exhausted on a transient failure
	ErrConnectivity = errors.New("connection problem, please check your network")

	// ErrAuthentication marks a rejected or expired credential
	ErrAuthentication = errors.New("authentication failed")

	// ErrRateLimited marks a 429 from a remote service
	ErrRateLimited = errors.New("rate limited")

	// ErrLowSignal is the family of "no usable speech" rejections. Errors
	// wrapping it survive retry exhaustion unchanged.
	ErrLowSignal = errors.New("low signal")

	// ErrNoSignal is a zero-confidence transcription: never retried
	ErrNoSignal = fmt.Errorf("confidence too low (0.0%%): %w", ErrLowSignal)

	// ErrCircuitOpen is returned while a circuit breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ErrorClass is the retry classification of an error
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassAuthentication
	ClassRateLimited
	ClassTerminal
	ClassLowSignal
	ClassNoSignal
	ClassCanceled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuthentication:
		return "authentication"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTerminal:
		return "terminal"
	case ClassLowSignal:
		return "low_signal"
	case ClassNoSignal:
		return "no_signal"
	case ClassCanceled:
		return "canceled"
	}
	return "unknown"
}

// Retryable reports whether an error of this class is worth another attempt
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassLowSignal
}

// StatusError is a non-2xx response from a remote service
type StatusError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s returned %d %s", e.Service, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s returned %d: %s", e.Service, e.StatusCode, e.Message)
}

// Is lets errors.Is match a StatusError against the auth and rate-limit sentinels
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrAuthentication:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// NewStatusError builds a StatusError, trimming long response bodies
func NewStatusError(service string, statusCode int, body string) *StatusError {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		body = body[:200]
	}
	return &StatusError{Service: service, StatusCode: statusCode, Message: body}
}

// Classify maps an error to its retry class
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, ErrNoSignal) {
		return ClassNoSignal
	}
	if errors.Is(err, ErrLowSignal) {
		return ClassLowSignal
	}
	if errors.Is(err, ErrAuthentication) {
		return ClassAuthentication
	}
	if errors.Is(err, ErrRateLimited) {
		return ClassRateLimited
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ClassTerminal
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
			statusErr.StatusCode != http.StatusRequestTimeout {
			return ClassTerminal
		}
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	// SDK errors that don't expose a status type
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid credentials", "unauthenticated", "permission denied"):
		return ClassAuthentication
	case containsAny(msg, "429", "too many requests", "rate limit", "resource exhausted"):
		return ClassRateLimited
	}
	return ClassTransient
}

// IsRetryableNetworkError checks if an error is a retryable network error
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if Classify(err) != ClassTransient {
		return false
	}

	return containsAny(strings.ToLower(err.Error()),
		"connection refused",
		"connection reset",
		"connection closed",
		"transport is closing",
		"unavailable",
		"network is unreachable",
		"no route to host",
		"deadline exceeded",
		"timeout",
		"eof",
	)
}

func containsAny(s string, substrings ...string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
