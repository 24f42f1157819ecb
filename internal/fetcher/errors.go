package fetcher

import (
	"errors"
	"fmt"
)

// ErrExhaustedRetries matches every fetch that consumed all of its attempts.
var ErrExhaustedRetries = errors.New("failed to fetch after retries")

// TransportError is a network, proxy or timeout failure of one attempt. It is retried.
type TransportError struct {
	URL   string
	Proxy string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s via %s: %v", e.URL, e.Proxy, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response of one attempt. It is retried.
type StatusError struct {
	URL        string
	Proxy      string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d from %s via %s", e.StatusCode, e.URL, e.Proxy)
}

// DecodeError is a 2xx response whose body is malformed. It is terminal.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ExhaustedError reports the attempt count and the last attempt's failure.
// It matches ErrExhaustedRetries and unwraps to the last failure.
type ExhaustedError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: %v", ErrExhaustedRetries, e.URL, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhaustedRetries, e.Last}
}
