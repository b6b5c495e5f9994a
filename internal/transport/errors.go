package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable covers dial failures and connection resets:
	// the server could not be reached at all. Always retryable.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrTimeout covers requests that exceeded the fixed client timeout.
	// Treated identically to a network error: retryable.
	ErrTimeout = errors.New("request timed out")

	// ErrConflict is a server-reported 409: the assumed and actual server
	// state diverged. Terminal, flagged for manual reconciliation.
	ErrConflict = errors.New("conflict")
)

// ServerError is a 5xx response. Retryable.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (status %d)", e.StatusCode)
}

// ClientError is a non-409 4xx response: a permanent, non-retryable
// client-side mistake that needs operator attention.
type ClientError struct {
	StatusCode int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error (status %d)", e.StatusCode)
}

// Outcome classifies a request result for the sync state machine.
type Outcome int

const (
	// OutcomeSuccess is any 2xx response.
	OutcomeSuccess Outcome = iota
	// OutcomeConflict is a 409.
	OutcomeConflict
	// OutcomeClientError is any other 4xx: permanent failure.
	OutcomeClientError
	// OutcomeRetryable is a 5xx, timeout or network error.
	OutcomeRetryable
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeConflict:
		return "conflict"
	case OutcomeClientError:
		return "client_error"
	case OutcomeRetryable:
		return "retryable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps a response/error pair onto the sync outcome taxonomy.
//
// Network-level errors (resp == nil) are always retryable. Unexpected
// status families (1xx, 3xx) are treated as retryable rather than
// permanent: they indicate infrastructure, not caller, problems.
func Classify(resp *Response, err error) Outcome {
	if err != nil || resp == nil {
		return OutcomeRetryable
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeSuccess
	case resp.StatusCode == 409:
		return OutcomeConflict
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return OutcomeClientError
	default:
		return OutcomeRetryable
	}
}

// OutcomeError converts a response/error pair into the taxonomy error
// for reporting. Returns nil on success.
func OutcomeError(resp *Response, err error) error {
	if err != nil {
		return err
	}
	if resp == nil {
		return ErrNetworkUnavailable
	}
	switch Classify(resp, nil) {
	case OutcomeSuccess:
		return nil
	case OutcomeConflict:
		return ErrConflict
	case OutcomeClientError:
		return &ClientError{StatusCode: resp.StatusCode}
	default:
		return &ServerError{StatusCode: resp.StatusCode}
	}
}
