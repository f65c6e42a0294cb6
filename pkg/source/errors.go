package source

import "fmt"

// TransportError is a network, timeout, or non-2xx failure on one page.
// It is recoverable by retrying the whole run.
type TransportError struct {
	Page       int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("page %d: unexpected status %d", e.Page, e.StatusCode)
	}
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FormatError is a payload that is neither an array of records nor an object
// holding one. It is not retried.
type FormatError struct {
	Page   int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("page %d: unexpected payload: %s", e.Page, e.Reason)
}
