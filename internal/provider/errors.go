package provider

import (
	"fmt"
	"net/http"
)

// StatusError is returned by request functions when the upstream answered
// with a non-success status. Message is the upstream's error text, if any.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}
