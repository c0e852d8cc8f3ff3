package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// NetworkError indicates no response was received at all. The transport's
// message is passed through verbatim.
type NetworkError struct {
	Message string
}

func (e *NetworkError) Error() string {
	return e.Message
}

// TimeoutError indicates the request exceeded its time bound.
type TimeoutError struct{}

func (e *TimeoutError) Error() string {
	return "Request timeout"
}

// APIError is a backend-reported failure normalized to a single shape.
type APIError struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// errorBody is the backend's structured error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// classifyTransport maps a transport-level failure to the error taxonomy.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{}
	}
	return &NetworkError{Message: err.Error()}
}

// classifyResponse maps a non-2xx response to an APIError, preferring the
// body's message field over a generic one.
func classifyResponse(status int, body []byte) error {
	apiErr := &APIError{
		Message: fmt.Sprintf("request failed with status %d", status),
		Status:  status,
	}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			apiErr.Message = parsed.Message
		} else if parsed.Error != "" {
			apiErr.Message = parsed.Error
		}
		apiErr.Code = parsed.Code
	}
	return apiErr
}
