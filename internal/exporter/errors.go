package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorType is a low-cardinality category of export failure.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeClientError ErrorType = "client_error"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeEncode      ErrorType = "encode"
	ErrorTypeUnknown     ErrorType = "unknown"
)

var errorTypes = []ErrorType{
	ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServerError, ErrorTypeClientError,
	ErrorTypeAuth, ErrorTypeRateLimit, ErrorTypeEncode, ErrorTypeUnknown,
}

// ExportError carries the classified cause of a failed export.
type ExportError struct {
	Err        error
	Type       ErrorType
	StatusCode int
	// Message is the start of the response body, if any.
	Message string
}

func (e *ExportError) Error() string {
	if e.StatusCode != 0 {
		if e.Message != "" {
			return fmt.Sprintf("export failed: status %d (%s): %s", e.StatusCode, e.Type, e.Message)
		}
		return fmt.Sprintf("export failed: status %d (%s)", e.StatusCode, e.Type)
	}
	if e.Err != nil {
		return fmt.Sprintf("export failed (%s): %v", e.Type, e.Err)
	}
	return fmt.Sprintf("export failed (%s)", e.Type)
}

func (e *ExportError) Unwrap() error { return e.Err }

// IsRetryable reports whether the same batch may succeed later. Retryable
// failures count against the breaker and are spilled; the rest are dropped.
func (e *ExportError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeUnknown:
		return true
	}
	return false
}

// IsRetryable classifies any error returned by an Exporter.
func IsRetryable(err error) bool {
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee.IsRetryable()
	}
	return err != nil
}

// TypeOf returns the error type of err.
func TypeOf(err error) ErrorType {
	var ee *ExportError
	if errors.As(err, &ee) {
		return ee.Type
	}
	return classifyError(err)
}

func classifyHTTPStatusCode(code int) ErrorType {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorTypeAuth
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusRequestTimeout:
		return ErrorTypeTimeout
	case code >= 400 && code < 500:
		return ErrorTypeClientError
	case code >= 500:
		return ErrorTypeServerError
	}
	return ErrorTypeUnknown
}

func classifyGRPCError(err error) ErrorType {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return ErrorTypeTimeout
		case codes.Unavailable:
			return ErrorTypeNetwork
		case codes.Unauthenticated, codes.PermissionDenied:
			return ErrorTypeAuth
		case codes.ResourceExhausted:
			return ErrorTypeRateLimit
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented:
			return ErrorTypeClientError
		case codes.Internal, codes.Unknown, codes.DataLoss, codes.Aborted:
			return ErrorTypeServerError
		}
	}
	return classifyError(err)
}

func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "no such host", "network is unreachable", "connection reset", "broken pipe", "eof"} {
		if strings.Contains(msg, s) {
			return ErrorTypeNetwork
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return ErrorTypeTimeout
	}
	return ErrorTypeUnknown
}
