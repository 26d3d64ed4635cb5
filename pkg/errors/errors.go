package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/labring/streamscope/pkg/aggregator"
	"github.com/labring/streamscope/pkg/protocol"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation_error"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeUnauthorized   ErrorType = "unauthorized"
	ErrorTypeInternal       ErrorType = "internal_error"
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeInvalidMessage ErrorType = "invalid_message"
)

// APIError represents a structured API error
type APIError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details string    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func NewAPIError(errorType ErrorType, message string, code int, details ...string) *APIError {
	err := &APIError{
		Type:    errorType,
		Message: message,
		Code:    code,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

func NewInternalError(message string, details ...string) *APIError {
	return NewAPIError(ErrorTypeInternal, message, http.StatusInternalServerError, details...)
}

func NewInvalidRequestError(message string, details ...string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message, http.StatusBadRequest, details...)
}

func NewUnauthorizedError() *APIError {
	return NewAPIError(ErrorTypeUnauthorized, "Unauthorized", http.StatusUnauthorized)
}

func NewTabNotFoundError(tabID int) *APIError {
	return NewAPIError(ErrorTypeNotFound, fmt.Sprintf("Tab not found: %d", tabID), http.StatusNotFound)
}

func NewStreamNotFoundError(tabID int, streamID string) *APIError {
	return NewAPIError(ErrorTypeNotFound,
		fmt.Sprintf("Stream not found: %s", streamID),
		http.StatusNotFound,
		fmt.Sprintf("tab %d", tabID))
}

// NewInvalidMessageError reports a relayed envelope the pipeline refused.
func NewInvalidMessageError(err error) *APIError {
	return NewAPIError(ErrorTypeInvalidMessage, "Invalid message", http.StatusUnprocessableEntity, err.Error())
}

// FromError maps store and decoding failures to an APIError.
func FromError(tabID int, streamID string, err error) *APIError {
	var apiErr *APIError
	switch {
	case stderrors.As(err, &apiErr):
		return apiErr
	case stderrors.Is(err, aggregator.ErrTabNotFound):
		return NewTabNotFoundError(tabID)
	case stderrors.Is(err, aggregator.ErrStreamNotFound):
		return NewStreamNotFoundError(tabID, streamID)
	case stderrors.Is(err, aggregator.ErrNotIngestable),
		stderrors.Is(err, protocol.ErrUnknownType),
		stderrors.Is(err, protocol.ErrUnknownSource),
		stderrors.Is(err, protocol.ErrInvalidPayload):
		return NewInvalidMessageError(err)
	}
	return NewInternalError(err.Error())
}

// WriteErrorResponse writes an error response to the HTTP response writer
func WriteErrorResponse(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)

	if encodeErr := json.NewEncoder(w).Encode(err); encodeErr != nil {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "Error: %s", err.Message)
	}
}
