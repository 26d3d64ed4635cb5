package errors

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labring/streamscope/pkg/aggregator"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError(ErrorTypeValidation, "test message", 400)
	assert.Equal(t, "validation_error: test message", err.Error())
}

func TestErrorConstructors(t *testing.T) {
	testCases := []struct {
		name            string
		err             *APIError
		expectedType    ErrorType
		expectedMsg     string
		expectedCode    int
		expectedDetails string
	}{
		{
			name:            "InternalError",
			err:             NewInternalError("server error", "encoder failed"),
			expectedType:    ErrorTypeInternal,
			expectedMsg:     "server error",
			expectedCode:    http.StatusInternalServerError,
			expectedDetails: "encoder failed",
		},
		{
			name:         "InvalidRequestError",
			err:          NewInvalidRequestError("invalid tab id \"x\""),
			expectedType: ErrorTypeInvalidRequest,
			expectedMsg:  "invalid tab id \"x\"",
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "UnauthorizedError",
			err:          NewUnauthorizedError(),
			expectedType: ErrorTypeUnauthorized,
			expectedMsg:  "Unauthorized",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "TabNotFoundError",
			err:          NewTabNotFoundError(7),
			expectedType: ErrorTypeNotFound,
			expectedMsg:  "Tab not found: 7",
			expectedCode: http.StatusNotFound,
		},
		{
			name:            "StreamNotFoundError",
			err:             NewStreamNotFoundError(7, "rxjs-stream-3"),
			expectedType:    ErrorTypeNotFound,
			expectedMsg:     "Stream not found: rxjs-stream-3",
			expectedCode:    http.StatusNotFound,
			expectedDetails: "tab 7",
		},
		{
			name:            "InvalidMessageError",
			err:             NewInvalidMessageError(protocol.ErrUnknownType),
			expectedType:    ErrorTypeInvalidMessage,
			expectedMsg:     "Invalid message",
			expectedCode:    http.StatusUnprocessableEntity,
			expectedDetails: "unknown message type",
		},
		{
			name:            "NewAPIError with multiple details uses first",
			err:             NewAPIError(ErrorTypeNotFound, "not found", 404, "first", "second"),
			expectedType:    ErrorTypeNotFound,
			expectedMsg:     "not found",
			expectedCode:    404,
			expectedDetails: "first",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expectedType, tc.err.Type)
			assert.Equal(t, tc.expectedMsg, tc.err.Message)
			assert.Equal(t, tc.expectedCode, tc.err.Code)
			assert.Equal(t, tc.expectedDetails, tc.err.Details)
		})
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ErrorType
		wantCode int
	}{
		{"tab", fmt.Errorf("%w: 7", aggregator.ErrTabNotFound), ErrorTypeNotFound, http.StatusNotFound},
		{"stream", fmt.Errorf("%w: s1", aggregator.ErrStreamNotFound), ErrorTypeNotFound, http.StatusNotFound},
		{"not ingestable", fmt.Errorf("%w: clear-console", aggregator.ErrNotIngestable), ErrorTypeInvalidMessage, http.StatusUnprocessableEntity},
		{"bad source", fmt.Errorf("tab 7: %w", protocol.ErrUnknownSource), ErrorTypeInvalidMessage, http.StatusUnprocessableEntity},
		{"bad payload", protocol.ErrInvalidPayload, ErrorTypeInvalidMessage, http.StatusUnprocessableEntity},
		{"api error passes through", fmt.Errorf("wrapped: %w", NewInvalidRequestError("nope")), ErrorTypeInvalidRequest, http.StatusBadRequest},
		{"anything else", errors.New("disk full"), ErrorTypeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(7, "s1", tt.err)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantCode, got.Code)
		})
	}

	assert.Equal(t, "Stream not found: s1", FromError(7, "s1", aggregator.ErrStreamNotFound).Message)
}

func TestWriteErrorResponse(t *testing.T) {
	t.Run("json body", func(t *testing.T) {
		err := NewTabNotFoundError(3)
		w := httptest.NewRecorder()

		WriteErrorResponse(w, err)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response APIError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, *err, response)
	})

	t.Run("fallback to plain text on encoding failure", func(t *testing.T) {
		w := &failingWriter{}
		WriteErrorResponse(w, NewInvalidRequestError("invalid input"))

		assert.Equal(t, http.StatusBadRequest, w.code)
		assert.Equal(t, "text/plain", w.header.Get("Content-Type"))
		assert.Contains(t, w.body.String(), "Error: invalid input")
	})
}

type failingWriter struct {
	body   bytes.Buffer
	header http.Header
	code   int
	failed bool
}

func (w *failingWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *failingWriter) WriteHeader(statusCode int) { w.code = statusCode }

func (w *failingWriter) Write(data []byte) (int, error) {
	if !w.failed {
		w.failed = true
		return 0, errors.New("simulated encoding failure")
	}
	return w.body.Write(data)
}
