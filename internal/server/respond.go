package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/voltmark/marketflow/types"
)

// Response is the unified JSON envelope for non-streaming endpoints.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo is the wire form of a service error.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func writeError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var svcErr *types.Error
	if !errors.As(err, &svcErr) {
		svcErr = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}

	status := svcErr.HTTPStatus
	if status == 0 {
		status = statusFor(svcErr.Code)
	}

	if logger != nil {
		logger.Error("request failed",
			zap.String("code", string(svcErr.Code)),
			zap.String("message", svcErr.Message),
			zap.Int("status", status),
			zap.Error(svcErr.Cause),
		)
	}

	writeJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(svcErr.Code),
			Message:   svcErr.Message,
			Retryable: svcErr.Retryable,
		},
		Timestamp: time.Now(),
	})
}

func statusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrApprovalNotFound:
		return http.StatusNotFound
	case types.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrRuntimeInvocation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeSSE(w io.Writer, ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		writeError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err)
		writeError(w, apiErr, logger)
		return apiErr
	}
	return nil
}
