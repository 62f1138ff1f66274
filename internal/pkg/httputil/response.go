// Package httputil provides the HTTP plumbing shared by the API handlers:
// response envelopes, error mapping, authentication and request metrics.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/go-playground/validator/v10"
)

// FieldError is one entry of a validation error's details.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NewValidator returns a request validator that reports fields by their
// JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// JSON writes a raw JSON response without envelope.
// Use Success for {"data": ...} wrapped responses.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// Text writes a plain text response.
func Text(w http.ResponseWriter, statusCode int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// Success writes a JSON response with {"data": ...} envelope.
func Success(w http.ResponseWriter, status int, data any) {
	JSON(w, status, map[string]any{"data": data})
}

// Error writes a JSON response with {"error": {"message": ...}} envelope.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]any{
		"error": map[string]string{"message": message},
	})
}

// ValidationError writes a 400 response. Struct tag failures and
// *domain.ValidationError become field details; any other error is
// reported as a details string.
func ValidationError(w http.ResponseWriter, err error) {
	var (
		details   any
		tagErrors validator.ValidationErrors
		domainErr *domain.ValidationError
	)
	switch {
	case errors.As(err, &tagErrors):
		fields := make([]FieldError, 0, len(tagErrors))
		for _, e := range tagErrors {
			msg := e.Tag()
			if e.Param() != "" {
				msg += "=" + e.Param()
			}
			fields = append(fields, FieldError{Field: e.Field(), Message: msg})
		}
		details = fields
	case errors.As(err, &domainErr):
		details = []FieldError{{Field: domainErr.Field, Message: domainErr.Message}}
	default:
		details = err.Error()
	}

	JSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"message": "validation error",
			"details": details,
		},
	})
}
