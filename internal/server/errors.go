package server

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"checkout-orchestrator/internal/domain"
)

// httpStatus maps domain errors onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error, status int) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusServiceUnavailable:
		return "storage unavailable, retry with the same idempotency key"
	}
	return err.Error()
}

// fieldError carries per-field validation messages keyed by JSON path.
type fieldError struct {
	fields map[string]string
}

func (e *fieldError) Error() string {
	parts := make([]string, 0, len(e.fields))
	for k, v := range e.fields {
		parts = append(parts, k+": "+v)
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func (e *fieldError) Unwrap() error { return domain.ErrInvalidRequest }

// fromBindError turns a gin binding failure into a fieldError.
func fromBindError(err error) error {
	fields := map[string]string{}

	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fieldPath(fe.Namespace())] = messageForTag(fe.Tag(), fe.Param())
		}
		return &fieldError{fields: fields}
	}

	fields["_"] = "malformed request body"
	return &fieldError{fields: fields}
}

// fieldPath drops the root struct name: "checkoutBody.items[0].quantity" -> "items[0].quantity".
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func messageForTag(tag, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + param + " entries"
	case "gt":
		return "must be greater than " + param
	case "max":
		return "must be at most " + param
	default:
		return "is invalid"
	}
}

var tagNameOnce sync.Once

// registerJSONFieldNames makes validation errors report JSON names instead of Go field names.
func registerJSONFieldNames() {
	tagNameOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
}
