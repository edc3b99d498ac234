package validation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/nkkko/pincer/internal/api/errors"
)

// MaxBodyBytes bounds request bodies
const MaxBodyBytes = 1 << 20

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apierrors.ValidationError("empty_request_body", "Request body is empty")
		}
		return apierrors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}
	return v.Validate()
}

// Required validates that a string is not blank
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apierrors.ValidationError("required_field_missing", field+" is required")
	}
	return nil
}

// MaxLength validates that a string is not longer than maxLen
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return apierrors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// NonEmpty validates that a list has at least one element
func NonEmpty(field string, values []string) error {
	if len(values) == 0 {
		return apierrors.ValidationError("required_field_missing", field+" must not be empty")
	}
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return apierrors.ValidationError("invalid_value", field+" must not contain blank ids")
		}
	}
	return nil
}

// MaxItems validates that a list has at most max elements
func MaxItems(field string, values []string, max int) error {
	if len(values) > max {
		return apierrors.ValidationError(
			"max_items_exceeded",
			field+" must have at most "+strconv.Itoa(max)+" items",
		)
	}
	return nil
}

// First returns the first non-nil error
func First(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
