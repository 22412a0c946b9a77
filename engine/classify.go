package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/meikuraledutech/pixelflow"
	"google.golang.org/genai"
)

// Category is the user-facing bucket a generation failure falls into.
type Category string

const (
	CategoryInvalid        Category = "invalid_request"
	CategoryUnavailable    Category = "unavailable"
	CategoryRateLimited    Category = "rate_limited"
	CategoryDemoCredential Category = "demo_credential"
	CategoryCancelled      Category = "cancelled"
	CategoryGeneric        Category = "generic"
)

var categoryMessages = map[Category]string{
	CategoryInvalid:     "The request was rejected or blocked by safety filters. Try rewording the prompt or using different reference images.",
	CategoryUnavailable: "The image service is temporarily unavailable. Please try again in a moment.",
	CategoryRateLimited: "Too many requests. Wait a little before generating again.",
	CategoryCancelled:   "Generation was cancelled.",
}

// GenerationError is returned by Executor.Execute when the backend call
// failed. The same message is stored on the node's error field.
type GenerationError struct {
	NodeID   string
	Category Category
	Message  string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("pixelflow: generation failed for node %s (%s): %s", e.NodeID, e.Category, e.Message)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Classify maps a generation error to a category and the message shown on
// the node. API status codes are preferred; the error text is inspected when
// no status is available.
func Classify(err error) (Category, string) {
	if err == nil {
		return "", ""
	}
	if errors.Is(err, pixelflow.ErrDemoCredential) {
		return CategoryDemoCredential, pixelflow.ErrDemoCredential.Error()
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled, categoryMessages[CategoryCancelled]
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if c, ok := categoryForStatus(apiErr.Code); ok {
			return c, categoryMessages[c]
		}
	}

	msg := err.Error()
	switch {
	case containsAny(msg, "SAFETY", "blocked", "INVALID_ARGUMENT", "PERMISSION_DENIED"):
		return CategoryInvalid, categoryMessages[CategoryInvalid]
	case containsAny(msg, "RESOURCE_EXHAUSTED", "429", "quota"):
		return CategoryRateLimited, categoryMessages[CategoryRateLimited]
	case containsAny(msg, "UNAVAILABLE", "overloaded", "503", "DEADLINE_EXCEEDED"):
		return CategoryUnavailable, categoryMessages[CategoryUnavailable]
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryUnavailable, categoryMessages[CategoryUnavailable]
	}
	return CategoryGeneric, "Generation failed: " + msg
}

func categoryForStatus(code int) (Category, bool) {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden:
		return CategoryInvalid, true
	case http.StatusTooManyRequests:
		return CategoryRateLimited, true
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return CategoryUnavailable, true
	}
	return "", false
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
