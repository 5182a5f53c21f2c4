package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// Error codes the API uses to distinguish remediation paths.
const (
	codeCredentialRequired = "credential_required"
	codeModeration         = "moderation_rejected"
)

// APIError is an error response that maps onto no taxonomy kind, such as a
// 404 or an authentication failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Error      string            `json:"error"`
	Detail     string            `json:"detail"`
	Code       string            `json:"code"`
	Reason     string            `json:"reason"`
	Violations []string          `json:"violations"`
	Fields     map[string]string `json:"fields"`
}

func (b *errorBody) message(raw []byte) string {
	switch {
	case b.Detail != "":
		return b.Detail
	case b.Error != "":
		return b.Error
	case b.Reason != "":
		return b.Reason
	}
	return strings.TrimSpace(string(raw))
}

// mapStatus converts a non-2xx response into the error taxonomy.
func mapStatus(op string, status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	msg := body.message(raw)

	switch {
	case body.Code == codeCredentialRequired:
		return fmt.Errorf("%s: %w", op, model.ErrCredentialRequired)
	case body.Code == codeModeration || (status == http.StatusUnprocessableEntity && len(body.Violations) > 0):
		return &model.ModerationRejection{Reason: msg, Violations: body.Violations}
	case status == http.StatusConflict:
		return &model.ConflictError{Resource: op, Reason: msg}
	case status == http.StatusBadRequest,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnsupportedMediaType,
		status == http.StatusUnprocessableEntity:
		ve := &model.ValidationError{}
		fields := make([]string, 0, len(body.Fields))
		for f := range body.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			ve.Add(f, "%s", body.Fields[f])
		}
		if !ve.HasErrors() {
			ve.Add("request", "%s", msg)
		}
		return ve
	case status == http.StatusTooManyRequests, status >= 500:
		return &model.TransportError{Op: op, Status: status, Err: errors.New(msg)}
	}
	return &APIError{StatusCode: status, Message: msg}
}
