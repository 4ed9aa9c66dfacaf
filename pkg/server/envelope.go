// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/kadirpekel/mnemo/pkg/fault"
)

// Error codes carried by the error envelope. They are the public vocabulary
// of the API; clients switch on these, never on messages.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInternalError     = "INTERNAL_ERROR"
	CodeBadRequest        = "BAD_REQUEST"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeLLMError          = "LLM_ERROR"
	CodeToolError         = "TOOL_ERROR"
)

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta carries per-response bookkeeping.
type Meta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

// ErrorEnvelope is the uniform failure shape of every endpoint.
type ErrorEnvelope struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
	Meta    Meta      `json:"meta"`
}

// secretKeyRe matches detail keys whose values must never leave the process.
var secretKeyRe = regexp.MustCompile(`(?i)api[_-]?key|secret|token|password|auth|credential|private[_-]?key`)

// redactDetails returns a copy of details with secret-like values replaced.
// Nested maps are walked; everything else is passed through by value.
func redactDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for key, value := range details {
		if secretKeyRe.MatchString(key) {
			out[key] = "[REDACTED]"
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = redactDetails(nested)
			continue
		}
		out[key] = value
	}
	return out
}

// statusAndCode maps a fault kind to its HTTP status and envelope code.
//
// Timeout and Provider collapse to a 500 INTERNAL_ERROR: the short message
// survives, the upstream detail does not. Tool failures never reach here;
// the reasoning loop folds them into tool results.
func statusAndCode(err error) (int, string) {
	switch fault.KindOf(err) {
	case fault.Validation:
		return http.StatusBadRequest, CodeValidationError
	case fault.NotFound:
		return http.StatusNotFound, CodeNotFound
	case fault.Conflict:
		return http.StatusBadRequest, CodeBadRequest
	case fault.Unauthorized:
		return http.StatusUnauthorized, CodeUnauthorized
	case fault.RateLimited:
		return http.StatusTooManyRequests, CodeRateLimitExceeded
	case fault.Timeout, fault.Provider:
		return http.StatusInternalServerError, CodeInternalError
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

// shortMessage extracts the classified message without the wrapped cause,
// which may carry raw driver or provider payloads.
func shortMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return err.Error()
}

// writeJSON writes a success payload.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// writeFault maps err onto the envelope using its fault kind.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusAndCode(err)
	writeError(w, r, status, code, shortMessage(err), nil)
}

// writeSessionFault is writeFault with session-flavored NotFound.
func writeSessionFault(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusAndCode(err)
	if code == CodeNotFound {
		code = CodeSessionNotFound
	}
	writeError(w, r, status, code, shortMessage(err), nil)
}

// writeError writes the error envelope. Details are redacted before
// encoding; secrets must not survive into responses or logs.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	envelope := ErrorEnvelope{
		Success: false,
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: redactDetails(details),
		},
		Meta: Meta{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			RequestID: requestIDFromContext(r.Context()),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		slog.Debug("Failed to encode error envelope", "error", err)
	}
}
