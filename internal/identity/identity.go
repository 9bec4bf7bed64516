// Package identity issues opaque participant tokens.
package identity

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/vidsurvey/vidsurvey/internal/httputil"
)

// IssueOrValidate echoes a non-empty candidate token back unchanged and mints
// a fresh UUID otherwise. Candidates are deliberately not checked against
// prior records: participants arriving through a panel link carry their own
// token and the server has no registry to validate against.
func IssueOrValidate(candidate string) string {
	if candidate != "" {
		return candidate
	}
	return uuid.NewString()
}

type userRequest struct {
	UUID string `json:"uuid"`
}

type userResponse struct {
	UUID string `json:"uuid"`
}

// Handler serves POST /api/user with echo-or-issue semantics. A missing or
// unreadable body is treated as "no candidate", not as an error.
func Handler(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	httputil.WriteJSON(w, http.StatusOK, userResponse{UUID: IssueOrValidate(req.UUID)})
}
