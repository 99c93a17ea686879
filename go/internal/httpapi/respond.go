// Package httpapi holds the small amount of request/response plumbing shared
// by the HTTP services.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

const (
	HeaderTenantID   = "X-Tenant-Id"
	HeaderUserID     = "X-User-Id"
	HeaderAdminToken = "X-Admin-Token"
)

// ErrorBody is the machine-readable error envelope every endpoint returns.
type ErrorBody struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
	Hint   string `json:"hint,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// WriteError writes an ErrorBody.
func WriteError(w http.ResponseWriter, status int, code, reason string) {
	WriteJSON(w, status, ErrorBody{Code: code, Reason: reason})
}

// WriteBootstrapRequired is the blocking response for a stale tenant context.
func WriteBootstrapRequired(w http.ResponseWriter, reason string) {
	WriteJSON(w, http.StatusConflict, ErrorBody{
		Code:   "BOOTSTRAP_REQUIRED",
		Reason: reason,
		Hint:   "refresh the mission, status and next bootstrap documents, then retry",
	})
}

// Identity is the caller's tenant and optional user.
type Identity struct {
	TenantID string
	UserID   *string
}

// IdentityFromRequest reads the tenant/user headers. It writes a 400 and
// returns false when the tenant is missing.
func IdentityFromRequest(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	tenant := r.Header.Get(HeaderTenantID)
	if tenant == "" {
		WriteError(w, http.StatusBadRequest, "TENANT_REQUIRED", "missing "+HeaderTenantID+" header")
		return Identity{}, false
	}
	id := Identity{TenantID: tenant}
	if user := r.Header.Get(HeaderUserID); user != "" {
		id.UserID = &user
	}
	return id, true
}

// AdminGuard checks the static admin token unless auth is disabled.
type AdminGuard struct {
	Token    string
	Disabled bool
}

// Allow writes a 403 and returns false when the request lacks the admin token.
func (g AdminGuard) Allow(w http.ResponseWriter, r *http.Request) bool {
	if g.Disabled {
		return true
	}
	got := r.Header.Get(HeaderAdminToken)
	if g.Token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(g.Token)) != 1 {
		WriteError(w, http.StatusForbidden, "ADMIN_TOKEN_INVALID", "admin token required")
		return false
	}
	return true
}

// DecodeJSON reads a JSON request body into v, writing a 400 on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return false
	}
	return true
}
