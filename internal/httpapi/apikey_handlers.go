package httpapi

import (
	"fmt"
	"net/http"

	"bastion.dev/internal/auth"
)

type createAPIKeyRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	RateLimit   int      `json:"rate_limit"`
	TTLDays     int      `json:"ttl_days"`
}

// apiKeyResponse carries the raw key; it is shown only on create and rotate.
type apiKeyResponse struct {
	Key    string       `json:"key"`
	APIKey *auth.APIKey `json:"api_key"`
}

func (a *API) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensurePermission(w, r, auth.PermAPIKeysManage)
	if !ok {
		return
	}
	keys, err := a.keys.List(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*auth.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

func (a *API) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensurePermission(w, r, auth.PermAPIKeysManage)
	if !ok {
		return
	}
	var req createAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// A caller cannot mint a key stronger than itself.
	for _, perm := range req.Permissions {
		if !p.Can(perm) {
			writeError(w, r, http.StatusForbidden, "cannot grant permission "+perm)
			return
		}
	}

	raw, key, err := a.keys.Issue(r.Context(), p.UserID, req.Name, req.Permissions, req.RateLimit, req.TTLDays)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/api-keys/%s", key.ID))
	writeJSON(w, http.StatusCreated, apiKeyResponse{Key: raw, APIKey: key})
}

func (a *API) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensurePermission(w, r, auth.PermAPIKeysManage)
	if !ok {
		return
	}
	raw, key, err := a.keys.Rotate(r.Context(), r.PathValue("id"), p.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiKeyResponse{Key: raw, APIKey: key})
}

func (a *API) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensurePermission(w, r, auth.PermAPIKeysManage)
	if !ok {
		return
	}
	if err := a.keys.Revoke(r.Context(), r.PathValue("id"), p.UserID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
