package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
)

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, auth.PermAlertsRead); !ok {
		return
	}
	filter, err := parseAlertFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := a.alerts.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []audit.SecurityAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	p, ok := a.ensurePermission(w, r, auth.PermAlertsWrite)
	if !ok {
		return
	}
	alert, err := a.alerts.Resolve(r.Context(), r.PathValue("id"), p.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func parseAlertFilter(r *http.Request) (audit.AlertFilter, error) {
	q := r.URL.Query()
	var f audit.AlertFilter
	if raw := strings.TrimSpace(q.Get("resolved")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return f, errors.New("resolved must be true or false")
		}
		f.Resolved = &v
	}
	if raw := strings.TrimSpace(q.Get("severity")); raw != "" {
		f.Severity = audit.Severity(strings.ToLower(raw))
		if !f.Severity.Valid() {
			return f, errors.New("unknown severity")
		}
	}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		f.Type = audit.AlertType(strings.ToLower(raw))
		if !f.Type.Valid() {
			return f, errors.New("unknown alert type")
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return f, errors.New("limit must be between 1 and 500")
		}
		f.Limit = n
	}
	return f, nil
}
