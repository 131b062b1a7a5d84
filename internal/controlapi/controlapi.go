// Package controlapi exposes internal/facade's five C11 operations over a
// loopback-bound JSON HTTP API, so cmd/prox-orchctl (or any other local
// tool) can drive the daemon without linking against its process directly.
//
// Grounded on internal/daemon/api.go's ControlAPI: a *http.ServeMux of
// narrow, versioned routes, the same writeJSON/decodeJSON envelope helpers,
// and the same "the handler is a thin adapter, all real logic lives one
// layer down" shape — here that layer is internal/facade instead of
// *SandboxManager/*JobOrchestrator directly.
package controlapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/agentlab/prox-orchd/internal/facade"
	"github.com/agentlab/prox-orchd/internal/models"
)

const maxJSONBytes = 1 << 20 // 1 MiB, generous for any request this API accepts

// API adapts a *facade.Facade to HTTP.
type API struct {
	Facade *facade.Facade
	Logger zerolog.Logger
}

// New constructs an API over f.
func New(f *facade.Facade, logger zerolog.Logger) *API {
	return &API{Facade: f, Logger: logger}
}

func (a *API) logError(r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.Logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("control api request failed")
	}
}

// Register wires every route onto mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/applications", a.handleApplications)
	mux.HandleFunc("/v1/applications/", a.handleApplicationByID)
	mux.HandleFunc("/v1/unmanaged", a.handleUnmanaged)
}

func (a *API) handleApplications(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleListApplications(w, r)
	case http.MethodPost:
		a.handleDeployApplication(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) handleListApplications(w http.ResponseWriter, r *http.Request) {
	var filter facade.Filter
	if status := r.URL.Query().Get("status"); status != "" {
		s := models.Status(status)
		filter.Status = &s
	}
	filter.HostID = r.URL.Query().Get("host_id")

	views, total, err := a.Facade.ListApplications(r.Context(), filter, facade.Page{})
	if err != nil {
		a.logError(r, http.StatusInternalServerError, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listApplicationsResponse{Applications: views, Total: total})
}

type listApplicationsResponse struct {
	Applications []facade.ApplicationView `json:"applications"`
	Total        int                      `json:"total"`
}

type deployRequest struct {
	CatalogID   string            `json:"catalog_id"`
	Hostname    string            `json:"hostname"`
	HostID      string            `json:"host_id"`
	Node        string            `json:"node"`
	Config      map[string]any    `json:"config"`
	Environment map[string]string `json:"environment"`
}

func (a *API) handleDeployApplication(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	app, err := a.Facade.DeployApplication(r.Context(), facade.DeployIntent{
		CatalogID:   req.CatalogID,
		Hostname:    req.Hostname,
		HostID:      req.HostID,
		Node:        req.Node,
		Config:      req.Config,
		Environment: req.Environment,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

// handleApplicationByID dispatches /v1/applications/{id} and
// /v1/applications/{id}/actions/{action}.
func (a *API) handleApplicationByID(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitApplicationPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		view, err := a.Facade.GetApplication(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	a.handlePerformAction(w, r, id, action)
}

type actionRequest struct {
	NewHostname string                `json:"new_hostname"`
	Force       bool                  `json:"force"`
	Reason      string                `json:"reason"`
	BackupID    string                `json:"backup_id"`
	Adopt       facade.AdoptParams    `json:"adopt"`
}

func (a *API) handlePerformAction(w http.ResponseWriter, r *http.Request, appID, action string) {
	var req actionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := a.Facade.PerformAction(r.Context(), appID, facade.Action(action), facade.ActionParams{
		NewHostname: req.NewHostname,
		Force:       req.Force,
		Reason:      req.Reason,
		BackupID:    req.BackupID,
		Adopt:       req.Adopt,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (a *API) handleUnmanaged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out, err := a.Facade.DiscoverUnmanagedContainers(r.Context(), r.URL.Query().Get("host_id"))
	if err != nil {
		a.logError(r, http.StatusInternalServerError, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": out})
}

// splitApplicationPath parses /v1/applications/{id} or
// /v1/applications/{id}/actions/{action}.
func splitApplicationPath(path string) (id, action string, ok bool) {
	const prefix = "/v1/applications/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := path[len(prefix):]
	const sep = "/actions/"
	for i := 0; i+len(sep) <= len(rest); i++ {
		if rest[i:i+len(sep)] == sep {
			return rest[:i], rest[i+len(sep):], true
		}
	}
	if rest == "" {
		return "", "", false
	}
	return rest, "", true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
