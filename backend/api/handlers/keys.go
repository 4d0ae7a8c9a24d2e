package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gbrestreamer/gateway/backend/httpapi"
	"gbrestreamer/gateway/backend/router"
	"gbrestreamer/gateway/backend/store"
)

type keysModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &keysModule{deps: deps}
	})
}

func (m *keysModule) Prefix() string {
	return m.deps.Config.APIBase + "/auth"
}

func (m *keysModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/status", Summary: "Check whether API keys are enforced", Handler: m.status},
		{Method: http.MethodGet, Pattern: "/keys", Summary: "List API keys", Handler: m.list},
		{Method: http.MethodPost, Pattern: "/keys", Summary: "Create an API key", Description: "The plain key is only returned once", Handler: m.create},
		{Method: http.MethodPost, Pattern: "/keys/{name}/delete", Summary: "Delete an API key", Handler: m.remove},
	}
}

func (m *keysModule) status(w http.ResponseWriter, r *http.Request) {
	enabled := m.deps.Auth != nil && m.deps.Auth.Enabled(r.Context())
	httpapi.OK(w, map[string]bool{"enabled": enabled})
}

func (m *keysModule) list(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Unavailable(w, "store")
		return
	}
	keys, err := m.deps.Store.ListAPIKeys(r.Context())
	if err != nil {
		httpapi.Fail(w, err)
		return
	}
	httpapi.OK(w, keys)
}

func (m *keysModule) create(w http.ResponseWriter, r *http.Request) {
	if m.deps.Auth == nil {
		httpapi.Unavailable(w, "auth service")
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Fail(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		httpapi.Error(w, http.StatusBadRequest, "name is required")
		return
	}
	plain, key, err := m.deps.Auth.CreateKey(r.Context(), name, strings.TrimSpace(req.Description))
	if err != nil {
		httpapi.Fail(w, err)
		return
	}
	httpapi.OK(w, map[string]any{"key": plain, "info": key})
}

func (m *keysModule) remove(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Unavailable(w, "store")
		return
	}
	err := m.deps.Store.DeleteAPIKey(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, store.ErrAPIKeyNotFound) {
		httpapi.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		httpapi.Fail(w, err)
		return
	}
	httpapi.OKMessage(w, "deleted")
}
