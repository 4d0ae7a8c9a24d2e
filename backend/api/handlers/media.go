package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gbrestreamer/gateway/backend/httpapi"
	"gbrestreamer/gateway/backend/router"
	"gbrestreamer/gateway/backend/service/session"
)

type mediaModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &mediaModule{deps: deps}
	})
}

func (m *mediaModule) Prefix() string {
	return m.deps.Config.APIBase + "/media"
}

func (m *mediaModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/pipelines", Summary: "List running media pipelines", Handler: m.pipelines},
		{Method: http.MethodGet, Pattern: "/pipelines/{handle}/logs", Summary: "Recent ffmpeg output of one pipeline", Handler: m.logs},
	}
}

func (m *mediaModule) pipelines(w http.ResponseWriter, r *http.Request) {
	if m.deps.Media == nil {
		httpapi.Unavailable(w, "media engine")
		return
	}
	httpapi.OK(w, m.deps.Media.Pipelines())
}

func (m *mediaModule) logs(w http.ResponseWriter, r *http.Request) {
	if m.deps.Media == nil {
		httpapi.Unavailable(w, "media engine")
		return
	}
	lines, ok := m.deps.Media.Logs(session.Handle(chi.URLParam(r, "handle")))
	if !ok {
		httpapi.Error(w, http.StatusNotFound, "unknown pipeline")
		return
	}
	httpapi.OK(w, lines)
}
