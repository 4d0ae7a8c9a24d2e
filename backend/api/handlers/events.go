package handlers

import (
	"net/http"

	"gbrestreamer/gateway/backend/httpapi"
	"gbrestreamer/gateway/backend/router"
)

type eventsModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &eventsModule{deps: deps}
	})
}

func (m *eventsModule) Prefix() string {
	return m.deps.Config.APIBase + "/events"
}

func (m *eventsModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "", Summary: "List lifecycle events", Description: "kind=registration|session filters", Handler: m.list},
		{Method: http.MethodGet, Pattern: "/ws", Summary: "Stream lifecycle events over websocket", Handler: m.stream},
	}
}

func (m *eventsModule) list(w http.ResponseWriter, r *http.Request) {
	if m.deps.Journal == nil {
		httpapi.Unavailable(w, "journal")
		return
	}
	page, err := m.deps.Journal.List(r.Context(), pageFromQuery(r))
	if err != nil {
		httpapi.Fail(w, err)
		return
	}
	httpapi.OK(w, page)
}

func (m *eventsModule) stream(w http.ResponseWriter, r *http.Request) {
	if m.deps.Journal == nil {
		httpapi.Unavailable(w, "journal")
		return
	}
	m.deps.Journal.ServeWS(w, r)
}
