package handlers

import (
	"context"
	"net/http"
	"time"

	"gbrestreamer/gateway/backend/httpapi"
	"gbrestreamer/gateway/backend/router"
)

type recordingsModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &recordingsModule{deps: deps}
	})
}

func (m *recordingsModule) Prefix() string {
	return m.deps.Config.APIBase + "/recordings"
}

func (m *recordingsModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "", Summary: "List indexed recordings", Handler: m.list},
		{Method: http.MethodPost, Pattern: "/scan", Summary: "Rebuild the recording index", Handler: m.scan},
		{Method: http.MethodGet, Pattern: "/scan", Summary: "Get the last scan result", Handler: m.lastScan},
	}
}

func (m *recordingsModule) list(w http.ResponseWriter, r *http.Request) {
	if m.deps.Store == nil {
		httpapi.Unavailable(w, "store")
		return
	}
	page, err := m.deps.Store.ListRecordings(r.Context(), pageFromQuery(r))
	if err != nil {
		httpapi.Fail(w, err)
		return
	}
	httpapi.OK(w, page)
}

func (m *recordingsModule) scan(w http.ResponseWriter, r *http.Request) {
	if m.deps.Recordings == nil {
		httpapi.Unavailable(w, "recording index")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	result, err := m.deps.Recordings.Scan(ctx)
	if err != nil {
		httpapi.Fail(w, err)
		return
	}
	httpapi.OK(w, result)
}

func (m *recordingsModule) lastScan(w http.ResponseWriter, r *http.Request) {
	if m.deps.Recordings == nil {
		httpapi.Unavailable(w, "recording index")
		return
	}
	httpapi.OK(w, m.deps.Recordings.LastScan())
}
