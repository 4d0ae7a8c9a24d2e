package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"gbrestreamer/gateway/backend/httpapi"
	"gbrestreamer/gateway/backend/router"
)

type healthModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &healthModule{deps: deps}
	})
}

func (m *healthModule) Prefix() string {
	return m.deps.Config.APIBase
}

func (m *healthModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/health", Summary: "Health check", Handler: m.health},
		{Method: http.MethodGet, Pattern: "/capabilities", Summary: "Capability manifest", Handler: m.capabilities},
	}
}

func (m *healthModule) health(w http.ResponseWriter, r *http.Request) {
	type payload struct {
		Status    string `json:"status"`
		Now       string `json:"now"`
		GoVersion string `json:"goVersion"`
		Gateway   bool   `json:"gateway"`
		FFmpeg    string `json:"ffmpeg,omitempty"`
	}
	out := payload{
		Status:    "ok",
		Now:       time.Now().Format(time.RFC3339),
		GoVersion: runtime.Version(),
	}
	if m.deps.Gateway != nil {
		out.Gateway = m.deps.Gateway.Running()
	}
	if m.deps.FFmpeg != nil && r.URL.Query().Get("ffmpeg") == "1" {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if version, err := m.deps.FFmpeg.Version(ctx); err == nil {
			out.FFmpeg = version
		} else {
			out.FFmpeg = "unavailable: " + err.Error()
		}
	}
	httpapi.OK(w, out)
}

func (m *healthModule) capabilities(w http.ResponseWriter, r *http.Request) {
	type capability struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	httpapi.OK(w, []capability{
		{Name: "gb28181.register", Description: "Register and keep alive against an upstream platform"},
		{Name: "gb28181.catalog", Description: "Answer Catalog, DeviceInfo and DeviceStatus queries"},
		{Name: "gb28181.record_info", Description: "Answer RecordInfo queries from the recording index"},
		{Name: "gb28181.invite", Description: "Stream local files and RTSP sources as PS/TS over RTP"},
		{Name: "events.websocket", Description: "Live registration and session lifecycle events"},
		{Name: "metrics.prometheus", Description: "Prometheus scrape endpoint"},
	})
}
