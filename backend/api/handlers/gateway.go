package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gbrestreamer/gateway/backend/httpapi"
	"gbrestreamer/gateway/backend/router"
	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/gateway"
	"gbrestreamer/gateway/backend/service/registration"
	"gbrestreamer/gateway/backend/service/session"
	"gbrestreamer/gateway/backend/service/signaling"
)

type gatewayModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &gatewayModule{deps: deps}
	})
}

func (m *gatewayModule) Prefix() string {
	return m.deps.Config.APIBase + "/gateway"
}

func (m *gatewayModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/status", Summary: "Get gateway runtime status", Handler: m.status},
		{Method: http.MethodPost, Pattern: "/start", Summary: "Start the gateway", Handler: m.start},
		{Method: http.MethodPost, Pattern: "/stop", Summary: "Stop the gateway", Handler: m.stop},
		{Method: http.MethodGet, Pattern: "/registration", Summary: "Get registration state", Handler: m.registration},
		{Method: http.MethodPost, Pattern: "/registration/renew", Summary: "Force a registration renewal", Handler: m.renew},
		{Method: http.MethodGet, Pattern: "/catalog", Summary: "Get the published catalog", Handler: m.catalog},
		{Method: http.MethodPost, Pattern: "/catalog/rescan", Summary: "Rescan the source inventory", Handler: m.rescan},
		{Method: http.MethodGet, Pattern: "/sessions", Summary: "List stream sessions", Description: "history=1 includes terminal sessions", Handler: m.sessions},
		{Method: http.MethodPost, Pattern: "/sessions", Summary: "Start a stream session manually", Handler: m.startSession},
		{Method: http.MethodGet, Pattern: "/sessions/{id}", Summary: "Get one stream session", Handler: m.session},
		{Method: http.MethodPost, Pattern: "/sessions/{id}/stop", Summary: "Stop a stream session", Handler: m.stopSession},
	}
}

// sessionErrors maps orchestrator errors to API codes.
var sessionErrors = []httpapi.ErrorMapping{
	{Err: session.ErrInvalidRequest, Status: http.StatusBadRequest},
	{Err: catalog.ErrUnknownChannel, Status: http.StatusNotFound},
	{Err: session.ErrUnknownSession, Status: http.StatusNotFound},
	{Err: session.ErrAlreadyActive, Status: http.StatusConflict},
	{Err: gateway.ErrNotRunning, Status: http.StatusConflict},
	{Err: registration.ErrNotRunning, Status: http.StatusConflict},
}

func (m *gatewayModule) gateway(w http.ResponseWriter) *gateway.Gateway {
	if m.deps.Gateway == nil {
		httpapi.Unavailable(w, "gateway")
		return nil
	}
	return m.deps.Gateway
}

func (m *gatewayModule) status(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	httpapi.OK(w, gw.Status())
}

func (m *gatewayModule) start(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := gw.Start(ctx); err != nil {
		httpapi.Fail(w, err, sessionErrors...)
		return
	}
	httpapi.OK(w, gw.Status())
}

func (m *gatewayModule) stop(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := gw.Stop(ctx); err != nil {
		httpapi.Fail(w, err, sessionErrors...)
		return
	}
	httpapi.OK(w, gw.Status())
}

func (m *gatewayModule) registration(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	httpapi.OK(w, gw.Registration())
}

func (m *gatewayModule) renew(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	if err := gw.RenewRegistration("operator request"); err != nil {
		httpapi.Fail(w, err, sessionErrors...)
		return
	}
	httpapi.OK(w, gw.Registration())
}

func (m *gatewayModule) catalog(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	httpapi.OK(w, gw.Snapshot())
}

func (m *gatewayModule) rescan(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	changed, err := gw.Rescan(ctx)
	if err != nil {
		httpapi.Fail(w, err, sessionErrors...)
		return
	}
	snapshot := gw.Snapshot()
	httpapi.OK(w, map[string]any{
		"changed":    changed,
		"generation": snapshot.Generation,
		"channels":   len(snapshot.Channels),
	})
}

func (m *gatewayModule) sessions(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	if r.URL.Query().Get("history") == "1" {
		httpapi.OK(w, gw.SessionHistory())
		return
	}
	httpapi.OK(w, gw.Sessions())
}

func (m *gatewayModule) session(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	info, ok := gw.Session(chi.URLParam(r, "id"))
	if !ok {
		httpapi.Fail(w, session.ErrUnknownSession, sessionErrors...)
		return
	}
	httpapi.OK(w, info)
}

type startSessionRequest struct {
	SessionID string `json:"sessionId"`
	ChannelID string `json:"channelId"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	SSRC      string `json:"ssrc"`
}

func (req startSessionRequest) toStart() session.StartRequest {
	transport := signaling.TransportUDP
	if strings.EqualFold(strings.TrimSpace(req.Transport), string(signaling.TransportTCP)) {
		transport = signaling.TransportTCP
	}
	return session.StartRequest{
		SessionID: strings.TrimSpace(req.SessionID),
		ChannelID: strings.TrimSpace(req.ChannelID),
		Destination: signaling.Destination{
			IP:        strings.TrimSpace(req.IP),
			Port:      req.Port,
			Transport: transport,
		},
		SSRC: strings.TrimSpace(req.SSRC),
	}
}

func (m *gatewayModule) startSession(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	var req startSessionRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.Fail(w, err)
		return
	}
	if strings.TrimSpace(req.ChannelID) == "" {
		httpapi.Error(w, http.StatusBadRequest, "channelId is required")
		return
	}
	info, err := gw.StartSession(r.Context(), req.toStart())
	if err != nil {
		httpapi.Fail(w, err, sessionErrors...)
		return
	}
	httpapi.OK(w, info)
}

func (m *gatewayModule) stopSession(w http.ResponseWriter, r *http.Request) {
	gw := m.gateway(w)
	if gw == nil {
		return
	}
	id := chi.URLParam(r, "id")
	if err := gw.StopSession(r.Context(), id); err != nil {
		httpapi.Fail(w, err, sessionErrors...)
		return
	}
	info, _ := gw.Session(id)
	httpapi.OK(w, info)
}
