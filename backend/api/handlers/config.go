package handlers

import (
	"net/http"

	"gbrestreamer/gateway/backend/config"
	"gbrestreamer/gateway/backend/httpapi"
	"gbrestreamer/gateway/backend/router"
)

const maskedSecret = "******"

type configModule struct {
	deps *router.Dependencies
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		return &configModule{deps: deps}
	})
}

func (m *configModule) Prefix() string {
	return m.deps.Config.APIBase + "/config"
}

func (m *configModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "", Summary: "Get runtime config", Handler: m.get},
		{Method: http.MethodPost, Pattern: "", Summary: "Save runtime config", Description: "Saving restarts the gateway with the new settings", Handler: m.save},
	}
}

func (m *configModule) current() config.Config {
	if m.deps.ConfigMgr != nil {
		return m.deps.ConfigMgr.Current()
	}
	return m.deps.Config
}

func maskConfig(cfg config.Config) config.Config {
	if cfg.SIP.Password != "" {
		cfg.SIP.Password = maskedSecret
	}
	if cfg.APIKeyHash != "" {
		cfg.APIKeyHash = maskedSecret
	}
	return cfg
}

func (m *configModule) get(w http.ResponseWriter, r *http.Request) {
	httpapi.OK(w, maskConfig(m.current()))
}

func (m *configModule) save(w http.ResponseWriter, r *http.Request) {
	if m.deps.ConfigMgr == nil {
		httpapi.Unavailable(w, "config manager")
		return
	}
	base := m.deps.ConfigMgr.Current()
	next := base
	if err := httpapi.DecodeJSON(r, &next); err != nil {
		httpapi.Fail(w, err)
		return
	}
	if next.SIP.Password == maskedSecret {
		next.SIP.Password = base.SIP.Password
	}
	if next.APIKeyHash == maskedSecret {
		next.APIKeyHash = base.APIKeyHash
	}
	saved, err := m.deps.ConfigMgr.Save(next)
	if err != nil {
		httpapi.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	httpapi.OK(w, maskConfig(saved))
}
