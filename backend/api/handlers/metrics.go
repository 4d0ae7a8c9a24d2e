package handlers

import (
	"net/http"

	"gbrestreamer/gateway/backend/httpapi"
	"gbrestreamer/gateway/backend/router"
)

type metricsModule struct {
	deps    *router.Dependencies
	handler http.Handler
}

func init() {
	router.Register(func(deps *router.Dependencies) router.Module {
		m := &metricsModule{deps: deps}
		if deps.Metrics != nil {
			var update func()
			if deps.Gateway != nil {
				update = deps.Gateway.UpdateGauges
			}
			m.handler = deps.Metrics.Handler(update)
		}
		return m
	})
}

func (m *metricsModule) Prefix() string {
	return m.deps.Config.APIBase
}

func (m *metricsModule) Routes() []router.Route {
	return []router.Route{
		{Method: http.MethodGet, Pattern: "/metrics", Summary: "Prometheus metrics", Handler: m.serve},
	}
}

func (m *metricsModule) serve(w http.ResponseWriter, r *http.Request) {
	if m.handler == nil {
		httpapi.Unavailable(w, "metrics")
		return
	}
	m.handler.ServeHTTP(w, r)
}
