package gateway

import (
	"context"
	"log"
	"time"

	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/registration"
	"gbrestreamer/gateway/backend/service/sip"
)

func (g *Gateway) onRegistrationTransition(tr registration.Transition) {
	if g.comp.Journal != nil {
		g.comp.Journal.RecordRegistration(g.catalog.Device().DeviceID, tr)
	}
	if g.comp.Metrics != nil {
		g.comp.Metrics.ObserveRegistration(string(tr.To))
	}
}

// onRegistered regenerates the catalog; platforms usually query it right
// after the device comes online.
func (g *Gateway) onRegistered(rt *runtime) {
	ctx, cancel := context.WithTimeout(rt.ctx, 30*time.Second)
	defer cancel()
	if err := rt.watcher.Force(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[gateway][warn] catalog refresh after register failed: %v", err)
	}
}

func (g *Gateway) Registration() registration.Status {
	rt := g.current()
	if rt == nil {
		return registration.Status{State: registration.StateUnregistered, DeviceID: g.catalog.Device().DeviceID}
	}
	return rt.machine.Status()
}

func (g *Gateway) RenewRegistration(reason string) error {
	rt := g.current()
	if rt == nil {
		return ErrNotRunning
	}
	return rt.machine.RequestRenewal(reason)
}

// Rescan lists the inventory now and reports whether the catalog changed.
func (g *Gateway) Rescan(ctx context.Context) (bool, error) {
	rt := g.current()
	if rt == nil {
		return false, ErrNotRunning
	}
	return rt.watcher.Refresh(ctx)
}

func (g *Gateway) Snapshot() catalog.Snapshot {
	return g.catalog.Snapshot()
}

type Status struct {
	Running        bool                `json:"running"`
	StartedAt      *time.Time          `json:"startedAt,omitempty"`
	Registration   registration.Status `json:"registration"`
	Channels       int                 `json:"channels"`
	CatalogVersion uint64              `json:"catalogVersion"`
	ActiveSessions int                 `json:"activeSessions"`
	PendingAnswers int                 `json:"pendingAnswers"`
	Signaling      *sip.Stats          `json:"signaling,omitempty"`
}

func (g *Gateway) Status() Status {
	g.mu.Lock()
	rt := g.rt
	pending := len(g.pending)
	g.mu.Unlock()

	status := Status{
		Running:        rt != nil,
		Registration:   g.Registration(),
		Channels:       g.catalog.Len(),
		CatalogVersion: g.catalog.Generation(),
		PendingAnswers: pending,
	}
	if rt != nil {
		started := rt.startedAt
		status.StartedAt = &started
		status.ActiveSessions = len(rt.supervisor.List())
	}
	if reporter, ok := g.comp.Codec.(statsReporter); ok {
		stats := reporter.Stats()
		status.Signaling = &stats
	}
	return status
}

// UpdateGauges refreshes point-in-time gauges before a metrics scrape.
func (g *Gateway) UpdateGauges() {
	if g.comp.Metrics == nil {
		return
	}
	g.comp.Metrics.SetActiveSessions(len(g.Sessions()))
	g.comp.Metrics.SetCatalogChannels(g.catalog.Len())
}
