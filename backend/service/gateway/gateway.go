// Package gateway is the orchestrator facade. It routes codec events to the
// registration machine, the query dispatcher and the session supervisor, and
// sends their answers back through the codec.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gbrestreamer/gateway/backend/config"
	"gbrestreamer/gateway/backend/metrics"
	"gbrestreamer/gateway/backend/retry"
	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/dispatch"
	"gbrestreamer/gateway/backend/service/inventory"
	"gbrestreamer/gateway/backend/service/journal"
	"gbrestreamer/gateway/backend/service/registration"
	"gbrestreamer/gateway/backend/service/session"
	"gbrestreamer/gateway/backend/service/signaling"
	"gbrestreamer/gateway/backend/service/sip"
)

var (
	ErrNotRunning  = errors.New("gateway is not running")
	ErrRunning     = errors.New("gateway is running")
	ErrInvalidConf = errors.New("invalid gateway config")
)

// Codec is the signaling wire side.
type Codec interface {
	signaling.Sender
	SetHandler(h signaling.Handler)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// MediaEngine runs pipelines and reports the local port each one sends from.
type MediaEngine interface {
	session.Engine
	LocalPort(handle session.Handle) (int, bool)
}

type statsReporter interface {
	Stats() sip.Stats
}

// Components are the collaborators a Gateway drives. Records, Journal and
// Metrics may be nil.
type Components struct {
	Codec     Codec
	Engine    MediaEngine
	Inventory inventory.Lister
	Records   dispatch.RecordIndex
	Sizer     dispatch.Sizer
	Journal   *journal.Journal
	Metrics   *metrics.Metrics
}

type Options struct {
	AnnounceIP    string
	SendTimeout   time.Duration
	SendAttempts  int
	SendRetryBase time.Duration
	PageInterval  time.Duration
	AnswerTimeout time.Duration
	ScanInterval  time.Duration
	Registration  registration.Options
	Session       session.Options
	Dispatch      dispatch.Options
}

func OptionsFromConfig(cfg config.Config) Options {
	s := cfg.Session
	answer := s.StartTimeout.D() + s.RetryMax.D()
	if answer < 10*time.Second {
		answer = 10 * time.Second
	}
	return Options{
		AnnounceIP:    cfg.Media.AnnounceIP,
		SendTimeout:   cfg.SIP.SendTimeout.D(),
		SendAttempts:  cfg.SIP.SendAttempts,
		SendRetryBase: cfg.SIP.SendRetryBase.D(),
		PageInterval:  cfg.Catalog.PageInterval.D(),
		AnswerTimeout: answer,
		ScanInterval:  cfg.Catalog.ScanInterval.D(),
		Registration:  registration.OptionsFromConfig(cfg),
		Session:       session.OptionsFromConfig(cfg),
		Dispatch: dispatch.Options{
			DedupWindow:   cfg.Catalog.DedupWindow.D(),
			PayloadBudget: cfg.Catalog.PayloadBudget,
			RecordLimit:   cfg.Catalog.RecordQueryLimit,
		},
	}
}

// runtime holds the per-run state machines. A stopped gateway builds a fresh
// set on the next Start.
type runtime struct {
	ctx        context.Context
	cancel     context.CancelFunc
	machine    *registration.Machine
	supervisor *session.Supervisor
	dispatcher *dispatch.Dispatcher
	watcher    *inventory.Watcher
	startedAt  time.Time
}

// pendingAnswer is a SessionStart waiting for its first Streaming state.
type pendingAnswer struct {
	channelID string
	timer     *time.Timer
}

type Gateway struct {
	opts    Options
	comp    Components
	catalog *catalog.Store

	mu      sync.Mutex
	rt      *runtime
	pending map[string]*pendingAnswer

	wg sync.WaitGroup
}

func New(opts Options, device catalog.Device, comp Components) (*Gateway, error) {
	if err := comp.validate(); err != nil {
		return nil, err
	}
	store, err := catalog.New(device)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		opts:    opts.withDefaults(),
		comp:    comp,
		catalog: store,
		pending: make(map[string]*pendingAnswer),
	}
	comp.Codec.SetHandler(g)
	return g, nil
}

func (c Components) validate() error {
	if c.Codec == nil || c.Engine == nil || c.Inventory == nil {
		return fmt.Errorf("%w: codec, engine and inventory are required", ErrInvalidConf)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.SendAttempts <= 0 {
		o.SendAttempts = 1
	}
	if o.SendRetryBase <= 0 {
		o.SendRetryBase = 200 * time.Millisecond
	}
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = 30 * time.Second
	}
	if o.PageInterval < 0 {
		o.PageInterval = 0
	}
	return o
}

// Reconfigure swaps options and collaborators of a stopped gateway. The
// catalog is kept when the device identity did not change.
func (g *Gateway) Reconfigure(opts Options, device catalog.Device, comp Components) error {
	if err := comp.validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rt != nil {
		return ErrRunning
	}
	if device.CivilCode == "" {
		device.CivilCode = catalog.CivilCode(device.DeviceID)
	}
	if g.catalog.Device() != device {
		store, err := catalog.New(device)
		if err != nil {
			return err
		}
		g.catalog = store
	}
	g.opts = opts.withDefaults()
	g.comp = comp
	comp.Codec.SetHandler(g)
	return nil
}

func DeviceFromConfig(cfg config.Config) catalog.Device {
	d := cfg.Device
	return catalog.Device{
		DeviceID:     d.DeviceID,
		Name:         d.Name,
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		Firmware:     d.Firmware,
		Owner:        d.Owner,
		Address:      d.Address,
		MaxCamera:    d.MaxCamera,
		MaxAlarm:     d.MaxAlarm,
	}
}

// Catalog exposes the catalog store for read access.
func (g *Gateway) Catalog() *catalog.Store {
	return g.catalog
}

// Start refreshes the catalog, starts the codec, then registers.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rt != nil {
		return nil
	}

	rt := g.buildRuntime()
	if _, err := rt.watcher.Refresh(ctx); err != nil {
		log.Printf("[gateway][warn] initial inventory scan failed: %v", err)
	}
	if err := g.comp.Codec.Start(ctx); err != nil {
		rt.cancel()
		return fmt.Errorf("start signaling codec: %w", err)
	}
	if err := rt.machine.Start(ctx); err != nil {
		rt.cancel()
		_ = g.comp.Codec.Stop(context.Background())
		return fmt.Errorf("start registration: %w", err)
	}
	rt.watcher.Start()
	g.rt = rt
	log.Printf("[gateway] started device=%s channels=%d", g.catalog.Device().DeviceID, g.catalog.Len())
	return nil
}

func (g *Gateway) buildRuntime() *runtime {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{ctx: ctx, cancel: cancel, startedAt: time.Now()}

	rt.machine = registration.New(g.opts.Registration, g.comp.Codec)
	rt.machine.OnTransition(g.onRegistrationTransition)
	rt.machine.OnRegistered(func() { g.onRegistered(rt) })

	rt.dispatcher = dispatch.New(g.opts.Dispatch, g.catalog, func() bool {
		return rt.machine.State().Online()
	}, g.comp.Records, g.comp.Sizer)
	rt.dispatcher.OnKeepaliveAck(rt.machine.HandleKeepaliveAck)
	if g.comp.Metrics != nil {
		rt.dispatcher.SetObserver(g.comp.Metrics.ObserveQuery)
	}

	rt.supervisor = session.New(g.opts.Session, g.comp.Engine, g.catalog)
	rt.supervisor.OnEvent(func(ev session.Event) { g.onSessionEvent(rt, ev) })

	rt.watcher = inventory.NewWatcher(g.comp.Inventory, g.catalog, g.opts.ScanInterval)
	rt.watcher.OnChange(func(snap catalog.Snapshot) {
		if g.comp.Metrics != nil {
			g.comp.Metrics.SetCatalogChannels(len(snap.Channels))
		}
	})
	return rt
}

// Stop ends sessions first, then unregisters, then stops the codec. Every
// INVITE still waiting for media gets its final answer before the codec goes.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	rt := g.rt
	g.rt = nil
	g.mu.Unlock()
	if rt == nil {
		return nil
	}

	var errs []error
	rt.watcher.Stop()
	if err := rt.supervisor.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sessions: %w", err))
	}
	g.rejectPending(ErrNotRunning)
	if err := rt.machine.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unregister: %w", err))
	}
	rt.cancel()
	g.wg.Wait()
	if err := g.comp.Codec.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop signaling codec: %w", err))
	}
	log.Printf("[gateway] stopped")
	return errors.Join(errs...)
}

func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rt != nil
}

func (g *Gateway) current() *runtime {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rt
}

// HandleEvent implements signaling.Handler.
func (g *Gateway) HandleEvent(ctx context.Context, event signaling.Event) {
	rt := g.current()
	if rt == nil {
		if start, ok := event.(signaling.SessionStart); ok {
			g.send(context.Background(), signaling.SessionAnswer{SessionID: start.SessionID, ChannelID: start.ChannelID, Err: ErrNotRunning})
			return
		}
		log.Printf("[gateway][warn] dropped %s while stopped", signaling.Name(event))
		return
	}

	switch ev := event.(type) {
	case signaling.RegisterAck:
		rt.machine.HandleAck(ev)
	case signaling.SessionStart:
		g.handleSessionStart(ctx, rt, ev)
	case signaling.SessionEnd:
		g.handleSessionEnd(rt, ev)
	default:
		actions, err := rt.dispatcher.Dispatch(ctx, event)
		if err != nil {
			log.Printf("[gateway][warn] dispatch %s: %v", signaling.Name(event), err)
		}
		if len(actions) > 0 {
			g.sendPaced(rt, actions)
		}
	}
}

// sendPaced sends query answers in order off the event path, pausing between
// consecutive catalog pages.
func (g *Gateway) sendPaced(rt *runtime, actions []signaling.Action) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for i, action := range actions {
			if i > 0 && g.opts.PageInterval > 0 {
				if _, ok := action.(signaling.CatalogResponse); ok {
					select {
					case <-rt.ctx.Done():
						return
					case <-time.After(g.opts.PageInterval):
					}
				}
			}
			if err := g.send(rt.ctx, action); err != nil && rt.ctx.Err() != nil {
				return
			}
		}
	}()
}

// send writes one action, retrying transport failures with capped backoff
// until SendAttempts is used up or ctx ends.
func (g *Gateway) send(ctx context.Context, action signaling.Action) error {
	name := signaling.Name(action)
	backoff := retry.New(g.opts.SendRetryBase, g.opts.SendRetryBase*8, 2, 0.2)
	var err error
	for attempt := 1; attempt <= g.opts.SendAttempts; attempt++ {
		if attempt > 1 {
			if werr := retry.Wait(ctx, backoff.Delay(attempt-1)); werr != nil {
				break
			}
		}
		err = g.sendOnce(ctx, action)
		if err == nil {
			return nil
		}
		if !retryableSend(ctx, err) {
			break
		}
		log.Printf("[gateway][warn] send %s attempt %d/%d failed: %v", name, attempt, g.opts.SendAttempts, err)
	}
	log.Printf("[gateway][warn] send %s failed: %v", name, err)
	if g.comp.Metrics != nil {
		g.comp.Metrics.IncSendErrors(name)
	}
	return err
}

func (g *Gateway) sendOnce(ctx context.Context, action signaling.Action) error {
	sendCtx, cancel := context.WithTimeout(ctx, g.opts.SendTimeout)
	defer cancel()
	return g.comp.Codec.Send(sendCtx, action)
}

// retryableSend reports transport failures. A stopped codec or an ended
// caller context will not get better by waiting.
func retryableSend(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, sip.ErrNotRunning) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func (g *Gateway) sendAsync(action signaling.Action) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		_ = g.send(context.Background(), action)
	}()
}
