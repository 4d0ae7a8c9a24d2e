// Package registration keeps the device registered and alive on the platform.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"gbrestreamer/gateway/backend/config"
	"gbrestreamer/gateway/backend/retry"
	"gbrestreamer/gateway/backend/service/signaling"
)

type State string

const (
	StateUnregistered State = "Unregistered"
	StateRegistering  State = "Registering"
	StateRegistered   State = "Registered"
	StateRenewalDue   State = "RenewalDue"
	StateExpiringSoon State = "ExpiringSoon"
	StateFailed       State = "Failed"
)

// Online reports whether the platform should currently consider the device registered.
func (s State) Online() bool {
	return s == StateRegistered || s == StateRenewalDue || s == StateExpiringSoon
}

var ErrNotRunning = errors.New("registration machine is not running")

type Options struct {
	DeviceID           string
	Credentials        signaling.Credentials
	Interval           time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveMissLimit int
	RenewalRatio       float64
	EmergencyRatio     float64
	RetryBase          time.Duration
	RetryMax           time.Duration
	AckTimeout         time.Duration
	SendTimeout        time.Duration
	TickInterval       time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	r := cfg.Registration
	return Options{
		DeviceID:           cfg.Device.DeviceID,
		Credentials:        signaling.Credentials{Username: cfg.SIP.Username, Password: cfg.SIP.Password},
		Interval:           time.Duration(r.Expires) * time.Second,
		KeepaliveInterval:  r.KeepaliveInterval.D(),
		KeepaliveMissLimit: r.KeepaliveMissLimit,
		RenewalRatio:       r.RenewalRatio,
		EmergencyRatio:     r.EmergencyRatio,
		RetryBase:          r.RetryBase.D(),
		RetryMax:           r.RetryMax.D(),
		AckTimeout:         r.AckTimeout.D(),
		SendTimeout:        cfg.SIP.SendTimeout.D(),
		TickInterval:       r.TickInterval.D(),
	}
}

// Transition is reported for every state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

type Status struct {
	State             State      `json:"state"`
	DeviceID          string     `json:"deviceId"`
	Online            bool       `json:"online"`
	Expiry            *time.Time `json:"expiry,omitempty"`
	LastRenewal       *time.Time `json:"lastRenewal,omitempty"`
	LastLivenessAck   *time.Time `json:"lastLivenessAck,omitempty"`
	LastKeepaliveSent *time.Time `json:"lastKeepaliveSent,omitempty"`
	PendingKeepalives int        `json:"pendingKeepalives"`
	Failures          int        `json:"failures"`
	NextRetryAt       *time.Time `json:"nextRetryAt,omitempty"`
	InFlight          bool       `json:"inFlight"`
	LastError         string     `json:"lastError,omitempty"`
}

type attempt struct {
	id     uint64
	acks   chan signaling.RegisterAck
	ctx    context.Context
	cancel context.CancelFunc
}

// Machine is the registration/keepalive state machine. Transitions happen
// under mu; network sends always happen outside it.
type Machine struct {
	opts    Options
	sender  signaling.Sender
	backoff *retry.Backoff
	now     func() time.Time

	onRegistered func()
	onTransition func(Transition)

	mu                sync.Mutex
	running           bool
	loopCtx           context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
	state             State
	interval          time.Duration
	expiry            time.Time
	lastRenewal       time.Time
	lastLivenessAck   time.Time
	lastKeepaliveSent time.Time
	pendingKeepalives int
	keepaliveSN       uint64
	failures          int
	nextRetryAt       time.Time
	lastError         string
	inflight          *attempt
	attemptSeq        uint64
	pending           []Transition
}

func New(opts Options, sender signaling.Sender) *Machine {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.KeepaliveMissLimit <= 0 {
		opts.KeepaliveMissLimit = 3
	}
	return &Machine{
		opts:     opts,
		sender:   sender,
		backoff:  retry.New(opts.RetryBase, opts.RetryMax, 2, 0.2),
		now:      time.Now,
		state:    StateUnregistered,
		interval: opts.Interval,
	}
}

// OnRegistered sets a hook run after every successful Register. Set it before Start.
func (m *Machine) OnRegistered(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRegistered = fn
}

// OnTransition sets a hook run after every state change. Set it before Start.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// Start launches the first register attempt. The machine runs until Stop;
// ctx only guards the call itself.
func (m *Machine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.loopCtx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	m.failures = 0
	m.nextRetryAt = time.Time{}
	m.setStateLocked(StateRegistering, "start")
	a := m.beginAttemptLocked(false)
	loopCtx := m.loopCtx
	m.wg.Add(1)
	m.unlockAndNotify()

	m.launch(a)
	go m.loop(loopCtx)
	return nil
}

func (m *Machine) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.now())
		}
	}
}

// Stop cancels pending work, unregisters when online, and returns to Unregistered.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	wasOnline := m.state.Online()
	if m.inflight != nil {
		m.inflight.cancel()
		m.inflight = nil
	}
	cancel := m.cancel
	m.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	if wasOnline {
		sendCtx, cancelSend := context.WithTimeout(ctx, m.opts.SendTimeout)
		err = m.sender.Send(sendCtx, signaling.Unregister{DeviceID: m.opts.DeviceID, Credentials: m.opts.Credentials})
		cancelSend()
		if err != nil {
			log.Printf("[registration][warn] unregister failed: %v", err)
		}
	}

	m.mu.Lock()
	m.expiry = time.Time{}
	m.setStateLocked(StateUnregistered, "shutdown")
	m.unlockAndNotify()
	return err
}

// HandleAck delivers a Register response to the attempt waiting for it.
func (m *Machine) HandleAck(ack signaling.RegisterAck) {
	m.mu.Lock()
	a := m.inflight
	m.mu.Unlock()
	if a == nil {
		log.Printf("[registration][warn] register ack without pending attempt (success=%v)", ack.Success)
		return
	}
	select {
	case a.acks <- ack:
	default:
	}
}

// HandleKeepaliveAck records platform liveness. It does not extend the
// registration. Keepalives sent after the acknowledged one stay pending, and
// an ack for a serial never sent is ignored.
func (m *Machine) HandleKeepaliveAck(ack signaling.KeepaliveAck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, err := strconv.ParseUint(ack.SerialNumber, 10, 64)
	if err != nil || sn == 0 || sn > m.keepaliveSN {
		log.Printf("[registration][warn] keepalive ack for unknown serial %q (last sent %d)", ack.SerialNumber, m.keepaliveSN)
		return
	}
	m.lastLivenessAck = m.now()
	if later := int(m.keepaliveSN - sn); later < m.pendingKeepalives {
		m.pendingKeepalives = later
	}
}

// RequestRenewal starts a renewal unless one is already in flight.
func (m *Machine) RequestRenewal(reason string) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	if m.state == StateRegistered {
		m.setStateLocked(StateRenewalDue, reason)
	}
	a := m.beginAttemptLocked(false)
	m.unlockAndNotify()
	m.launch(a)
	return nil
}

// Tick evaluates the renewal thresholds and the keepalive cadence at now.
func (m *Machine) Tick(now time.Time) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	var a *attempt
	elapsed := now.Sub(m.lastRenewal)
	renewAt := time.Duration(float64(m.interval) * m.opts.RenewalRatio)
	emergencyAt := time.Duration(float64(m.interval) * m.opts.EmergencyRatio)

	switch m.state {
	case StateRegistered:
		if !now.Before(m.expiry) {
			m.expireLocked(now)
		} else if elapsed >= renewAt {
			m.setStateLocked(StateRenewalDue, "renewal threshold reached")
			a = m.beginAttemptLocked(false)
		}
	case StateRenewalDue:
		if !now.Before(m.expiry) {
			m.expireLocked(now)
		} else if elapsed >= emergencyAt {
			m.setStateLocked(StateExpiringSoon, "emergency threshold reached")
			a = m.beginAttemptLocked(true)
		} else if m.retryDueLocked(now) {
			a = m.beginAttemptLocked(false)
		}
	case StateExpiringSoon:
		if !now.Before(m.expiry) {
			m.expireLocked(now)
		} else if m.retryDueLocked(now) {
			a = m.beginAttemptLocked(false)
		}
	case StateFailed:
		if m.retryDueLocked(now) {
			m.setStateLocked(StateRegistering, "retry after failure")
			a = m.beginAttemptLocked(false)
		}
	case StateRegistering:
		if m.retryDueLocked(now) {
			a = m.beginAttemptLocked(false)
		}
	}

	var keepalive *signaling.Keepalive
	if m.state.Online() && now.Sub(m.lastKeepaliveSent) >= m.opts.KeepaliveInterval {
		if m.pendingKeepalives >= m.opts.KeepaliveMissLimit && a == nil && m.inflight == nil {
			log.Printf("[registration][warn] %d keepalives unanswered, renewing registration", m.pendingKeepalives)
			if m.state == StateRegistered {
				m.setStateLocked(StateRenewalDue, "keepalive unanswered")
			}
			a = m.beginAttemptLocked(false)
		}
		m.keepaliveSN++
		m.pendingKeepalives++
		m.lastKeepaliveSent = now
		keepalive = &signaling.Keepalive{DeviceID: m.opts.DeviceID, SerialNumber: strconv.FormatUint(m.keepaliveSN, 10)}
		m.wg.Add(1)
	}
	loopCtx := m.loopCtx
	m.unlockAndNotify()

	m.launch(a)
	if keepalive != nil {
		go m.sendKeepalive(loopCtx, *keepalive)
	}
}

func (m *Machine) retryDueLocked(now time.Time) bool {
	return m.inflight == nil && !now.Before(m.nextRetryAt)
}

func (m *Machine) expireLocked(now time.Time) {
	if m.inflight != nil {
		m.inflight.cancel()
		m.inflight = nil
	}
	m.nextRetryAt = now
	m.setStateLocked(StateFailed, "registration expired")
	log.Printf("[registration][error] registration expired at %s without successful renewal", m.expiry.Format(time.RFC3339))
}

// beginAttemptLocked coalesces with an in-flight attempt unless force is set,
// in which case the in-flight attempt is cancelled and replaced.
func (m *Machine) beginAttemptLocked(force bool) *attempt {
	if m.inflight != nil {
		if !force {
			return nil
		}
		m.inflight.cancel()
	}
	m.attemptSeq++
	ctx, cancel := context.WithCancel(m.loopCtx)
	a := &attempt{id: m.attemptSeq, acks: make(chan signaling.RegisterAck, 1), ctx: ctx, cancel: cancel}
	m.inflight = a
	m.wg.Add(1)
	return a
}

func (m *Machine) launch(a *attempt) {
	if a == nil {
		return
	}
	go m.runAttempt(a)
}

func (m *Machine) runAttempt(a *attempt) {
	defer m.wg.Done()
	defer a.cancel()

	sendCtx, cancel := context.WithTimeout(a.ctx, m.opts.SendTimeout)
	err := m.sender.Send(sendCtx, signaling.Register{
		DeviceID:      m.opts.DeviceID,
		Credentials:   m.opts.Credentials,
		ExpirySeconds: int(m.opts.Interval / time.Second),
	})
	cancel()
	if err != nil {
		m.finishAttempt(a, signaling.RegisterAck{}, fmt.Errorf("send register: %w", err))
		return
	}

	timer := time.NewTimer(m.opts.AckTimeout)
	defer timer.Stop()
	select {
	case <-a.ctx.Done():
		m.finishAttempt(a, signaling.RegisterAck{}, a.ctx.Err())
	case <-timer.C:
		m.finishAttempt(a, signaling.RegisterAck{}, errors.New("register response timed out"))
	case ack := <-a.acks:
		if !ack.Success {
			m.finishAttempt(a, ack, fmt.Errorf("register rejected: %d %s", ack.StatusCode, ack.Reason))
			return
		}
		m.finishAttempt(a, ack, nil)
	}
}

func (m *Machine) finishAttempt(a *attempt, ack signaling.RegisterAck, err error) {
	m.mu.Lock()
	if m.inflight != a {
		m.mu.Unlock()
		return
	}
	m.inflight = nil
	now := m.now()
	var hook func()
	if err == nil {
		interval := time.Duration(ack.ExpirySeconds) * time.Second
		if interval <= 0 {
			interval = m.opts.Interval
		}
		m.interval = interval
		m.expiry = now.Add(interval)
		m.lastRenewal = now
		m.failures = 0
		m.nextRetryAt = time.Time{}
		m.pendingKeepalives = 0
		m.lastError = ""
		m.setStateLocked(StateRegistered, "register accepted")
		hook = m.onRegistered
	} else {
		m.failures++
		delay := m.backoff.Delay(m.failures)
		m.nextRetryAt = now.Add(delay)
		m.lastError = err.Error()
		log.Printf("[registration][warn] attempt %d failed: %v (retry in %s)", a.id, err, delay.Round(time.Millisecond))
		if m.state == StateRegistering {
			m.setStateLocked(StateFailed, err.Error())
		}
	}
	m.unlockAndNotify()
	if hook != nil {
		go hook()
	}
}

func (m *Machine) sendKeepalive(ctx context.Context, ka signaling.Keepalive) {
	defer m.wg.Done()
	sendCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()
	if err := m.sender.Send(sendCtx, ka); err != nil {
		log.Printf("[registration][warn] keepalive sn=%s failed: %v", ka.SerialNumber, err)
	}
}

func (m *Machine) setStateLocked(next State, reason string) {
	if m.state == next {
		return
	}
	m.pending = append(m.pending, Transition{From: m.state, To: next, At: m.now(), Reason: reason})
	m.state = next
}

func (m *Machine) unlockAndNotify() {
	pending := m.pending
	m.pending = nil
	hook := m.onTransition
	m.mu.Unlock()
	for _, t := range pending {
		log.Printf("[registration] %s -> %s (%s)", t.From, t.To, t.Reason)
		if hook != nil {
			hook(t)
		}
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:             m.state,
		DeviceID:          m.opts.DeviceID,
		Online:            m.state.Online(),
		Expiry:            timePtr(m.expiry),
		LastRenewal:       timePtr(m.lastRenewal),
		LastLivenessAck:   timePtr(m.lastLivenessAck),
		LastKeepaliveSent: timePtr(m.lastKeepaliveSent),
		PendingKeepalives: m.pendingKeepalives,
		Failures:          m.failures,
		NextRetryAt:       timePtr(m.nextRetryAt),
		InFlight:          m.inflight != nil,
		LastError:         m.lastError,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t
	return &v
}
