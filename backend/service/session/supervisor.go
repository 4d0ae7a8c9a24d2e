// Package session supervises outbound media sessions: one task per session
// drives the lifecycle, retries failed pipelines with backoff, and releases
// engine resources exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gbrestreamer/gateway/backend/retry"
	"gbrestreamer/gateway/backend/service/catalog"
)

type Supervisor struct {
	opts     Options
	engine   Engine
	resolver Resolver

	mu        sync.Mutex
	sessions  map[string]*session
	byChannel map[string]map[string]struct{}
	ssrc      *ssrcAllocator
	history   []Info
	closed    bool
	onEvent   []func(Event)

	wg sync.WaitGroup
}

type session struct {
	cancel  context.CancelFunc
	done    chan struct{}
	backoff *retry.Backoff
	source  catalog.SourceDescriptor

	mu   sync.Mutex
	info Info
}

func New(opts Options, engine Engine, resolver Resolver) *Supervisor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = opts.RetryBase
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.HealthGrace <= 0 {
		opts.HealthGrace = 3 * opts.HealthInterval
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 15 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 64
	}
	return &Supervisor{
		opts:      opts,
		engine:    engine,
		resolver:  resolver,
		sessions:  make(map[string]*session),
		byChannel: make(map[string]map[string]struct{}),
		ssrc:      newSSRCAllocator(opts.SSRCDomain),
	}
}

// OnEvent registers a listener for session state changes. Listeners run on
// the session's task and must not block.
func (s *Supervisor) OnEvent(fn func(Event)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onEvent = append(s.onEvent, fn)
	s.mu.Unlock()
}

// Start resolves the channel, reserves an SSRC and launches the session task.
// The returned Info carries the SSRC to announce in the answer.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (Info, error) {
	if err := validateRequest(req); err != nil {
		return Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Info{}, ErrClosed
	}
	if req.SessionID != "" {
		if _, exists := s.sessions[req.SessionID]; exists {
			s.mu.Unlock()
			return Info{}, fmt.Errorf("%w: session %s", ErrAlreadyActive, req.SessionID)
		}
	}
	if !s.opts.AllowConcurrent && req.Source == nil {
		for existing := range s.byChannel[req.ChannelID] {
			s.mu.Unlock()
			return Info{}, fmt.Errorf("%w: channel %s is streamed by session %s", ErrAlreadyActive, req.ChannelID, existing)
		}
	}
	ssrc := req.SSRC
	if ssrc == "" {
		allocated, err := s.ssrc.allocate()
		if err != nil {
			s.mu.Unlock()
			return Info{}, err
		}
		ssrc = allocated
	} else if err := s.ssrc.reserve(ssrc); err != nil {
		s.mu.Unlock()
		return Info{}, err
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		cancel:  cancel,
		done:    make(chan struct{}),
		backoff: retry.New(s.opts.RetryBase, s.opts.RetryMax, 2, s.opts.RetryJitter),
		info: Info{
			SessionID:   id,
			ChannelID:   req.ChannelID,
			Destination: req.Destination,
			SSRC:        ssrc,
			Playback:    req.Source != nil,
			State:       StateIdle,
			StartedAt:   time.Now(),
		},
	}
	s.sessions[id] = sess
	if req.Source == nil {
		if s.byChannel[req.ChannelID] == nil {
			s.byChannel[req.ChannelID] = make(map[string]struct{})
		}
		s.byChannel[req.ChannelID][id] = struct{}{}
	}
	s.mu.Unlock()

	s.transition(sess, StateResolving, "session requested")
	channel, err := s.resolve(req)
	if err == nil {
		err = channel.Source.Validate()
	}
	if err != nil {
		sess.setError(err)
		cancel()
		s.transition(sess, StateFailed, "resolve: "+err.Error())
		s.finish(sess)
		close(sess.done)
		return sess.snapshot(), err
	}
	sess.source = channel.Source
	sess.mu.Lock()
	sess.info.Source = channel.Source.Locator()
	sess.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, sess)
	return sess.snapshot(), nil
}

func (s *Supervisor) resolve(req StartRequest) (catalog.Channel, error) {
	if req.Source != nil {
		return catalog.Channel{ChannelID: req.ChannelID, Source: *req.Source}, nil
	}
	return s.resolver.Lookup(req.ChannelID)
}

func validateRequest(req StartRequest) error {
	if req.ChannelID == "" {
		return fmt.Errorf("%w: channel id is required", ErrInvalidRequest)
	}
	if net.ParseIP(req.Destination.IP) == nil {
		return fmt.Errorf("%w: destination ip %q", ErrInvalidRequest, req.Destination.IP)
	}
	if req.Destination.Port <= 0 || req.Destination.Port > 65535 {
		return fmt.Errorf("%w: destination port %d", ErrInvalidRequest, req.Destination.Port)
	}
	return nil
}

// Stop tears a session down and waits for its task to finish or ctx to end.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	sess.cancel()
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops every active session and joins their errors.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id); err != nil && !errors.Is(err, ErrUnknownSession) {
				errs[i] = fmt.Errorf("stop %s: %w", id, err)
			}
		}(i, id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close rejects new sessions, stops the active ones and waits for every task.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.StopAll(ctx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// Get returns an active session or a recently finished one.
func (s *Supervisor) Get(sessionID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.snapshot(), true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].SessionID == sessionID {
			return s.history[i], true
		}
	}
	return Info{}, false
}

// List returns the active sessions ordered by start time.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// History returns finished sessions, newest last.
func (s *Supervisor) History() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Info(nil), s.history...)
}

// ActiveForChannel reports the sessions currently streaming a channel.
func (s *Supervisor) ActiveForChannel(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.byChannel[channelID]))
	for id := range s.byChannel[channelID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) run(ctx context.Context, sess *session) {
	defer s.wg.Done()
	defer close(sess.done)
	defer s.finish(sess)

	s.transition(sess, StateConnecting, "resolved "+sess.source.Locator())
	attempt := 0
	for {
		handle, err := s.startEngine(ctx, sess)
		if ctx.Err() != nil {
			s.transition(sess, StateStopping, "teardown requested")
			if err == nil {
				s.stopEngine(sess, handle)
			}
			s.transition(sess, StateStopped, "teardown")
			return
		}
		var reason string
		if err != nil {
			reason = "start: " + err.Error()
			sess.setError(err)
		} else {
			attempt = 0
			sess.setAttempt(0, nil)
			sess.markHealthy(time.Now())
			sess.setHandle(handle)
			s.transition(sess, StateStreaming, "media flowing")
			var ended bool
			reason, ended = s.monitor(ctx, sess, handle)
			if ended {
				s.transition(sess, StateStopping, ReasonMediaEnded)
				s.stopEngine(sess, handle)
				s.transition(sess, StateStopped, ReasonMediaEnded)
				return
			}
			if ctx.Err() != nil {
				s.transition(sess, StateStopping, "teardown requested")
				s.stopEngine(sess, handle)
				s.transition(sess, StateStopped, "teardown")
				return
			}
		}

		attempt++
		if attempt > s.opts.MaxRetries {
			if err == nil {
				s.stopEngine(sess, handle)
			}
			s.transition(sess, StateFailed, fmt.Sprintf("%s (retries exhausted after %d attempts)", reason, attempt))
			return
		}
		delay := sess.backoff.Delay(attempt)
		next := time.Now().Add(delay)
		sess.setAttempt(attempt, &next)
		s.transition(sess, StateReconnecting, reason)
		if err == nil {
			s.stopEngine(sess, handle)
		}
		if retry.Wait(ctx, delay) != nil {
			s.transition(sess, StateStopping, "teardown requested")
			s.transition(sess, StateStopped, "teardown")
			return
		}
	}
}

func (s *Supervisor) startEngine(ctx context.Context, sess *session) (Handle, error) {
	startCtx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()
	info := sess.snapshot()
	return s.engine.StartSession(startCtx, sess.source, info.Destination, info.SSRC)
}

func (s *Supervisor) stopEngine(sess *session, handle Handle) {
	stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
	defer cancel()
	if err := s.engine.StopSession(stopCtx, handle); err != nil {
		log.Printf("[session][warn] %s: stop pipeline %s: %v", sess.id(), handle, err)
	}
	sess.setHandle("")
}

// monitor polls health until the pipeline stays unhealthy past the grace
// period, the source ends or ctx ends. It returns the reason for leaving
// Streaming and whether the source played to its end.
func (s *Supervisor) monitor(ctx context.Context, sess *session, handle Handle) (string, bool) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	var degradedSince time.Time
	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
		pollCtx, cancel := context.WithTimeout(ctx, s.opts.PollTimeout)
		alive, err := s.engine.PollHealth(pollCtx, handle)
		cancel()
		if ctx.Err() != nil {
			return "", false
		}
		if errors.Is(err, ErrMediaEnded) {
			return ReasonMediaEnded, true
		}
		now := time.Now()
		if err == nil && alive {
			sess.markHealthy(now)
			if !degradedSince.IsZero() {
				degradedSince = time.Time{}
				s.transition(sess, StateStreaming, "health recovered")
			}
			continue
		}
		reason := "pipeline unhealthy"
		if err != nil {
			reason = "health poll: " + err.Error()
			sess.setError(err)
		}
		if degradedSince.IsZero() {
			degradedSince = now
			s.transition(sess, StateDegraded, reason)
		}
		if now.Sub(degradedSince) >= s.opts.HealthGrace {
			return reason + " beyond grace period", false
		}
	}
}

func (s *Supervisor) transition(sess *session, to State, reason string) {
	sess.mu.Lock()
	from := sess.info.State
	if from.Terminal() || (from == to && to != StateReconnecting) {
		sess.mu.Unlock()
		return
	}
	now := time.Now()
	sess.info.State = to
	if to.Terminal() {
		sess.info.EndedAt = &now
		sess.info.NextRetryAt = nil
	}
	ev := Event{
		SessionID: sess.info.SessionID,
		ChannelID: sess.info.ChannelID,
		From:      from,
		To:        to,
		Attempt:   sess.info.Attempt,
		At:        now,
		Reason:    reason,
		Playback:  sess.info.Playback,
	}
	sess.mu.Unlock()

	level := ""
	if to == StateFailed || to == StateDegraded || to == StateReconnecting {
		level = "[warn]"
	}
	log.Printf("[session]%s %s channel=%s %s -> %s (%s)", level, ev.SessionID, ev.ChannelID, from, to, reason)

	s.mu.Lock()
	listeners := append([]func(Event){}, s.onEvent...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// finish removes a terminal session from the active set and records it.
func (s *Supervisor) finish(sess *session) {
	info := sess.snapshot()
	if !info.State.Terminal() {
		s.transition(sess, StateStopped, "task exited")
		info = sess.snapshot()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, info.SessionID)
	if ids := s.byChannel[info.ChannelID]; ids != nil {
		delete(ids, info.SessionID)
		if len(ids) == 0 {
			delete(s.byChannel, info.ChannelID)
		}
	}
	s.ssrc.release(info.SSRC)
	s.history = append(s.history, info)
	if over := len(s.history) - s.opts.HistorySize; over > 0 {
		s.history = append([]Info(nil), s.history[over:]...)
	}
}

func (sess *session) snapshot() Info {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	info := sess.info
	if info.NextRetryAt != nil {
		v := *info.NextRetryAt
		info.NextRetryAt = &v
	}
	if info.LastHealthAt != nil {
		v := *info.LastHealthAt
		info.LastHealthAt = &v
	}
	if info.EndedAt != nil {
		v := *info.EndedAt
		info.EndedAt = &v
	}
	return info
}

func (sess *session) id() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.info.SessionID
}

func (sess *session) setError(err error) {
	sess.mu.Lock()
	sess.info.LastError = err.Error()
	sess.mu.Unlock()
}

func (sess *session) setAttempt(attempt int, next *time.Time) {
	sess.mu.Lock()
	sess.info.Attempt = attempt
	sess.info.NextRetryAt = next
	sess.mu.Unlock()
}

func (sess *session) setHandle(handle Handle) {
	sess.mu.Lock()
	sess.info.Handle = handle
	sess.mu.Unlock()
}

func (sess *session) markHealthy(at time.Time) {
	sess.mu.Lock()
	sess.info.LastHealthAt = &at
	sess.mu.Unlock()
}
