package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbrestreamer/gateway/backend/metrics"
	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/dispatch"
	"gbrestreamer/gateway/backend/service/journal"
	"gbrestreamer/gateway/backend/service/registration"
	"gbrestreamer/gateway/backend/service/session"
	"gbrestreamer/gateway/backend/service/signaling"
	"gbrestreamer/gateway/backend/service/sip"
)

const deviceID = "34020000001320000001"

// fakeCodec acknowledges registers itself and records every other action.
type fakeCodec struct {
	mu      sync.Mutex
	handler signaling.Handler
	sent    chan signaling.Action
	started int
	stopped int
	// failures makes the next n writes of an action name fail.
	failures  map[string]int
	attempts  map[string]int
	lateSends int
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{
		sent:     make(chan signaling.Action, 64),
		failures: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (c *fakeCodec) failNext(name string, n int) {
	c.mu.Lock()
	c.failures[name] = n
	c.mu.Unlock()
}

func (c *fakeCodec) attemptsOf(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[name]
}

func (c *fakeCodec) SetHandler(h signaling.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *fakeCodec) Start(context.Context) error {
	c.mu.Lock()
	c.started++
	c.mu.Unlock()
	return nil
}

func (c *fakeCodec) Stop(context.Context) error {
	c.mu.Lock()
	c.stopped++
	c.mu.Unlock()
	return nil
}

func (c *fakeCodec) Send(_ context.Context, action signaling.Action) error {
	name := signaling.Name(action)
	c.mu.Lock()
	c.attempts[name]++
	if c.stopped > 0 && c.started <= c.stopped {
		c.lateSends++
	}
	if c.failures[name] > 0 {
		c.failures[name]--
		c.mu.Unlock()
		return errors.New("write udp: connection reset by peer")
	}
	c.mu.Unlock()
	if reg, ok := action.(signaling.Register); ok {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		go h.HandleEvent(context.Background(), signaling.RegisterAck{Success: true, ExpirySeconds: reg.ExpirySeconds})
		return nil
	}
	c.sent <- action
	return nil
}

func (c *fakeCodec) Stats() sip.Stats {
	return sip.Stats{Running: true, Transport: "udp"}
}

// next returns the next recorded action that is not a keepalive.
func (c *fakeCodec) next(t *testing.T) signaling.Action {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case a := <-c.sent:
			if _, ok := a.(signaling.Keepalive); ok {
				continue
			}
			return a
		case <-deadline:
			t.Fatal("no action sent")
			return nil
		}
	}
}

func (c *fakeCodec) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case a := <-c.sent:
			if _, ok := a.(signaling.Keepalive); ok {
				continue
			}
			t.Fatalf("unexpected action %s", signaling.Name(a))
		case <-deadline:
			return
		}
	}
}

type fakeEngine struct {
	mu      sync.Mutex
	fail    bool
	healthy bool

	// block holds StartSession until its context ends.
	block bool
	// ended makes health polls report the source as played out.
	ended bool

	next    int
	stops   map[session.Handle]int
	sources []catalog.SourceDescriptor
}

func (e *fakeEngine) StartSession(ctx context.Context, src catalog.SourceDescriptor, _ signaling.Destination, _ string) (session.Handle, error) {
	e.mu.Lock()
	block := e.block
	e.sources = append(e.sources, src)
	e.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return "", errors.New("source unreachable")
	}
	e.next++
	return session.Handle(fmt.Sprintf("h%d", e.next)), nil
}

func (e *fakeEngine) StopSession(_ context.Context, h session.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops[h]++
	return nil
}

func (e *fakeEngine) PollHealth(context.Context, session.Handle) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return false, session.ErrMediaEnded
	}
	return e.healthy, nil
}

func (e *fakeEngine) LocalPort(h session.Handle) (int, bool) {
	if h == "" {
		return 0, false
	}
	return 31000, true
}

func (e *fakeEngine) set(fn func(e *fakeEngine)) {
	e.mu.Lock()
	fn(e)
	e.mu.Unlock()
}

type staticInventory []catalog.SourceDescriptor

func (s staticInventory) ListSources(context.Context) ([]catalog.SourceDescriptor, error) {
	return append([]catalog.SourceDescriptor(nil), s...), nil
}

type fakeRecords struct {
	records []signaling.Record
	queries []signaling.RecordQuery
}

func (f *fakeRecords) Query(_ context.Context, q signaling.RecordQuery, limit int) ([]signaling.Record, error) {
	f.queries = append(f.queries, q)
	var out []signaling.Record
	for _, r := range f.records {
		if r.ChannelID != q.DeviceID {
			continue
		}
		if !q.EndTime.IsZero() && !r.StartTime.Before(q.EndTime) {
			continue
		}
		if !q.StartTime.IsZero() && !r.EndTime.After(q.StartTime) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func testOptions() Options {
	return Options{
		AnnounceIP:    "192.168.1.2",
		SendTimeout:   time.Second,
		SendAttempts:  3,
		SendRetryBase: 5 * time.Millisecond,
		AnswerTimeout: 2 * time.Second,
		ScanInterval:  time.Hour,
		Registration: registration.Options{
			DeviceID:          deviceID,
			Interval:          time.Hour,
			KeepaliveInterval: time.Hour,
			RenewalRatio:      0.75,
			EmergencyRatio:    0.95,
			RetryBase:         10 * time.Millisecond,
			RetryMax:          50 * time.Millisecond,
			AckTimeout:        time.Second,
			SendTimeout:       time.Second,
			TickInterval:      10 * time.Millisecond,
		},
		Session: session.Options{
			MaxRetries:     1,
			RetryBase:      time.Millisecond,
			RetryMax:       2 * time.Millisecond,
			HealthInterval: 5 * time.Millisecond,
			HealthGrace:    10 * time.Millisecond,
			StartTimeout:   time.Second,
			StopTimeout:    time.Second,
			PollTimeout:    time.Second,
			SSRCDomain:     "20000",
		},
		Dispatch: dispatch.Options{DedupWindow: 2 * time.Second, PayloadBudget: 1200},
	}
}

type harness struct {
	gw      *Gateway
	codec   *fakeCodec
	engine  *fakeEngine
	journal *journal.Journal
	metrics *metrics.Metrics
}

func startGateway(t *testing.T, configure ...func(*Components)) *harness {
	t.Helper()
	h := &harness{
		codec:   newFakeCodec(),
		engine:  &fakeEngine{healthy: true, stops: make(map[session.Handle]int)},
		journal: journal.New(nil, journal.Options{}),
		metrics: metrics.New(),
	}
	inv := staticInventory{
		catalog.FileSource("/media/lobby.mp4", "lobby"),
		catalog.RTSPSource("rtsp://10.0.0.9/live", "gate"),
	}
	comp := Components{
		Codec:     h.codec,
		Engine:    h.engine,
		Inventory: inv,
		Sizer:     sip.CatalogBodySize,
		Journal:   h.journal,
		Metrics:   h.metrics,
	}
	for _, fn := range configure {
		fn(&comp)
	}
	gw, err := New(testOptions(), catalog.Device{DeviceID: deviceID, Name: "gw"}, comp)
	require.NoError(t, err)
	h.gw = gw
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Stop(ctx)
	})
	require.Eventually(t, func() bool {
		return gw.Registration().State == registration.StateRegistered
	}, 2*time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) channelID(t *testing.T, index int) string {
	t.Helper()
	id, err := catalog.DeriveChannelID(deviceID, index)
	require.NoError(t, err)
	return id
}

func TestGateway_StartRegistersAndBuildsCatalog(t *testing.T) {
	h := startGateway(t)
	status := h.gw.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.Channels)
	assert.True(t, status.Registration.Online)
	require.NotNil(t, status.Signaling)
	assert.Equal(t, "udp", status.Signaling.Transport)

	snap := h.gw.Snapshot()
	require.Len(t, snap.Channels, 2)
	assert.Equal(t, h.channelID(t, 1), snap.Channels[0].ChannelID)
}

func TestGateway_AnswersCatalogOnceWithinDedupWindow(t *testing.T) {
	h := startGateway(t)
	q := signaling.CatalogQuery{SerialNumber: "100", DeviceID: deviceID}
	h.gw.HandleEvent(context.Background(), q)
	time.Sleep(500 * time.Millisecond)
	h.gw.HandleEvent(context.Background(), q)

	page, ok := h.codec.next(t).(signaling.CatalogResponse)
	require.True(t, ok)
	assert.Equal(t, "100", page.SerialNumber)
	assert.Equal(t, 3, page.TotalCount)
	h.codec.quiet(t, 100*time.Millisecond)

	h.gw.HandleEvent(context.Background(), signaling.DeviceStatusQuery{SerialNumber: "101", DeviceID: deviceID})
	st, ok := h.codec.next(t).(signaling.DeviceStatusResponse)
	require.True(t, ok)
	assert.True(t, st.Online)

	h.gw.HandleEvent(context.Background(), signaling.RecordQuery{SerialNumber: "102", DeviceID: deviceID})
	rec, ok := h.codec.next(t).(signaling.RecordResponse)
	require.True(t, ok)
	assert.Empty(t, rec.Records)
}

func TestGateway_SessionAnsweredAfterStreamingThenEnded(t *testing.T) {
	h := startGateway(t)
	events, cancel := h.journal.Subscribe(64)
	defer cancel()

	channel := h.channelID(t, 1)
	h.gw.HandleEvent(context.Background(), signaling.SessionStart{
		SessionID:   "inv1",
		ChannelID:   channel,
		Destination: signaling.Destination{IP: "10.1.1.1", Port: 40000, Transport: signaling.TransportUDP},
		SSRC:        "0200000001",
	})

	answer, ok := h.codec.next(t).(signaling.SessionAnswer)
	require.True(t, ok)
	require.NoError(t, answer.Err)
	assert.Equal(t, "inv1", answer.SessionID)
	assert.Equal(t, 31000, answer.LocalPort)
	assert.Equal(t, "192.168.1.2", answer.LocalIP)
	assert.Equal(t, "0200000001", answer.SSRC)

	ch, err := h.gw.Catalog().Lookup(channel)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusOn, ch.Status)
	assert.Len(t, h.gw.Sessions(), 1)

	h.gw.HandleEvent(context.Background(), signaling.SessionEnd{SessionID: "inv1"})
	require.Eventually(t, func() bool { return len(h.gw.Sessions()) == 0 }, 2*time.Second, 5*time.Millisecond)
	h.engine.set(func(e *fakeEngine) { assert.Equal(t, 1, e.stops["h1"]) })

	var states []string
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == journal.KindSession {
			states = append(states, ev.To)
		}
	}
	assert.Equal(t, []string{"Resolving", "Connecting", "Streaming", "Stopping", "Stopped"}, states)
}

func TestGateway_RejectsUnknownChannelAndBusyChannel(t *testing.T) {
	h := startGateway(t)
	dest := signaling.Destination{IP: "10.1.1.1", Port: 40000, Transport: signaling.TransportUDP}

	h.gw.HandleEvent(context.Background(), signaling.SessionStart{SessionID: "bad", ChannelID: "34020000001310009999", Destination: dest})
	answer := h.codec.next(t).(signaling.SessionAnswer)
	assert.ErrorIs(t, answer.Err, catalog.ErrUnknownChannel)
	h.codec.quiet(t, 50*time.Millisecond)

	channel := h.channelID(t, 2)
	h.gw.HandleEvent(context.Background(), signaling.SessionStart{SessionID: "a", ChannelID: channel, Destination: dest})
	first := h.codec.next(t).(signaling.SessionAnswer)
	require.NoError(t, first.Err)

	h.gw.HandleEvent(context.Background(), signaling.SessionStart{SessionID: "b", ChannelID: channel, Destination: dest})
	busy := h.codec.next(t).(signaling.SessionAnswer)
	assert.Equal(t, "b", busy.SessionID)
	assert.ErrorIs(t, busy.Err, signaling.ErrBusy)
}

func TestGateway_FailedSessionTerminatesAndMarksChannelOff(t *testing.T) {
	h := startGateway(t)
	channel := h.channelID(t, 1)
	dest := signaling.Destination{IP: "10.1.1.1", Port: 40000, Transport: signaling.TransportUDP}

	h.gw.HandleEvent(context.Background(), signaling.SessionStart{SessionID: "s1", ChannelID: channel, Destination: dest})
	require.NoError(t, h.codec.next(t).(signaling.SessionAnswer).Err)

	h.engine.set(func(e *fakeEngine) {
		e.healthy = false
		e.fail = true
	})
	term, ok := h.codec.next(t).(signaling.SessionTerminated)
	require.True(t, ok)
	assert.Equal(t, "s1", term.SessionID)
	assert.Equal(t, channel, term.ChannelID)
	assert.Contains(t, term.Reason, "retries exhausted")

	ch, err := h.gw.Catalog().Lookup(channel)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusOff, ch.Status)

	h.gw.HandleEvent(context.Background(), signaling.SessionStart{SessionID: "s2", ChannelID: channel, Destination: dest})
	rejected, ok := h.codec.next(t).(signaling.SessionAnswer)
	require.True(t, ok)
	assert.Equal(t, "s2", rejected.SessionID)
	assert.Error(t, rejected.Err)
	assert.Zero(t, h.gw.Status().PendingAnswers)
}

func TestGateway_StopUnregistersAndRejectsWhileStopped(t *testing.T) {
	h := startGateway(t)
	require.NoError(t, h.gw.Stop(context.Background()))
	_, ok := h.codec.next(t).(signaling.Unregister)
	assert.True(t, ok)
	assert.False(t, h.gw.Running())
	assert.Equal(t, registration.StateUnregistered, h.gw.Registration().State)

	h.gw.HandleEvent(context.Background(), signaling.SessionStart{SessionID: "late", ChannelID: h.channelID(t, 1)})
	answer := h.codec.next(t).(signaling.SessionAnswer)
	assert.ErrorIs(t, answer.Err, ErrNotRunning)

	_, err := h.gw.StartSession(context.Background(), session.StartRequest{})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, h.gw.RenewRegistration("manual"), ErrNotRunning)

	require.NoError(t, h.gw.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.gw.Registration().State == registration.StateRegistered
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGateway_ReconfigureOnlyWhileStopped(t *testing.T) {
	h := startGateway(t)
	comp := Components{Codec: h.codec, Engine: h.engine, Inventory: staticInventory{catalog.FileSource("/media/only.mp4", "only")}}
	device := catalog.Device{DeviceID: deviceID, Name: "gw"}
	assert.ErrorIs(t, h.gw.Reconfigure(testOptions(), device, comp), ErrRunning)

	require.NoError(t, h.gw.Stop(context.Background()))
	before := h.gw.Catalog()
	require.NoError(t, h.gw.Reconfigure(testOptions(), device, comp))
	assert.Same(t, before, h.gw.Catalog())

	require.NoError(t, h.gw.Start(context.Background()))
	assert.Equal(t, 1, h.gw.Catalog().Len())
	require.NoError(t, h.gw.Stop(context.Background()))

	renamed := catalog.Device{DeviceID: "34020000001320000002", Name: "gw"}
	require.NoError(t, h.gw.Reconfigure(testOptions(), renamed, comp))
	assert.Equal(t, renamed.DeviceID, h.gw.Catalog().Device().DeviceID)

	assert.ErrorIs(t, h.gw.Reconfigure(testOptions(), renamed, Components{}), ErrInvalidConf)
}

func TestGateway_RetriesTransientSendFailures(t *testing.T) {
	h := startGateway(t)
	h.codec.failNext("CatalogResponse", 1)

	h.gw.HandleEvent(context.Background(), signaling.CatalogQuery{SerialNumber: "200", DeviceID: deviceID})
	page, ok := h.codec.next(t).(signaling.CatalogResponse)
	require.True(t, ok)
	assert.Equal(t, "200", page.SerialNumber)
	assert.Equal(t, 2, h.codec.attemptsOf("CatalogResponse"))

	h.codec.failNext("DeviceInfoResponse", 5)
	h.gw.HandleEvent(context.Background(), signaling.DeviceInfoQuery{SerialNumber: "201", DeviceID: deviceID})
	require.Eventually(t, func() bool { return h.codec.attemptsOf("DeviceInfoResponse") == 3 }, time.Second, 5*time.Millisecond)
	h.codec.quiet(t, 100*time.Millisecond)
	assert.Equal(t, 3, h.codec.attemptsOf("DeviceInfoResponse"))
}

func TestGateway_StopAnswersInviteStillConnecting(t *testing.T) {
	h := startGateway(t)
	h.engine.set(func(e *fakeEngine) { e.block = true })

	h.gw.HandleEvent(context.Background(), signaling.SessionStart{
		SessionID:   "slow",
		ChannelID:   h.channelID(t, 1),
		Destination: signaling.Destination{IP: "10.1.1.1", Port: 40000, Transport: signaling.TransportUDP},
	})
	require.Eventually(t, func() bool {
		info, ok := h.gw.Session("slow")
		return ok && info.State == session.StateConnecting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.gw.Stop(context.Background()))

	var answer *signaling.SessionAnswer
	for answer == nil {
		if a, ok := h.codec.next(t).(signaling.SessionAnswer); ok {
			answer = &a
		}
	}
	assert.Equal(t, "slow", answer.SessionID)
	assert.Error(t, answer.Err)
	assert.Zero(t, h.gw.Status().PendingAnswers)
	h.codec.mu.Lock()
	assert.Zero(t, h.codec.lateSends)
	h.codec.mu.Unlock()
}

func TestGateway_PlaybackStreamsRecordingFromRangeStart(t *testing.T) {
	channel, err := catalog.DeriveChannelID(deviceID, 1)
	require.NoError(t, err)
	recStart := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	records := &fakeRecords{records: []signaling.Record{{
		ChannelID: channel,
		Name:      "morning",
		FilePath:  "/rec/morning.mp4",
		StartTime: recStart,
		EndTime:   recStart.Add(time.Hour),
	}}}
	h := startGateway(t, func(c *Components) { c.Records = records })

	h.gw.HandleEvent(context.Background(), signaling.SessionStart{
		SessionID:   "pb1",
		ChannelID:   channel,
		Destination: signaling.Destination{IP: "10.1.1.1", Port: 40000, Transport: signaling.TransportUDP},
		SSRC:        "1200000001",
		Playback:    &signaling.TimeRange{Start: recStart.Add(5 * time.Minute), End: recStart.Add(10 * time.Minute)},
	})
	answer, ok := h.codec.next(t).(signaling.SessionAnswer)
	require.True(t, ok)
	require.NoError(t, answer.Err)
	assert.Equal(t, "pb1", answer.SessionID)

	h.engine.set(func(e *fakeEngine) {
		require.Len(t, e.sources, 1)
		assert.Equal(t, catalog.RecordingSource("/rec/morning.mp4", "morning", 5*time.Minute), e.sources[0])
	})
	info, ok := h.gw.Session("pb1")
	require.True(t, ok)
	assert.True(t, info.Playback)

	// A live session on the same channel is still allowed.
	h.gw.HandleEvent(context.Background(), signaling.SessionStart{
		SessionID:   "live",
		ChannelID:   channel,
		Destination: signaling.Destination{IP: "10.1.1.2", Port: 40002, Transport: signaling.TransportUDP},
	})
	live, ok := h.codec.next(t).(signaling.SessionAnswer)
	require.True(t, ok)
	require.NoError(t, live.Err)
	assert.Equal(t, "live", live.SessionID)

	h.gw.HandleEvent(context.Background(), signaling.SessionEnd{SessionID: "live"})
	require.Eventually(t, func() bool { return len(h.gw.Sessions()) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.engine.set(func(e *fakeEngine) { e.ended = true })
	term, ok := h.codec.next(t).(signaling.SessionTerminated)
	require.True(t, ok)
	assert.Equal(t, "pb1", term.SessionID)
	assert.Equal(t, session.ReasonMediaEnded, term.Reason)

	ch, err := h.gw.Catalog().Lookup(channel)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusOn, ch.Status)
}

func TestGateway_PlaybackWithoutRecordingIsRejected(t *testing.T) {
	records := &fakeRecords{}
	h := startGateway(t, func(c *Components) { c.Records = records })
	window := &signaling.TimeRange{Start: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}

	h.gw.HandleEvent(context.Background(), signaling.SessionStart{
		SessionID:   "pb2",
		ChannelID:   h.channelID(t, 2),
		Destination: signaling.Destination{IP: "10.1.1.1", Port: 40000, Transport: signaling.TransportUDP},
		Playback:    window,
	})
	answer, ok := h.codec.next(t).(signaling.SessionAnswer)
	require.True(t, ok)
	assert.Equal(t, "pb2", answer.SessionID)
	assert.ErrorIs(t, answer.Err, signaling.ErrNoRecording)
	require.Len(t, records.queries, 1)
	assert.Equal(t, h.channelID(t, 2), records.queries[0].DeviceID)
	assert.Zero(t, h.gw.Status().PendingAnswers)
	h.engine.set(func(e *fakeEngine) { assert.Empty(t, e.sources) })
}

func TestGateway_PlaybackWithoutIndexIsRejected(t *testing.T) {
	h := startGateway(t)
	h.gw.HandleEvent(context.Background(), signaling.SessionStart{
		SessionID:   "pb3",
		ChannelID:   h.channelID(t, 1),
		Destination: signaling.Destination{IP: "10.1.1.1", Port: 40000, Transport: signaling.TransportUDP},
		Playback:    &signaling.TimeRange{},
	})
	answer, ok := h.codec.next(t).(signaling.SessionAnswer)
	require.True(t, ok)
	assert.ErrorIs(t, answer.Err, signaling.ErrNoRecording)
}
