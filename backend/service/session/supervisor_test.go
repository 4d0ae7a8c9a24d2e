package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/signaling"
)

const testChannel = "34020000001310000001"

type fakeResolver struct{}

func (fakeResolver) Lookup(channelID string) (catalog.Channel, error) {
	if channelID != testChannel && channelID != "34020000001310000002" {
		return catalog.Channel{}, catalog.ErrUnknownChannel
	}
	return catalog.Channel{ChannelID: channelID, Source: catalog.FileSource("/media/a.mp4", "a")}, nil
}

type fakeEngine struct {
	mu         sync.Mutex
	failStarts int
	starts     int
	stops      map[Handle]int
	healthy    func(h Handle) bool
	next       int
	// lateHandle makes StartSession wait for its context to end and then
	// hand back a pipeline anyway.
	lateHandle bool
	entered    chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{stops: make(map[Handle]int), healthy: func(Handle) bool { return true }}
}

func (e *fakeEngine) StartSession(ctx context.Context, _ catalog.SourceDescriptor, _ signaling.Destination, _ string) (Handle, error) {
	e.mu.Lock()
	if e.lateHandle {
		e.starts++
		e.next++
		h := Handle(fmt.Sprintf("h%d", e.next))
		entered := e.entered
		e.mu.Unlock()
		if entered != nil {
			close(entered)
		}
		<-ctx.Done()
		return h, nil
	}
	defer e.mu.Unlock()
	e.starts++
	if e.failStarts > 0 {
		e.failStarts--
		return "", errors.New("upstream refused")
	}
	e.next++
	return Handle(fmt.Sprintf("h%d", e.next)), nil
}

func (e *fakeEngine) StopSession(_ context.Context, h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops[h]++
	return nil
}

func (e *fakeEngine) PollHealth(_ context.Context, h Handle) (bool, error) {
	e.mu.Lock()
	fn := e.healthy
	e.mu.Unlock()
	return fn(h), nil
}

func (e *fakeEngine) counts() (int, map[Handle]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stops := make(map[Handle]int, len(e.stops))
	for k, v := range e.stops {
		stops[k] = v
	}
	return e.starts, stops
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.To)
	}
	return out
}

func (r *recorder) reached(state State) bool {
	for _, s := range r.states() {
		if s == state {
			return true
		}
	}
	return false
}

func testOptions() Options {
	return Options{
		MaxRetries:     5,
		RetryBase:      time.Millisecond,
		RetryMax:       5 * time.Millisecond,
		HealthInterval: 5 * time.Millisecond,
		HealthGrace:    15 * time.Millisecond,
		StartTimeout:   time.Second,
		StopTimeout:    time.Second,
		PollTimeout:    time.Second,
		SSRCDomain:     "20000",
	}
}

func newSupervisor(t *testing.T, opts Options, engine Engine) (*Supervisor, *recorder) {
	t.Helper()
	sup := New(opts, engine, fakeResolver{})
	rec := &recorder{}
	sup.OnEvent(rec.add)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})
	return sup, rec
}

func startRequest() StartRequest {
	return StartRequest{
		SessionID:   "call-1",
		ChannelID:   testChannel,
		Destination: signaling.Destination{IP: "192.168.1.10", Port: 30000, Transport: signaling.TransportUDP},
	}
}

func TestSupervisor_RecoversAfterTransientStartFailures(t *testing.T) {
	engine := newFakeEngine()
	engine.failStarts = 3
	sup, rec := newSupervisor(t, testOptions(), engine)

	info, err := sup.Start(context.Background(), startRequest())
	require.NoError(t, err)
	assert.Equal(t, "0200000001", info.SSRC)

	require.Eventually(t, func() bool { return rec.reached(StateStreaming) }, 2*time.Second, time.Millisecond)

	starts, _ := engine.counts()
	assert.Equal(t, 4, starts)
	states := rec.states()
	assert.Equal(t, []State{StateResolving, StateConnecting, StateReconnecting, StateReconnecting, StateReconnecting, StateStreaming}, states)

	got, ok := sup.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, StateStreaming, got.State)
	assert.Zero(t, got.Attempt)
	assert.NotNil(t, got.LastHealthAt)
}

func TestSupervisor_FailsAfterRetriesAndStaysTerminal(t *testing.T) {
	engine := newFakeEngine()
	engine.failStarts = 100
	opts := testOptions()
	opts.MaxRetries = 2
	sup, rec := newSupervisor(t, opts, engine)

	_, err := sup.Start(context.Background(), startRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.reached(StateFailed) }, 2*time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	starts, _ := engine.counts()
	assert.Equal(t, 3, starts)
	states := rec.states()
	assert.Equal(t, StateFailed, states[len(states)-1])
	assert.Empty(t, sup.List())
	assert.Empty(t, sup.ActiveForChannel(testChannel))

	got, ok := sup.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)
	assert.NotNil(t, got.EndedAt)
	assert.Contains(t, got.LastError, "upstream refused")

	assert.ErrorIs(t, sup.Stop(context.Background(), "call-1"), ErrUnknownSession)
}

func TestSupervisor_TeardownDuringBackoffReleasesHandleOnce(t *testing.T) {
	engine := newFakeEngine()
	engine.healthy = func(Handle) bool { return false }
	opts := testOptions()
	opts.RetryBase = time.Hour
	opts.RetryMax = time.Hour
	sup, rec := newSupervisor(t, opts, engine)

	_, err := sup.Start(context.Background(), startRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.reached(StateReconnecting) }, 2*time.Second, time.Millisecond)

	require.NoError(t, sup.Stop(context.Background(), "call-1"))

	starts, stops := engine.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, map[Handle]int{"h1": 1}, stops)
	assert.Equal(t, []State{
		StateResolving, StateConnecting, StateStreaming, StateDegraded,
		StateReconnecting, StateStopping, StateStopped,
	}, rec.states())

	got, ok := sup.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, StateStopped, got.State)
	assert.Nil(t, got.NextRetryAt)
}

func TestSupervisor_TeardownCancelsInFlightStart(t *testing.T) {
	engine := newFakeEngine()
	engine.lateHandle = true
	engine.entered = make(chan struct{})
	sup, rec := newSupervisor(t, testOptions(), engine)

	_, err := sup.Start(context.Background(), startRequest())
	require.NoError(t, err)
	select {
	case <-engine.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("start never reached the engine")
	}

	require.NoError(t, sup.Stop(context.Background(), "call-1"))

	starts, stops := engine.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, map[Handle]int{"h1": 1}, stops)
	assert.Equal(t, []State{StateResolving, StateConnecting, StateStopping, StateStopped}, rec.states())

	got, ok := sup.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, StateStopped, got.State)
	assert.Empty(t, got.Handle)
}

func TestSupervisor_StopWhileStreaming(t *testing.T) {
	engine := newFakeEngine()
	sup, rec := newSupervisor(t, testOptions(), engine)

	_, err := sup.Start(context.Background(), startRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.reached(StateStreaming) }, time.Second, time.Millisecond)
	info, ok := sup.Get("call-1")
	require.True(t, ok)
	assert.Equal(t, Handle("h1"), info.Handle)

	require.NoError(t, sup.Stop(context.Background(), "call-1"))
	_, stops := engine.counts()
	assert.Equal(t, map[Handle]int{"h1": 1}, stops)
	assert.Empty(t, sup.List())

	// The channel is free again once the previous session is terminal.
	req := startRequest()
	req.SessionID = "call-2"
	_, err = sup.Start(context.Background(), req)
	require.NoError(t, err)
}

func TestSupervisor_RejectsSecondSessionOnChannel(t *testing.T) {
	sup, _ := newSupervisor(t, testOptions(), newFakeEngine())
	_, err := sup.Start(context.Background(), startRequest())
	require.NoError(t, err)

	req := startRequest()
	req.SessionID = "call-2"
	_, err = sup.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	_, err = sup.Start(context.Background(), startRequest())
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestSupervisor_AllowsConcurrentWhenConfigured(t *testing.T) {
	opts := testOptions()
	opts.AllowConcurrent = true
	sup, _ := newSupervisor(t, opts, newFakeEngine())

	first, err := sup.Start(context.Background(), startRequest())
	require.NoError(t, err)
	req := startRequest()
	req.SessionID = "call-2"
	second, err := sup.Start(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.SSRC, second.SSRC)
	assert.Equal(t, []string{"call-1", "call-2"}, sup.ActiveForChannel(testChannel))
}

func TestSupervisor_RejectsInvalidRequests(t *testing.T) {
	sup, _ := newSupervisor(t, testOptions(), newFakeEngine())

	req := startRequest()
	req.Destination.IP = "not-an-ip"
	_, err := sup.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = startRequest()
	req.SSRC = "abc"
	_, err = sup.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = startRequest()
	req.ChannelID = "34020000001310009999"
	info, err := sup.Start(context.Background(), req)
	assert.ErrorIs(t, err, catalog.ErrUnknownChannel)
	assert.Equal(t, StateFailed, info.State)
	assert.Empty(t, sup.List())

	assert.ErrorIs(t, sup.Stop(context.Background(), "missing"), ErrUnknownSession)
}

func TestSupervisor_StopAllAndClose(t *testing.T) {
	opts := testOptions()
	sup := New(opts, newFakeEngine(), fakeResolver{})

	_, err := sup.Start(context.Background(), startRequest())
	require.NoError(t, err)
	req := startRequest()
	req.SessionID = "call-2"
	req.ChannelID = "34020000001310000002"
	req.SSRC = "0200009999"
	_, err = sup.Start(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Close(ctx))
	assert.Empty(t, sup.List())
	assert.Len(t, sup.History(), 2)

	_, err = sup.Start(context.Background(), startRequest())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSSRCAllocator_SkipsReserved(t *testing.T) {
	a := newSSRCAllocator("20000")
	require.NoError(t, a.reserve("0200000001"))
	got, err := a.allocate()
	require.NoError(t, err)
	assert.Equal(t, "0200000002", got)
	assert.Error(t, a.reserve("0200000002"))
	a.release("0200000002")
	assert.NoError(t, a.reserve("0200000002"))
	assert.Error(t, a.reserve("99999999999"))
}
