// Package journal persists registration and session lifecycle changes and
// fans them out to live subscribers.
package journal

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"gbrestreamer/gateway/backend/service/registration"
	"gbrestreamer/gateway/backend/service/session"
	"gbrestreamer/gateway/backend/store"
)

const (
	KindRegistration = "registration"
	KindSession      = "session"
)

type Repository interface {
	InsertLifecycleEvent(ctx context.Context, ev store.LifecycleEvent) (int64, error)
	ListLifecycleEvents(ctx context.Context, req store.PageRequest) (store.QueryPageModel[store.LifecycleEvent], error)
	PruneLifecycleEvents(ctx context.Context, keep int) (int64, error)
}

type Options struct {
	Keep          int
	PruneInterval time.Duration
	WriteTimeout  time.Duration
	// Buffer bounds events waiting to be written. Events beyond it are
	// published but not persisted.
	Buffer int
}

// queued is one pending write, or a flush marker when flushed is set.
type queued struct {
	ev      store.LifecycleEvent
	flushed chan struct{}
}

type Journal struct {
	repo Repository
	opts Options

	mu     sync.Mutex
	subs   map[int]chan store.LifecycleEvent
	nextID int

	queue      chan queued
	writerOnce sync.Once

	loopMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(repo Repository, opts Options) *Journal {
	if opts.Keep <= 0 {
		opts.Keep = 5000
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = 10 * time.Minute
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	return &Journal{
		repo:  repo,
		opts:  opts,
		subs:  make(map[int]chan store.LifecycleEvent),
		queue: make(chan queued, opts.Buffer),
	}
}

// RecordRegistration journals one registration state change of deviceID.
func (j *Journal) RecordRegistration(deviceID string, tr registration.Transition) {
	j.record(store.LifecycleEvent{
		Kind:       KindRegistration,
		Subject:    deviceID,
		From:       string(tr.From),
		To:         string(tr.To),
		Reason:     tr.Reason,
		OccurredAt: tr.At,
	})
}

func (j *Journal) RecordSession(ev session.Event) {
	j.record(store.LifecycleEvent{
		Kind:       KindSession,
		Subject:    ev.SessionID,
		ChannelID:  ev.ChannelID,
		From:       string(ev.From),
		To:         string(ev.To),
		Attempt:    ev.Attempt,
		Reason:     ev.Reason,
		OccurredAt: ev.At,
	})
}

// record never waits on the database. Events are persisted in order by the
// writer and published once they carry their row id.
func (j *Journal) record(ev store.LifecycleEvent) {
	ev.EventID = uuid.NewString()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	if j.repo == nil {
		j.publish(ev)
		return
	}
	j.writerOnce.Do(func() { go j.write() })
	select {
	case j.queue <- queued{ev: ev}:
	default:
		log.Printf("[journal][warn] write queue full, %s event for %s not persisted", ev.Kind, ev.Subject)
		j.publish(ev)
	}
}

func (j *Journal) write() {
	for item := range j.queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		ev := item.ev
		ctx, cancel := context.WithTimeout(context.Background(), j.opts.WriteTimeout)
		id, err := j.repo.InsertLifecycleEvent(ctx, ev)
		cancel()
		if err != nil {
			log.Printf("[journal][warn] persist %s event for %s failed: %v", ev.Kind, ev.Subject, err)
		} else {
			ev.ID = id
		}
		j.publish(ev)
	}
}

// Flush waits until every event recorded before the call has been written.
func (j *Journal) Flush(ctx context.Context) error {
	if j.repo == nil {
		return nil
	}
	j.writerOnce.Do(func() { go j.write() })
	done := make(chan struct{})
	select {
	case j.queue <- queued{flushed: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) publish(ev store.LifecycleEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id, ch := range j.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[journal][warn] subscriber %d is slow, dropped event %s", id, ev.EventID)
		}
	}
}

// Subscribe returns a buffered feed of new events and a cancel function.
// Events are dropped for a subscriber whose buffer is full.
func (j *Journal) Subscribe(buffer int) (<-chan store.LifecycleEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan store.LifecycleEvent, buffer)
	j.mu.Lock()
	id := j.nextID
	j.nextID++
	j.subs[id] = ch
	j.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			delete(j.subs, id)
			j.mu.Unlock()
			close(ch)
		})
	}
}

func (j *Journal) Subscribers() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.subs)
}

func (j *Journal) List(ctx context.Context, req store.PageRequest) (store.QueryPageModel[store.LifecycleEvent], error) {
	if j.repo == nil {
		return store.QueryPageModel[store.LifecycleEvent]{Page: 1, Data: []store.LifecycleEvent{}}, nil
	}
	return j.repo.ListLifecycleEvents(ctx, req)
}

func (j *Journal) Prune(ctx context.Context) (int64, error) {
	if j.repo == nil {
		return 0, nil
	}
	return j.repo.PruneLifecycleEvents(ctx, j.opts.Keep)
}

func (j *Journal) Start() {
	j.loopMu.Lock()
	defer j.loopMu.Unlock()
	if j.running || j.repo == nil {
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	go j.loop(j.stopCh, j.doneCh)
}

// Stop ends pruning and waits for queued events to reach the database.
func (j *Journal) Stop() {
	j.loopMu.Lock()
	if !j.running {
		j.loopMu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.running = false
	j.loopMu.Unlock()
	close(stopCh)
	<-doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*j.opts.WriteTimeout)
	defer cancel()
	if err := j.Flush(ctx); err != nil {
		log.Printf("[journal][warn] flush on stop: %v", err)
	}
}

func (j *Journal) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(j.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := j.Prune(ctx)
			cancel()
			if err != nil {
				log.Printf("[journal][warn] prune failed: %v", err)
			} else if removed > 0 {
				log.Printf("[journal][info] pruned %d old events", removed)
			}
		}
	}
}
