package inventory

import (
	"context"
	"log"
	"reflect"
	"sync"
	"time"

	"gbrestreamer/gateway/backend/service/catalog"
)

// Rebuilder receives a fresh source list.
type Rebuilder interface {
	Rebuild(sources []catalog.SourceDescriptor) (catalog.Snapshot, error)
}

// Watcher rescans an inventory periodically and rebuilds the catalog only when
// the source list changed.
type Watcher struct {
	lister   Lister
	target   Rebuilder
	interval time.Duration
	onChange func(catalog.Snapshot)

	// refreshMu makes list, compare and rebuild one step, so an older listing
	// can never be rebuilt over a newer one.
	refreshMu sync.Mutex

	mu     sync.Mutex
	last   []catalog.SourceDescriptor
	primed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(lister Lister, target Rebuilder, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watcher{lister: lister, target: target, interval: interval}
}

// OnChange registers fn to run after each rebuild. Call before Start.
func (w *Watcher) OnChange(fn func(catalog.Snapshot)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Refresh lists sources once and rebuilds when they differ from the last rebuild.
func (w *Watcher) Refresh(ctx context.Context) (bool, error) {
	w.refreshMu.Lock()
	defer w.refreshMu.Unlock()
	return w.refresh(ctx)
}

func (w *Watcher) refresh(ctx context.Context) (bool, error) {
	sources, err := w.lister.ListSources(ctx)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	if w.primed && reflect.DeepEqual(w.last, sources) {
		w.mu.Unlock()
		return false, nil
	}
	w.mu.Unlock()

	snapshot, err := w.target.Rebuild(sources)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	w.last = sources
	w.primed = true
	fn := w.onChange
	w.mu.Unlock()
	log.Printf("[inventory] catalog rebuilt: %d sources, generation %d", len(sources), snapshot.Generation)
	if fn != nil {
		fn(snapshot)
	}
	return true, nil
}

// Force clears the remembered list so the next Refresh always rebuilds.
func (w *Watcher) Force(ctx context.Context) error {
	w.refreshMu.Lock()
	defer w.refreshMu.Unlock()
	w.mu.Lock()
	w.primed = false
	w.mu.Unlock()
	_, err := w.refresh(ctx)
	return err
}

func (w *Watcher) Start() {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.loop(ctx, done)
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[inventory][warn] rescan failed: %v", err)
			}
		}
	}
}
