package recording

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gbrestreamer/gateway/backend/service/inventory"
	"gbrestreamer/gateway/backend/service/signaling"
	"gbrestreamer/gateway/backend/store"
)

// DurationProber reports a media file's duration.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (time.Duration, error)
}

// Repository is the persistence the indexer needs.
type Repository interface {
	ReplaceRecordings(ctx context.Context, items []store.Recording) error
	QueryRecordings(ctx context.Context, start time.Time, end time.Time, limit int) ([]store.Recording, error)
}

// secondsPerMiB estimates duration from size when probing fails.
const secondsPerMiB = 10

type ScanResult struct {
	Files     int           `json:"files"`
	Probed    int           `json:"probed"`
	Estimated int           `json:"estimated"`
	Elapsed   time.Duration `json:"elapsed"`
	ScannedAt time.Time     `json:"scannedAt"`
}

// Indexer scans a recording directory into the store and answers record queries.
type Indexer struct {
	root     string
	repo     Repository
	prober   DurationProber
	address  string
	location *time.Location

	scanMu sync.Mutex
	mu     sync.Mutex
	last   ScanResult
	cancel context.CancelFunc
	done   chan struct{}
}

func New(root string, repo Repository, prober DurationProber) *Indexer {
	return &Indexer{root: root, repo: repo, prober: prober, address: "local", location: time.Local}
}

// SetAddress sets the Address field reported in record answers.
func (x *Indexer) SetAddress(address string) {
	if strings.TrimSpace(address) != "" {
		x.address = strings.TrimSpace(address)
	}
}

func (x *Indexer) LastScan() ScanResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.last
}

// Scan rebuilds the whole index from disk. Concurrent calls are serialized.
func (x *Indexer) Scan(ctx context.Context) (ScanResult, error) {
	x.scanMu.Lock()
	defer x.scanMu.Unlock()

	started := time.Now()
	files, err := inventory.ScanVideoFiles(ctx, x.root)
	if err != nil {
		return ScanResult{}, fmt.Errorf("scan recordings: %w", err)
	}
	result := ScanResult{Files: len(files)}
	items := make([]store.Recording, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return ScanResult{}, err
		}
		item, probed, err := x.describe(ctx, path)
		if err != nil {
			log.Printf("[recording][warn] skip %s: %v", path, err)
			continue
		}
		if probed {
			result.Probed++
		} else {
			result.Estimated++
		}
		items = append(items, item)
	}
	if err := x.repo.ReplaceRecordings(ctx, items); err != nil {
		return ScanResult{}, fmt.Errorf("store recordings: %w", err)
	}
	result.Elapsed = time.Since(started)
	result.ScannedAt = time.Now()
	x.mu.Lock()
	x.last = result
	x.mu.Unlock()
	log.Printf("[recording] indexed %d files (%d probed, %d estimated) in %s",
		result.Files, result.Probed, result.Estimated, result.Elapsed.Truncate(time.Millisecond))
	return result, nil
}

func (x *Indexer) describe(ctx context.Context, path string) (store.Recording, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return store.Recording{}, false, err
	}
	start := info.ModTime()
	if rel, err := filepath.Rel(x.root, path); err == nil {
		if parsed, ok := StartTimeFromPath(rel, x.location); ok {
			start = parsed
		}
	}
	duration := time.Duration(0)
	probed := false
	if x.prober != nil {
		if d, err := x.prober.ProbeDuration(ctx, path); err == nil && d > 0 {
			duration = d
			probed = true
		}
	}
	if !probed {
		duration = estimateDuration(info.Size())
	}
	return store.Recording{
		Path:      path,
		Name:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		StartTime: start,
		EndTime:   start.Add(duration),
		Duration:  duration,
		FileSize:  info.Size(),
		Type:      "time",
	}, probed, nil
}

func estimateDuration(size int64) time.Duration {
	seconds := float64(size) / (1024 * 1024) * secondsPerMiB
	d := time.Duration(seconds * float64(time.Second))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Query answers a RecordInfo query with recordings overlapping its range.
func (x *Indexer) Query(ctx context.Context, q signaling.RecordQuery, limit int) ([]signaling.Record, error) {
	items, err := x.repo.QueryRecordings(ctx, q.StartTime, q.EndTime, limit)
	if err != nil {
		return nil, err
	}
	records := make([]signaling.Record, 0, len(items))
	for _, item := range items {
		records = append(records, signaling.Record{
			ChannelID: q.DeviceID,
			Name:      item.Name,
			FilePath:  item.Path,
			Address:   x.address,
			StartTime: item.StartTime.In(x.location),
			EndTime:   item.EndTime.In(x.location),
			FileSize:  item.FileSize,
			Type:      item.Type,
		})
	}
	return records, nil
}

// Start rescans every interval until Stop.
func (x *Indexer) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	x.mu.Lock()
	if x.cancel != nil {
		x.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel
	x.done = make(chan struct{})
	done := x.done
	x.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := x.Scan(ctx); err != nil && ctx.Err() == nil {
					log.Printf("[recording][warn] periodic scan failed: %v", err)
				}
			}
		}
	}()
}

func (x *Indexer) Stop() {
	x.mu.Lock()
	cancel := x.cancel
	done := x.done
	x.cancel = nil
	x.done = nil
	x.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
