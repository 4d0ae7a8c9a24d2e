// Package dispatch answers platform queries from the catalog and the
// registration state.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/signaling"
)

// CatalogSource hands out consistent catalog copies.
type CatalogSource interface {
	Snapshot() catalog.Snapshot
}

// RecordIndex looks up recordings for a record query.
type RecordIndex interface {
	Query(ctx context.Context, q signaling.RecordQuery, limit int) ([]signaling.Record, error)
}

// Sizer returns the encoded size in bytes of one catalog page.
type Sizer func(signaling.CatalogResponse) int

type Options struct {
	DedupWindow   time.Duration
	PayloadBudget int
	RecordLimit   int
}

// Observer receives one call per dispatched or absorbed query.
type Observer func(kind string, deduplicated bool)

type Dispatcher struct {
	opts     Options
	catalog  CatalogSource
	online   func() bool
	liveness func(signaling.KeepaliveAck)
	records  RecordIndex
	size     Sizer
	observe  Observer
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// New builds a dispatcher. records may be nil; record queries then get an
// empty successful answer.
func New(opts Options, source CatalogSource, online func() bool, records RecordIndex, size Sizer) *Dispatcher {
	if opts.PayloadBudget <= 0 {
		opts.PayloadBudget = 1200
	}
	if opts.RecordLimit <= 0 {
		opts.RecordLimit = 100
	}
	if online == nil {
		online = func() bool { return false }
	}
	return &Dispatcher{
		opts:    opts,
		catalog: source,
		online:  online,
		records: records,
		size:    size,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// OnKeepaliveAck routes keepalive acknowledgements to the liveness tracker.
func (d *Dispatcher) OnKeepaliveAck(fn func(signaling.KeepaliveAck)) {
	d.liveness = fn
}

func (d *Dispatcher) SetObserver(fn Observer) {
	d.observe = fn
}

// Dispatch turns one inbound query into the actions that answer it. It never
// performs network I/O; an empty result means nothing needs to be sent.
func (d *Dispatcher) Dispatch(ctx context.Context, event signaling.Event) ([]signaling.Action, error) {
	if ack, ok := event.(signaling.KeepaliveAck); ok {
		if d.liveness != nil {
			d.liveness(ack)
		}
		return nil, nil
	}

	sn, ok := serialOf(event)
	if !ok {
		return nil, fmt.Errorf("dispatch: unsupported event %s", signaling.Name(event))
	}
	kind := signaling.Name(event)
	if d.duplicate(sn) {
		d.report(kind, true)
		return nil, nil
	}
	d.report(kind, false)

	snap := d.catalog.Snapshot()
	deviceID := snap.Device.DeviceID

	switch q := event.(type) {
	case signaling.CatalogQuery:
		if !d.targetsDevice(q.DeviceID, deviceID) {
			return d.reject(sn, "Catalog", deviceID, "unknown device "+q.DeviceID), nil
		}
		pages := d.paginate(sn, snap)
		actions := make([]signaling.Action, 0, len(pages))
		for _, p := range pages {
			actions = append(actions, p)
		}
		return actions, nil

	case signaling.DeviceInfoQuery:
		if !d.targetsDevice(q.DeviceID, deviceID) {
			return d.reject(sn, "DeviceInfo", deviceID, "unknown device "+q.DeviceID), nil
		}
		return []signaling.Action{signaling.DeviceInfoResponse{
			SerialNumber: sn,
			Device:       snap.Device,
			ChannelCount: len(snap.Channels),
		}}, nil

	case signaling.DeviceStatusQuery:
		if !d.targetsDevice(q.DeviceID, deviceID) {
			return d.reject(sn, "DeviceStatus", deviceID, "unknown device "+q.DeviceID), nil
		}
		return []signaling.Action{signaling.DeviceStatusResponse{
			SerialNumber: sn,
			DeviceID:     deviceID,
			Online:       d.online(),
			DeviceTime:   d.now(),
		}}, nil

	case signaling.RecordQuery:
		return d.answerRecords(ctx, q, snap), nil

	case signaling.MalformedQuery:
		return d.reject(sn, q.CmdType, deviceID, "malformed query: "+q.Reason), nil

	case signaling.UnsupportedQuery:
		return d.reject(sn, q.CmdType, deviceID, "unsupported command "+q.CmdType), nil
	}
	return nil, fmt.Errorf("dispatch: unsupported event %s", kind)
}

func (d *Dispatcher) answerRecords(ctx context.Context, q signaling.RecordQuery, snap catalog.Snapshot) []signaling.Action {
	deviceID := snap.Device.DeviceID
	target := q.DeviceID
	if target == "" {
		target = deviceID
	}
	if target != deviceID {
		if _, ok := snap.Find(target); !ok {
			return d.reject(q.SerialNumber, "RecordInfo", target, "unknown channel "+target)
		}
	}
	if !q.StartTime.IsZero() && !q.EndTime.IsZero() && q.EndTime.Before(q.StartTime) {
		return d.reject(q.SerialNumber, "RecordInfo", target, "end time before start time")
	}
	resp := signaling.RecordResponse{SerialNumber: q.SerialNumber, DeviceID: target}
	if d.records == nil {
		return []signaling.Action{resp}
	}
	q.DeviceID = target
	records, err := d.records.Query(ctx, q, d.opts.RecordLimit)
	if err != nil {
		log.Printf("[dispatch][warn] record query sn=%s failed: %v", q.SerialNumber, err)
		return d.reject(q.SerialNumber, "RecordInfo", target, "record lookup failed")
	}
	resp.Records = records
	return []signaling.Action{resp}
}

// paginate splits the catalog into the fewest ordered pages that each fit
// the payload budget. The device entry leads the first page.
func (d *Dispatcher) paginate(sn string, snap catalog.Snapshot) []signaling.CatalogResponse {
	channels := snap.Channels
	total := len(channels) + 1
	device := snap.Device

	pages := make([]signaling.CatalogResponse, 0, 1)
	next := 0
	for first := true; first || next < len(channels); first = false {
		page := signaling.CatalogResponse{
			SerialNumber: sn,
			PageIndex:    len(pages),
			PageCount:    total,
			TotalCount:   total,
		}
		if first {
			page.DeviceEntry = &device
		}
		start := next
		for next < len(channels) {
			candidate := page
			candidate.ChannelPage = channels[start : next+1]
			if page.EntryCount() > 0 && d.size != nil && d.size(candidate) > d.opts.PayloadBudget {
				break
			}
			if page.EntryCount() == 0 && d.size != nil && d.size(candidate) > d.opts.PayloadBudget {
				log.Printf("[dispatch][warn] channel %s alone exceeds the %d byte budget", channels[next].ChannelID, d.opts.PayloadBudget)
			}
			page = candidate
			next++
		}
		pages = append(pages, page)
	}
	for i := range pages {
		pages[i].PageCount = len(pages)
	}
	return pages
}

func (d *Dispatcher) targetsDevice(requested string, deviceID string) bool {
	return requested == "" || requested == deviceID
}

func (d *Dispatcher) reject(sn string, cmdType string, deviceID string, reason string) []signaling.Action {
	log.Printf("[dispatch][warn] %s sn=%s rejected: %s", cmdType, sn, reason)
	return []signaling.Action{signaling.ErrorResponse{
		SerialNumber: sn,
		CmdType:      cmdType,
		DeviceID:     deviceID,
		Reason:       reason,
	}}
}

// duplicate records sn and reports whether it was already seen inside the window.
func (d *Dispatcher) duplicate(sn string) bool {
	if d.opts.DedupWindow <= 0 || sn == "" {
		return false
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, at := range d.seen {
		if now.Sub(at) >= d.opts.DedupWindow {
			delete(d.seen, key)
		}
	}
	if _, ok := d.seen[sn]; ok {
		return true
	}
	d.seen[sn] = now
	return false
}

func (d *Dispatcher) report(kind string, deduplicated bool) {
	if d.observe != nil {
		d.observe(kind, deduplicated)
	}
}

func serialOf(event signaling.Event) (string, bool) {
	switch q := event.(type) {
	case signaling.CatalogQuery:
		return q.SerialNumber, true
	case signaling.DeviceInfoQuery:
		return q.SerialNumber, true
	case signaling.DeviceStatusQuery:
		return q.SerialNumber, true
	case signaling.RecordQuery:
		return q.SerialNumber, true
	case signaling.MalformedQuery:
		return q.SerialNumber, true
	case signaling.UnsupportedQuery:
		return q.SerialNumber, true
	}
	return "", false
}
