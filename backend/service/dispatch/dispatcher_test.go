package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/signaling"
)

const deviceID = "34020000001320000001"

// additiveSizer models an encoder with a fixed envelope and a fixed cost per item.
func additiveSizer(base, perItem int) Sizer {
	return func(r signaling.CatalogResponse) int {
		return base + perItem*r.EntryCount()
	}
}

func newCatalog(t *testing.T, n int) *catalog.Store {
	t.Helper()
	store, err := catalog.New(catalog.Device{DeviceID: deviceID, Name: "gw"})
	require.NoError(t, err)
	sources := make([]catalog.SourceDescriptor, 0, n)
	for i := 0; i < n; i++ {
		sources = append(sources, catalog.FileSource(fmt.Sprintf("/media/%04d.mp4", i), ""))
	}
	_, err = store.Rebuild(sources)
	require.NoError(t, err)
	return store
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newDispatcher(t *testing.T, n int, budget int) (*Dispatcher, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	d := New(Options{DedupWindow: 2 * time.Second, PayloadBudget: budget}, newCatalog(t, n), func() bool { return true }, nil, additiveSizer(200, 300))
	d.now = clk.now
	return d, clk
}

func TestDispatcher_DuplicateSerialWithinWindowIsAbsorbed(t *testing.T) {
	d, clk := newDispatcher(t, 3, 4096)
	ctx := context.Background()

	first, err := d.Dispatch(ctx, signaling.CatalogQuery{SerialNumber: "100", DeviceID: deviceID})
	require.NoError(t, err)
	require.NotEmpty(t, first)

	clk.t = clk.t.Add(500 * time.Millisecond)
	second, err := d.Dispatch(ctx, signaling.CatalogQuery{SerialNumber: "100", DeviceID: deviceID})
	require.NoError(t, err)
	assert.Empty(t, second)

	clk.t = clk.t.Add(2 * time.Second)
	third, err := d.Dispatch(ctx, signaling.CatalogQuery{SerialNumber: "100", DeviceID: deviceID})
	require.NoError(t, err)
	assert.NotEmpty(t, third, "after the window the same serial is answered again")

	other, err := d.Dispatch(ctx, signaling.CatalogQuery{SerialNumber: "101", DeviceID: deviceID})
	require.NoError(t, err)
	assert.NotEmpty(t, other)
}

func TestDispatcher_ObserverSeesDedup(t *testing.T) {
	d, _ := newDispatcher(t, 1, 4096)
	var calls []bool
	d.SetObserver(func(kind string, dup bool) {
		assert.Equal(t, "DeviceInfoQuery", kind)
		calls = append(calls, dup)
	})
	_, _ = d.Dispatch(context.Background(), signaling.DeviceInfoQuery{SerialNumber: "7"})
	_, _ = d.Dispatch(context.Background(), signaling.DeviceInfoQuery{SerialNumber: "7"})
	assert.Equal(t, []bool{false, true}, calls)
}

func TestDispatcher_CatalogPagesCoverEveryChannelOnce(t *testing.T) {
	d, _ := newDispatcher(t, 500, 1200)
	actions, err := d.Dispatch(context.Background(), signaling.CatalogQuery{SerialNumber: "9"})
	require.NoError(t, err)

	// 200 + 300*3 = 1100 fits, a fourth entry would not: three entries per page.
	require.Len(t, actions, 167)
	seen := make(map[string]bool, 500)
	var order []string
	for i, a := range actions {
		page := a.(signaling.CatalogResponse)
		assert.Equal(t, i, page.PageIndex)
		assert.Equal(t, 167, page.PageCount)
		assert.Equal(t, 501, page.TotalCount)
		assert.LessOrEqual(t, 200+300*page.EntryCount(), 1200)
		assert.Equal(t, i == 0, page.DeviceEntry != nil)
		for _, ch := range page.ChannelPage {
			assert.False(t, seen[ch.ChannelID], "duplicate %s", ch.ChannelID)
			seen[ch.ChannelID] = true
			order = append(order, ch.ChannelID)
		}
	}
	require.Len(t, order, 500)
	snap := d.catalog.Snapshot()
	for i, ch := range snap.Channels {
		assert.Equal(t, ch.ChannelID, order[i])
	}
}

func TestDispatcher_PaginationIsMinimalAcrossSizes(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 64, 333} {
		for _, budget := range []int{600, 1200, 1400, 5000} {
			d, _ := newDispatcher(t, n, budget)
			actions, err := d.Dispatch(context.Background(), signaling.CatalogQuery{SerialNumber: fmt.Sprintf("%d-%d", n, budget)})
			require.NoError(t, err)

			perPage := (budget - 200) / 300
			entries := n + 1
			want := (entries + perPage - 1) / perPage
			assert.Len(t, actions, want, "n=%d budget=%d", n, budget)

			count := 0
			for _, a := range actions {
				page := a.(signaling.CatalogResponse)
				count += len(page.ChannelPage)
				assert.Equal(t, n+1, page.TotalCount)
			}
			assert.Equal(t, n, count)
		}
	}
}

func TestDispatcher_DeviceInfoAndStatus(t *testing.T) {
	online := false
	store := newCatalog(t, 4)
	d := New(Options{}, store, func() bool { return online }, nil, nil)

	actions, err := d.Dispatch(context.Background(), signaling.DeviceInfoQuery{SerialNumber: "1", DeviceID: deviceID})
	require.NoError(t, err)
	info := actions[0].(signaling.DeviceInfoResponse)
	assert.Equal(t, 4, info.ChannelCount)
	assert.Equal(t, deviceID, info.Device.DeviceID)

	actions, err = d.Dispatch(context.Background(), signaling.DeviceStatusQuery{SerialNumber: "2", DeviceID: deviceID})
	require.NoError(t, err)
	assert.False(t, actions[0].(signaling.DeviceStatusResponse).Online)

	online = true
	actions, err = d.Dispatch(context.Background(), signaling.DeviceStatusQuery{SerialNumber: "3"})
	require.NoError(t, err)
	assert.True(t, actions[0].(signaling.DeviceStatusResponse).Online)
}

func TestDispatcher_ErrorsAreAnswered(t *testing.T) {
	d, _ := newDispatcher(t, 2, 4096)
	ctx := context.Background()

	cases := []signaling.Event{
		signaling.CatalogQuery{SerialNumber: "11", DeviceID: "34020000001320000099"},
		signaling.MalformedQuery{SerialNumber: "12", CmdType: "Catalog", Reason: "bad xml"},
		signaling.UnsupportedQuery{SerialNumber: "13", CmdType: "DeviceControl"},
		signaling.RecordQuery{SerialNumber: "14", DeviceID: "34020000001310999999"},
	}
	for _, ev := range cases {
		actions, err := d.Dispatch(ctx, ev)
		require.NoError(t, err)
		require.Len(t, actions, 1, signaling.Name(ev))
		resp, ok := actions[0].(signaling.ErrorResponse)
		require.True(t, ok, signaling.Name(ev))
		sn, _ := serialOf(ev)
		assert.Equal(t, sn, resp.SerialNumber)
		assert.NotEmpty(t, resp.Reason)
	}
}

type fakeRecords struct {
	records []signaling.Record
	err     error
	got     signaling.RecordQuery
}

func (f *fakeRecords) Query(ctx context.Context, q signaling.RecordQuery, limit int) ([]signaling.Record, error) {
	f.got = q
	return f.records, f.err
}

func TestDispatcher_RecordQuery(t *testing.T) {
	store := newCatalog(t, 1)
	channelID := store.Snapshot().Channels[0].ChannelID
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	noIndex := New(Options{}, store, nil, nil, nil)
	actions, err := noIndex.Dispatch(context.Background(), signaling.RecordQuery{SerialNumber: "1", DeviceID: channelID})
	require.NoError(t, err)
	resp := actions[0].(signaling.RecordResponse)
	assert.Empty(t, resp.Records, "no index still answers, with an empty list")

	idx := &fakeRecords{records: []signaling.Record{{ChannelID: channelID, Name: "a"}}}
	d := New(Options{}, store, nil, idx, nil)
	actions, err = d.Dispatch(context.Background(), signaling.RecordQuery{SerialNumber: "2", DeviceID: channelID, StartTime: start, EndTime: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, actions[0].(signaling.RecordResponse).Records, 1)
	assert.Equal(t, channelID, idx.got.DeviceID)

	actions, err = d.Dispatch(context.Background(), signaling.RecordQuery{SerialNumber: "3", StartTime: start, EndTime: start.Add(-time.Hour)})
	require.NoError(t, err)
	assert.IsType(t, signaling.ErrorResponse{}, actions[0])

	idx.err = errors.New("disk gone")
	actions, err = d.Dispatch(context.Background(), signaling.RecordQuery{SerialNumber: "4"})
	require.NoError(t, err)
	assert.IsType(t, signaling.ErrorResponse{}, actions[0])
}

func TestDispatcher_KeepaliveAckGoesToLiveness(t *testing.T) {
	d, _ := newDispatcher(t, 0, 4096)
	var got string
	d.OnKeepaliveAck(func(ack signaling.KeepaliveAck) { got = ack.SerialNumber })
	actions, err := d.Dispatch(context.Background(), signaling.KeepaliveAck{SerialNumber: "42"})
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Equal(t, "42", got)

	_, err = d.Dispatch(context.Background(), signaling.SessionEnd{SessionID: "x"})
	assert.Error(t, err)
}
