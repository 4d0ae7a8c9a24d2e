package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbrestreamer/gateway/backend/service/signaling"
	"gbrestreamer/gateway/backend/store"
)

func TestStartTimeFromPath(t *testing.T) {
	loc := time.UTC
	cases := map[string]time.Time{
		"cam/20240501T083015.mp4":      time.Date(2024, 5, 1, 8, 30, 15, 0, loc),
		"rec_2024-05-01_08-30-15.mkv":  time.Date(2024, 5, 1, 8, 30, 15, 0, loc),
		"20240501_083015.ts":           time.Date(2024, 5, 1, 8, 30, 15, 0, loc),
		"2024-05-01/clip_09-10-11.mp4": time.Date(2024, 5, 1, 9, 10, 11, 0, loc),
		"archive/20240502/clip.mp4":    time.Date(2024, 5, 2, 12, 0, 0, 0, loc),
	}
	for rel, want := range cases {
		got, ok := StartTimeFromPath(rel, loc)
		require.True(t, ok, rel)
		assert.True(t, want.Equal(got), "%s: got %s", rel, got)
	}
	_, ok := StartTimeFromPath("misc/clip.mp4", loc)
	assert.False(t, ok)
}

type stubProber map[string]time.Duration

func (p stubProber) ProbeDuration(_ context.Context, path string) (time.Duration, error) {
	if d, ok := p[filepath.Base(path)]; ok {
		return d, nil
	}
	return 0, errors.New("no duration")
}

func TestIndexer_ScanAndQuery(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "20240501T080000.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "20240501T100000.mp4"), make([]byte, 2*1024*1024), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("x"), 0o644))

	db, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	defer db.Close()

	x := New(root, db, stubProber{"20240501T080000.mp4": 30 * time.Minute})
	x.location = time.UTC
	x.SetAddress("lab")
	result, err := x.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Files)
	assert.Equal(t, 1, result.Probed)
	assert.Equal(t, 1, result.Estimated)
	assert.Equal(t, result, x.LastScan())

	q := signaling.RecordQuery{
		SerialNumber: "1",
		DeviceID:     "34020000001310000001",
		StartTime:    time.Date(2024, 5, 1, 8, 20, 0, 0, time.UTC),
		EndTime:      time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	records, err := x.Query(context.Background(), q, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "20240501T080000", records[0].Name)
	assert.Equal(t, "lab", records[0].Address)
	assert.Equal(t, q.DeviceID, records[0].ChannelID)
	assert.Equal(t, 30*time.Minute, records[0].EndTime.Sub(records[0].StartTime))

	q.StartTime = time.Date(2024, 5, 1, 10, 0, 10, 0, time.UTC)
	q.EndTime = time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	records, err = x.Query(context.Background(), q, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 20*time.Second, records[0].EndTime.Sub(records[0].StartTime))
}

func TestEstimateDuration(t *testing.T) {
	assert.Equal(t, 10*time.Second, estimateDuration(1024*1024))
	assert.Equal(t, time.Second, estimateDuration(10))
}
