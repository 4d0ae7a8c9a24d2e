package inventory

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gbrestreamer/gateway/backend/config"
	"gbrestreamer/gateway/backend/service/catalog"
)

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".avi": {}, ".mkv": {}, ".mov": {},
	".flv": {}, ".wmv": {}, ".ts": {}, ".m4v": {},
}

// IsVideoFile reports whether name carries one of the served video extensions.
func IsVideoFile(name string) bool {
	_, ok := videoExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Lister is what the catalog refresher needs from an inventory.
type Lister interface {
	ListSources(ctx context.Context) ([]catalog.SourceDescriptor, error)
}

// Scanner lists media files under a directory followed by configured RTSP sources.
type Scanner struct {
	mediaDir string
	rtsp     []config.RTSPSource
}

func New(mediaDir string, rtsp []config.RTSPSource) *Scanner {
	return &Scanner{mediaDir: mediaDir, rtsp: append([]config.RTSPSource(nil), rtsp...)}
}

func FromConfig(cfg config.Config) *Scanner {
	return New(cfg.MediaDir, cfg.RTSPSources)
}

// ListSources returns file sources sorted by relative path, then RTSP sources
// in configured order. A missing media directory yields only RTSP sources.
func (s *Scanner) ListSources(ctx context.Context) ([]catalog.SourceDescriptor, error) {
	files, err := ScanVideoFiles(ctx, s.mediaDir)
	if err != nil {
		return nil, err
	}
	sources := make([]catalog.SourceDescriptor, 0, len(files)+len(s.rtsp))
	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		sources = append(sources, catalog.FileSource(file, name))
	}
	for _, src := range s.rtsp {
		sources = append(sources, catalog.RTSPSource(src.URL, src.Name))
	}
	return sources, nil
}

// ScanVideoFiles walks root and returns absolute paths of video files ordered by
// their path relative to root. Hidden directories are skipped.
func ScanVideoFiles(ctx context.Context, root string) ([]string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, nil
	}
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("media path is not a directory: " + root)
	}

	type entry struct {
		rel string
		abs string
	}
	found := make([]entry, 0, 32)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsVideoFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		found = append(found, entry{rel: filepath.ToSlash(rel), abs: abs})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(found, func(i, j int) bool { return found[i].rel < found[j].rel })
	paths := make([]string, 0, len(found))
	for _, item := range found {
		paths = append(paths, item.abs)
	}
	return paths, nil
}
