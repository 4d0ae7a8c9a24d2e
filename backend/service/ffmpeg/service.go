package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Service resolves the ffmpeg and ffprobe binaries and runs short tool commands.
type Service struct {
	ffmpegPath  string
	ffprobePath string
	mu          sync.RWMutex
}

func New(ffmpegPath string, ffprobePath string) *Service {
	return &Service{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

func (s *Service) BinaryPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return normalizeBinaryPath(s.ffmpegPath, "ffmpeg")
}

func (s *Service) FFprobePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return normalizeBinaryPath(s.ffprobePath, "ffprobe")
}

func (s *Service) UpdatePaths(ffmpegPath string, ffprobePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(ffmpegPath) != "" {
		s.ffmpegPath = strings.TrimSpace(ffmpegPath)
	}
	if strings.TrimSpace(ffprobePath) != "" {
		s.ffprobePath = strings.TrimSpace(ffprobePath)
	}
}

func (s *Service) Version(ctx context.Context) (string, error) {
	output, err := runCombined(ctx, s.BinaryPath(), "-version")
	if err != nil {
		return "", err
	}
	line := strings.Split(strings.TrimSpace(output), "\n")
	if len(line) == 0 || strings.TrimSpace(line[0]) == "" {
		return "", errors.New("empty ffmpeg version output")
	}
	return strings.TrimSpace(line[0]), nil
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
}

// MediaInfo is the subset of ffprobe output the gateway uses.
type MediaInfo struct {
	Duration time.Duration `json:"duration"`
	Codecs   []string      `json:"codecs"`
}

// Probe runs ffprobe on a file and returns its container duration and stream codecs.
func (s *Service) Probe(ctx context.Context, filePath string) (MediaInfo, error) {
	output, err := runStdout(ctx, s.FFprobePath(),
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	)
	if err != nil {
		return MediaInfo{}, err
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		return MediaInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	info := MediaInfo{}
	if seconds, err := strconv.ParseFloat(strings.TrimSpace(parsed.Format.Duration), 64); err == nil && seconds > 0 {
		info.Duration = time.Duration(seconds * float64(time.Second))
	}
	for _, stream := range parsed.Streams {
		if stream.CodecName != "" {
			info.Codecs = append(info.Codecs, stream.CodecType+"/"+stream.CodecName)
		}
	}
	return info, nil
}

// ProbeDuration returns the container duration, or an error when ffprobe reports none.
func (s *Service) ProbeDuration(ctx context.Context, filePath string) (time.Duration, error) {
	info, err := s.Probe(ctx, filePath)
	if err != nil {
		return 0, err
	}
	if info.Duration <= 0 {
		return 0, fmt.Errorf("ffprobe reported no duration for %s", filePath)
	}
	return info.Duration, nil
}

func runCombined(ctx context.Context, bin string, args ...string) (string, error) {
	if ctx == nil {
		tmpCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		ctx = tmpCtx
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func runStdout(ctx context.Context, bin string, args ...string) (string, error) {
	if ctx == nil {
		tmpCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		ctx = tmpCtx
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func normalizeBinaryPath(path string, tool string) string {
	value := strings.TrimSpace(strings.Trim(path, "\""))
	if value == "" {
		return defaultToolBinaryName(tool)
	}
	info, err := os.Stat(value)
	if err == nil && info.IsDir() {
		// A directory was configured; exec the tool inside it even if it does not exist yet.
		return filepath.Join(value, defaultToolBinaryName(tool))
	}
	if runtime.GOOS == "windows" && filepath.Ext(value) == "" {
		candidate := value + ".exe"
		if candidateInfo, candidateErr := os.Stat(candidate); candidateErr == nil && !candidateInfo.IsDir() {
			return candidate
		}
	}
	return value
}

func defaultToolBinaryName(tool string) string {
	name := strings.TrimSpace(tool)
	if name == "" {
		name = "ffmpeg"
	}
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}
