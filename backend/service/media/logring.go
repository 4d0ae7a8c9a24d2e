package media

import (
	"bufio"
	"bytes"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

type LogLine struct {
	Level   string    `json:"level"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// logRing keeps the most recent subprocess output lines of one pipeline.
type logRing struct {
	mu    sync.Mutex
	max   int
	lines []LogLine
	tag   string
	debug bool
}

func newLogRing(max int, tag string, debug bool) *logRing {
	if max <= 0 {
		max = 300
	}
	return &logRing{max: max, tag: tag, debug: debug, lines: make([]LogLine, 0, 32)}
}

func (r *logRing) add(level string, message string) {
	if strings.TrimSpace(message) == "" {
		return
	}
	r.mu.Lock()
	r.lines = append(r.lines, LogLine{Level: level, Time: time.Now(), Message: message})
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
	r.mu.Unlock()
	if r.debug {
		log.Printf("[ffmpeg][%s] %s %s", strings.ToLower(level), r.tag, message)
	}
}

// Lines returns a copy, newest first.
func (r *logRing) Lines() []LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogLine, len(r.lines))
	for i, j := 0, len(r.lines)-1; j >= 0; i, j = i+1, j-1 {
		out[i] = r.lines[j]
	}
	return out
}

func (r *logRing) collect(level string, reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitByCRLF)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		r.add(classifyLevel(level, line), line)
	}
	if err := scanner.Err(); err != nil {
		r.add("Error", "log scanner error: "+err.Error())
	}
}

func splitByCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	if idx := bytes.IndexAny(data, "\r\n"); idx >= 0 {
		return idx + 1, bytes.TrimSpace(data[:idx]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}

var failureKeywords = []string{
	"error", "failed", "fail", "timeout", "timed out",
	"invalid", "unauthorized", "forbidden", "refused",
	"broken pipe", "could not", "not found",
	"server returned", "connection", "i/o error", "end of file",
	"unsupported", "unrecognized option", "option not found", "no such file",
}

// failureSummary joins the last few error-looking lines, oldest first.
func (r *logRing) failureSummary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	picked := make([]string, 0, 4)
	for i := len(r.lines) - 1; i >= 0 && len(picked) < 4; i-- {
		if r.lines[i].Level == "Info" {
			continue
		}
		msg := strings.TrimSpace(r.lines[i].Message)
		lower := strings.ToLower(msg)
		if msg == "" || isBannerLine(lower) || strings.HasPrefix(lower, "exit status ") {
			continue
		}
		matched := false
		for _, keyword := range failureKeywords {
			if strings.Contains(lower, keyword) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if len(msg) > 260 {
			msg = msg[:260] + "..."
		}
		picked = append([]string{msg}, picked...)
	}
	return strings.Join(picked, " | ")
}

func isBannerLine(lower string) bool {
	lower = strings.TrimSpace(lower)
	if lower == "" {
		return true
	}
	for _, prefix := range []string{"ffmpeg version ", "built with ", "configuration: ", "libav", "libsw", "libpostproc"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func classifyLevel(defaultLevel string, message string) string {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" || strings.EqualFold(defaultLevel, "Info") {
		return defaultLevel
	}
	for _, prefix := range []string{"input #", "output #", "metadata:", "duration:", "stream #", "stream mapping:", "press [q] to stop", "frame=", "side data:"} {
		if strings.HasPrefix(lower, prefix) {
			return "Info"
		}
	}
	if isBannerLine(lower) {
		return "Info"
	}
	if strings.Contains(lower, "warning") || strings.Contains(lower, "deprecated") ||
		strings.Contains(lower, "non-monotonous") || strings.Contains(lower, "past duration too large") {
		return "Warn"
	}
	for _, keyword := range []string{"error", "failed", "invalid", "not found", "permission denied", "connection refused", "no such file", "unable to", "broken pipe", "i/o error"} {
		if strings.Contains(lower, keyword) {
			return "Error"
		}
	}
	return defaultLevel
}
