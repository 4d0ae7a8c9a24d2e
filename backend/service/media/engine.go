package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gbrestreamer/gateway/backend/config"
	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/session"
	"gbrestreamer/gateway/backend/service/signaling"
)

var (
	ErrUnknownHandle = errors.New("unknown media handle")
	ErrClosed        = errors.New("media engine closed")
)

type Options struct {
	FFmpegPath   func() string
	PortStart    int
	PortEnd      int
	PayloadType  uint8
	VideoCodec   string
	StallTimeout time.Duration
	ProbeRTSP    bool
	ProbeTimeout time.Duration
	DialTimeout  time.Duration
	KillTimeout  time.Duration
	LogBuffer    int
	Debug        bool
}

func OptionsFromConfig(cfg config.Config, binary func() string) Options {
	return Options{
		FFmpegPath:   binary,
		PortStart:    cfg.Media.PortStart,
		PortEnd:      cfg.Media.PortEnd,
		PayloadType:  uint8(cfg.Media.PayloadType),
		VideoCodec:   cfg.Media.VideoCodec,
		StallTimeout: cfg.Media.StallTimeout.D(),
		ProbeRTSP:    cfg.Media.ProbeRTSP,
		ProbeTimeout: cfg.Session.StartTimeout.D(),
		DialTimeout:  cfg.SIP.SendTimeout.D(),
		KillTimeout:  cfg.Session.StopTimeout.D(),
		LogBuffer:    cfg.LogBufferSize,
		Debug:        cfg.EnableDebugLogs,
	}
}

func (o Options) withDefaults() Options {
	if o.FFmpegPath == nil {
		o.FFmpegPath = func() string { return "ffmpeg" }
	}
	if o.PayloadType == 0 {
		o.PayloadType = 33
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = 5 * time.Second
	}
	return o
}

// process is a running media producer.
type process interface {
	Wait() error
	Kill()
}

type launchSpec struct {
	Binary string
	Args   []string
	Port   int
	Logs   *logRing
}

type launchFunc func(ctx context.Context, spec launchSpec) (process, error)

// Engine runs one ffmpeg subprocess and RTP relay per session handle.
type Engine struct {
	opts   Options
	ports  *PortPool
	prober Prober
	launch launchFunc

	mu        sync.Mutex
	pipelines map[session.Handle]*pipeline
	closed    bool
}

type pipeline struct {
	handle    session.Handle
	source    catalog.SourceDescriptor
	dest      signaling.Destination
	ssrc      string
	port      int
	args      []string
	startedAt time.Time

	cancel  context.CancelFunc
	proc    process
	relay   *relay
	logs    *logRing
	exited  chan struct{}
	exitErr error
}

func New(opts Options, prober Prober) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts:      opts,
		ports:     NewPortPool(opts.PortStart, opts.PortEnd),
		prober:    prober,
		pipelines: make(map[session.Handle]*pipeline),
	}
	e.launch = execLaunch
	return e
}

func (e *Engine) StartSession(ctx context.Context, source catalog.SourceDescriptor, dest signaling.Destination, ssrc string) (session.Handle, error) {
	if err := source.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(dest.IP) == "" || dest.Port <= 0 || dest.Port > 65535 {
		return "", fmt.Errorf("invalid media destination %s", dest)
	}
	ssrcValue, err := strconv.ParseUint(ssrc, 10, 32)
	if err != nil {
		return "", fmt.Errorf("invalid ssrc %q: %w", ssrc, err)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if source.Kind == catalog.SourceRTSP && e.opts.ProbeRTSP && e.prober != nil {
		probeCtx := ctx
		if e.opts.ProbeTimeout > 0 {
			var cancel context.CancelFunc
			probeCtx, cancel = context.WithTimeout(ctx, e.opts.ProbeTimeout)
			defer cancel()
		}
		result, err := e.prober.Probe(probeCtx, source.URI)
		if err != nil {
			return "", fmt.Errorf("probe %s: %w", source.DisplayName(), err)
		}
		log.Printf("[media] probe ok source=%s codecs=%s", source.DisplayName(), strings.Join(result.Codecs, ","))
	}

	handle := session.Handle(uuid.NewString())
	port, err := e.ports.AllocateSticky(string(handle), ssrc)
	if err != nil {
		return "", err
	}
	rel, err := newRelay(port, dest, uint32(ssrcValue), e.opts.PayloadType, e.opts.DialTimeout)
	if err != nil {
		if strings.Contains(err.Error(), "bind media port") {
			e.ports.Skip(string(handle))
		} else {
			e.ports.Release(string(handle))
		}
		return "", err
	}

	logs := newLogRing(e.opts.LogBuffer, string(handle), e.opts.Debug)
	args := buildArgs(source, e.opts.VideoCodec, port)
	procCtx, cancel := context.WithCancel(context.Background())
	binary := e.opts.FFmpegPath()
	logs.add("Info", "ffmpeg command: "+binary+" "+joinArgs(args))
	proc, err := e.launch(procCtx, launchSpec{Binary: binary, Args: args, Port: port, Logs: logs})
	if err != nil {
		cancel()
		rel.close(nil)
		e.ports.Release(string(handle))
		return "", fmt.Errorf("start ffmpeg: %w", err)
	}

	p := &pipeline{
		handle:    handle,
		source:    source,
		dest:      dest,
		ssrc:      ssrc,
		port:      port,
		args:      args,
		startedAt: time.Now(),
		cancel:    cancel,
		proc:      proc,
		relay:     rel,
		logs:      logs,
		exited:    make(chan struct{}),
	}
	go rel.run()
	go func() {
		p.exitErr = proc.Wait()
		close(p.exited)
	}()
	e.mu.Lock()
	e.pipelines[handle] = p
	e.mu.Unlock()

	select {
	case <-rel.first:
		log.Printf("[media] pipeline streaming handle=%s source=%s dest=%s port=%d ssrc=%s",
			handle, source.DisplayName(), dest, port, ssrc)
		return handle, nil
	case <-p.exited:
		_ = e.teardown(context.Background(), p)
		return "", withSummary(fmt.Errorf("ffmpeg exited before first packet: %v", p.exitErr), logs)
	case <-rel.done:
		_ = e.teardown(context.Background(), p)
		return "", withSummary(fmt.Errorf("relay stopped before first packet: %v", rel.failure()), logs)
	case <-ctx.Done():
		_ = e.teardown(context.Background(), p)
		return "", withSummary(fmt.Errorf("waiting for first packet: %w", ctx.Err()), logs)
	}
}

func withSummary(err error, logs *logRing) error {
	if summary := logs.failureSummary(); summary != "" {
		return fmt.Errorf("%w; ffmpeg: %s", err, summary)
	}
	return err
}

func (e *Engine) StopSession(ctx context.Context, handle session.Handle) error {
	e.mu.Lock()
	p, ok := e.pipelines[handle]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if err := e.teardown(ctx, p); err != nil {
		return err
	}
	log.Printf("[media] pipeline stopped handle=%s", handle)
	return nil
}

// teardown kills the process, waits for it, closes the relay and returns the port.
// The port stays leased if the process cannot be reaped.
func (e *Engine) teardown(ctx context.Context, p *pipeline) error {
	e.mu.Lock()
	delete(e.pipelines, p.handle)
	e.mu.Unlock()

	p.cancel()
	p.proc.Kill()
	p.relay.close(nil)
	timer := time.NewTimer(e.opts.KillTimeout)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		return fmt.Errorf("ffmpeg for %s did not exit within %s", p.handle, e.opts.KillTimeout)
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", p.handle, ctx.Err())
	}
	e.ports.Release(string(p.handle))
	return nil
}

func (e *Engine) PollHealth(_ context.Context, handle session.Handle) (bool, error) {
	e.mu.Lock()
	p, ok := e.pipelines[handle]
	e.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	select {
	case <-p.exited:
		if p.exitErr == nil && p.source.Kind == catalog.SourceRecording {
			return false, session.ErrMediaEnded
		}
		return false, withSummary(fmt.Errorf("ffmpeg exited: %v", p.exitErr), p.logs)
	default:
	}
	select {
	case <-p.relay.done:
		return false, fmt.Errorf("relay stopped: %v", p.relay.failure())
	default:
	}
	if idle := p.relay.idle(p.startedAt); idle > e.opts.StallTimeout {
		return false, fmt.Errorf("no media relayed for %s", idle.Truncate(time.Millisecond))
	}
	return true, nil
}

// PipelineInfo describes a running pipeline for the admin API.
type PipelineInfo struct {
	Handle      session.Handle        `json:"handle"`
	Source      string                `json:"source"`
	Destination signaling.Destination `json:"destination"`
	SSRC        string                `json:"ssrc"`
	LocalPort   int                   `json:"localPort"`
	StartedAt   time.Time             `json:"startedAt"`
	Relay       RelayStats            `json:"relay"`
	Command     string                `json:"command"`
}

func (e *Engine) Pipelines() []PipelineInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := make([]PipelineInfo, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		items = append(items, PipelineInfo{
			Handle:      p.handle,
			Source:      p.source.DisplayName(),
			Destination: p.dest,
			SSRC:        p.ssrc,
			LocalPort:   p.port,
			StartedAt:   p.startedAt,
			Relay:       p.relay.stats(),
			Command:     joinArgs(p.args),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartedAt.Before(items[j].StartedAt) })
	return items
}

// LocalPort is the port the platform will see media coming from.
func (e *Engine) LocalPort(handle session.Handle) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pipelines[handle]
	if !ok {
		return 0, false
	}
	return p.port, true
}

// Logs returns recent ffmpeg output for a handle, newest first.
func (e *Engine) Logs(handle session.Handle) ([]LogLine, bool) {
	e.mu.Lock()
	p, ok := e.pipelines[handle]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return p.logs.Lines(), true
}

// Close stops every pipeline and rejects new ones.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	pending := make([]*pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		pending = append(pending, p)
	}
	e.mu.Unlock()
	var errs []error
	for _, p := range pending {
		if err := e.teardown(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *io.PipeWriter
	stderr *io.PipeWriter
}

func execLaunch(ctx context.Context, spec launchSpec) (process, error) {
	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...)
	cmd.WaitDelay = 2 * time.Second
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, err
	}
	go spec.Logs.collect("Info", outR)
	go spec.Logs.collect("Warn", errR)
	return &execProcess{cmd: cmd, stdout: outW, stderr: errW}, nil
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	_ = p.stdout.Close()
	_ = p.stderr.Close()
	return err
}

func (p *execProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
