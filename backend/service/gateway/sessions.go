package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/session"
	"gbrestreamer/gateway/backend/service/signaling"
)

var errAnswerTimeout = errors.New("media did not start in time")

// handleSessionStart launches a session and defers the answer until media
// flows, so the answer can carry the port RTP is sent from.
func (g *Gateway) handleSessionStart(ctx context.Context, rt *runtime, ev signaling.SessionStart) {
	id := ev.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	g.mu.Lock()
	g.pending[id] = &pendingAnswer{
		channelID: ev.ChannelID,
		timer:     time.AfterFunc(g.opts.AnswerTimeout, func() { g.answerTimedOut(rt, id) }),
	}
	g.mu.Unlock()

	req := session.StartRequest{
		SessionID:   id,
		ChannelID:   ev.ChannelID,
		Destination: ev.Destination,
		SSRC:        ev.SSRC,
	}
	var err error
	if ev.Playback != nil {
		req.Source, err = g.playbackSource(ctx, ev.ChannelID, *ev.Playback)
	}
	if err == nil {
		_, err = rt.supervisor.Start(ctx, req)
	}
	if err == nil {
		return
	}
	if errors.Is(err, session.ErrAlreadyActive) {
		err = fmt.Errorf("%w: %v", signaling.ErrBusy, err)
	}
	if g.takePending(id) {
		log.Printf("[gateway][warn] session %s rejected: %v", id, err)
		g.sendAsync(signaling.SessionAnswer{SessionID: id, ChannelID: ev.ChannelID, Err: err})
	}
}

// playbackSource picks the earliest recording overlapping r and seeks into it
// when r starts after the recording does.
func (g *Gateway) playbackSource(ctx context.Context, channelID string, r signaling.TimeRange) (*catalog.SourceDescriptor, error) {
	if g.comp.Records == nil {
		return nil, fmt.Errorf("%w: recordings are not indexed", signaling.ErrNoRecording)
	}
	queryCtx, cancel := context.WithTimeout(ctx, g.opts.SendTimeout)
	defer cancel()
	records, err := g.comp.Records.Query(queryCtx, signaling.RecordQuery{
		DeviceID:  channelID,
		StartTime: r.Start,
		EndTime:   r.End,
	}, 1)
	if err != nil {
		return nil, fmt.Errorf("look up recording: %w", err)
	}
	if len(records) == 0 {
		return nil, signaling.ErrNoRecording
	}
	rec := records[0]
	var offset time.Duration
	if !r.Start.IsZero() && r.Start.After(rec.StartTime) {
		offset = r.Start.Sub(rec.StartTime)
	}
	src := catalog.RecordingSource(rec.FilePath, rec.Name, offset)
	log.Printf("[gateway] playback on %s uses %s offset=%s", channelID, rec.FilePath, offset)
	return &src, nil
}

func (g *Gateway) handleSessionEnd(rt *runtime, ev signaling.SessionEnd) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := rt.supervisor.Stop(rt.ctx, ev.SessionID)
		switch {
		case errors.Is(err, session.ErrUnknownSession):
			log.Printf("[gateway][warn] session end for unknown session %s", ev.SessionID)
		case err != nil:
			log.Printf("[gateway][warn] stop session %s: %v", ev.SessionID, err)
		}
	}()
}

func (g *Gateway) answerTimedOut(rt *runtime, id string) {
	if !g.takePending(id) {
		return
	}
	log.Printf("[gateway][warn] session %s: %v", id, errAnswerTimeout)
	info, _ := rt.supervisor.Get(id)
	_ = g.send(context.Background(), signaling.SessionAnswer{SessionID: id, ChannelID: info.ChannelID, Err: errAnswerTimeout})
	stopCtx, cancel := context.WithTimeout(context.Background(), g.opts.Session.StopTimeout+time.Second)
	defer cancel()
	if err := rt.supervisor.Stop(stopCtx, id); err != nil && !errors.Is(err, session.ErrUnknownSession) {
		log.Printf("[gateway][warn] stop timed out session %s: %v", id, err)
	}
}

// takePending claims the pending answer for id. Only the claimer answers.
func (g *Gateway) takePending(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return false
	}
	delete(g.pending, id)
	p.timer.Stop()
	return true
}

// rejectPending answers every INVITE still waiting for media with err.
func (g *Gateway) rejectPending(err error) {
	g.mu.Lock()
	pending := g.pending
	g.pending = make(map[string]*pendingAnswer)
	g.mu.Unlock()
	for id, p := range pending {
		p.timer.Stop()
		log.Printf("[gateway][warn] session %s: %v", id, err)
		g.sendAsync(signaling.SessionAnswer{SessionID: id, ChannelID: p.channelID, Err: err})
	}
}

func (g *Gateway) onSessionEvent(rt *runtime, ev session.Event) {
	if g.comp.Journal != nil {
		g.comp.Journal.RecordSession(ev)
	}
	if g.comp.Metrics != nil {
		g.comp.Metrics.ObserveSessionTransition(string(ev.To))
	}

	switch ev.To {
	case session.StateStreaming:
		if !ev.Playback {
			g.setChannelStatus(ev.ChannelID, catalog.StatusOn)
		}
		if g.takePending(ev.SessionID) {
			g.answer(rt, ev)
		}
	case session.StateFailed:
		if !ev.Playback {
			g.setChannelStatus(ev.ChannelID, catalog.StatusOff)
		}
		if ev.From == session.StateResolving {
			// Start returns the typed resolve error and answers with it.
			return
		}
		if g.takePending(ev.SessionID) {
			g.sendAsync(signaling.SessionAnswer{SessionID: ev.SessionID, ChannelID: ev.ChannelID, Err: errors.New(ev.Reason)})
			return
		}
		g.sendAsync(signaling.SessionTerminated{SessionID: ev.SessionID, ChannelID: ev.ChannelID, Reason: ev.Reason})
	case session.StateStopped:
		if g.takePending(ev.SessionID) {
			g.sendAsync(signaling.SessionAnswer{SessionID: ev.SessionID, ChannelID: ev.ChannelID, Err: errors.New("session stopped before media started")})
			return
		}
		if ev.Reason == session.ReasonMediaEnded {
			g.sendAsync(signaling.SessionTerminated{SessionID: ev.SessionID, ChannelID: ev.ChannelID, Reason: ev.Reason})
		}
	}
}

func (g *Gateway) answer(rt *runtime, ev session.Event) {
	info, ok := rt.supervisor.Get(ev.SessionID)
	if !ok {
		return
	}
	port, ok := g.comp.Engine.LocalPort(info.Handle)
	if !ok {
		g.sendAsync(signaling.SessionAnswer{SessionID: ev.SessionID, ChannelID: ev.ChannelID, Err: errors.New("media port unavailable")})
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := g.send(context.Background(), signaling.SessionAnswer{
			SessionID: info.SessionID,
			ChannelID: info.ChannelID,
			SSRC:      info.SSRC,
			LocalIP:   g.opts.AnnounceIP,
			LocalPort: port,
		})
		if err == nil {
			return
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), g.opts.Session.StopTimeout+time.Second)
		defer cancel()
		_ = rt.supervisor.Stop(stopCtx, info.SessionID)
	}()
}

func (g *Gateway) setChannelStatus(channelID string, status catalog.Status) {
	if err := g.catalog.SetStatus(channelID, status); err != nil && !errors.Is(err, catalog.ErrUnknownChannel) {
		log.Printf("[gateway][warn] mark channel %s %s: %v", channelID, status, err)
	}
}

// StartSession starts a session without a platform dialog, for operators.
func (g *Gateway) StartSession(ctx context.Context, req session.StartRequest) (session.Info, error) {
	rt := g.current()
	if rt == nil {
		return session.Info{}, ErrNotRunning
	}
	return rt.supervisor.Start(ctx, req)
}

func (g *Gateway) StopSession(ctx context.Context, sessionID string) error {
	rt := g.current()
	if rt == nil {
		return ErrNotRunning
	}
	return rt.supervisor.Stop(ctx, sessionID)
}

func (g *Gateway) Sessions() []session.Info {
	rt := g.current()
	if rt == nil {
		return []session.Info{}
	}
	return rt.supervisor.List()
}

// SessionHistory lists recently ended sessions, oldest first.
func (g *Gateway) SessionHistory() []session.Info {
	rt := g.current()
	if rt == nil {
		return []session.Info{}
	}
	return rt.supervisor.History()
}

func (g *Gateway) Session(sessionID string) (session.Info, bool) {
	rt := g.current()
	if rt == nil {
		return session.Info{}, false
	}
	return rt.supervisor.Get(sessionID)
}
