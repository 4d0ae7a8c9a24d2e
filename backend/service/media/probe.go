package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
)

// Prober checks that an RTSP source answers DESCRIBE before ffmpeg is started.
type Prober interface {
	Probe(ctx context.Context, uri string) (ProbeResult, error)
}

type ProbeResult struct {
	Codecs []string `json:"codecs"`
}

type RTSPProber struct {
	Timeout   time.Duration
	UserAgent string
}

func (p RTSPProber) Probe(ctx context.Context, uri string) (ProbeResult, error) {
	rtspURL, err := base.ParseURL(uri)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("parse rtsp url failed: %w", err)
	}
	if rtspURL == nil || (rtspURL.Scheme != "rtsp" && rtspURL.Scheme != "rtsps") {
		return ProbeResult{}, errors.New("rtsp probe supports rtsp / rtsps only")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	userAgent := p.UserAgent
	if userAgent == "" {
		userAgent = "gbgw-probe/1.0"
	}
	client := &gortsplib.Client{
		Scheme:       rtspURL.Scheme,
		Host:         rtspURL.Host,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		UserAgent:    userAgent,
	}

	type outcome struct {
		result ProbeResult
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		if err := client.Start(); err != nil {
			resultCh <- outcome{err: fmt.Errorf("connect rtsp server failed: %w", err)}
			return
		}
		defer client.Close()
		desc, _, err := client.Describe(rtspURL)
		if err != nil {
			resultCh <- outcome{err: fmt.Errorf("rtsp describe failed: %w", err)}
			return
		}
		result := ProbeResult{}
		hasVideo := false
		for _, media := range desc.Medias {
			if media.Type == "video" {
				hasVideo = true
			}
			for _, forma := range media.Formats {
				result.Codecs = append(result.Codecs, string(media.Type)+"/"+forma.Codec())
			}
		}
		if !hasVideo {
			resultCh <- outcome{result: result, err: errors.New("rtsp source has no video track")}
			return
		}
		resultCh <- outcome{result: result}
	}()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-ctx.Done():
		// the goroutine exits on its own read timeout
		return ProbeResult{}, ctx.Err()
	}
}
