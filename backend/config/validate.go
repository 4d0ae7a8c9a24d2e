package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate reports every orchestrator setting that would make the gateway
// misbehave. The gateway refuses to start while Validate fails.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !isGBCode(c.Device.DeviceID) {
		add("device.deviceId must be 20 decimal digits, got %q", c.Device.DeviceID)
	}
	if !isGBCode(c.SIP.ServerID) {
		add("sip.serverId must be 20 decimal digits, got %q", c.SIP.ServerID)
	}
	if strings.TrimSpace(c.SIP.ServerIP) == "" {
		add("sip.serverIp is required")
	}
	if c.SIP.ServerPort <= 0 || c.SIP.ServerPort > 65535 {
		add("sip.serverPort out of range: %d", c.SIP.ServerPort)
	}
	if c.SIP.LocalPort <= 0 || c.SIP.LocalPort > 65535 {
		add("sip.localPort out of range: %d", c.SIP.LocalPort)
	}
	switch c.SIP.Transport {
	case "udp", "tcp":
	default:
		add("sip.transport must be udp or tcp, got %q", c.SIP.Transport)
	}
	if c.SIP.SendTimeout <= 0 {
		add("sip.sendTimeout must be positive")
	}

	r := c.Registration
	if r.Expires <= 0 {
		add("registration.expires must be positive")
	}
	if r.KeepaliveInterval <= 0 {
		add("registration.keepaliveInterval must be positive")
	}
	if r.KeepaliveInterval >= r.PlatformKeepaliveTimeout {
		add("registration.keepaliveInterval (%s) must be shorter than platformKeepaliveTimeout (%s)", r.KeepaliveInterval, r.PlatformKeepaliveTimeout)
	}
	if r.RenewalRatio <= 0 || r.RenewalRatio >= 1 {
		add("registration.renewalRatio must be in (0,1), got %v", r.RenewalRatio)
	}
	if r.EmergencyRatio <= r.RenewalRatio || r.EmergencyRatio >= 1 {
		add("registration.emergencyRatio must be in (renewalRatio,1), got %v", r.EmergencyRatio)
	}
	if r.RetryBase <= 0 || r.RetryBase > r.RetryMax {
		add("registration.retryBase must be positive and not above retryMax")
	}
	if r.AckTimeout <= 0 || r.TickInterval <= 0 {
		add("registration.ackTimeout and tickInterval must be positive")
	}

	if c.Catalog.PayloadBudget < 512 {
		add("catalog.payloadBudget must be at least 512 bytes, got %d", c.Catalog.PayloadBudget)
	}
	if c.Catalog.DedupWindow < 0 {
		add("catalog.dedupWindow must not be negative")
	}

	s := c.Session
	if s.MaxRetries < 0 {
		add("session.maxRetries must not be negative")
	}
	if s.RetryBase <= 0 || s.RetryBase > s.RetryMax {
		add("session.retryBase must be positive and not above retryMax")
	}
	if s.RetryJitter < 0 || s.RetryJitter >= 1 {
		add("session.retryJitter must be in [0,1), got %v", s.RetryJitter)
	}
	if s.HealthInterval <= 0 || s.HealthGrace < s.HealthInterval {
		add("session.healthGrace must be at least healthInterval")
	}
	if s.StartTimeout <= 0 || s.StopTimeout <= 0 || s.PollTimeout <= 0 {
		add("session timeouts must be positive")
	}

	if c.Media.PortStart <= 0 || c.Media.PortEnd > 65535 || c.Media.PortStart > c.Media.PortEnd {
		add("media port range invalid: %d-%d", c.Media.PortStart, c.Media.PortEnd)
	}
	if c.Media.PayloadType <= 0 || c.Media.PayloadType > 127 {
		add("media.payloadType out of range: %d", c.Media.PayloadType)
	}
	for i, src := range c.RTSPSources {
		u, err := url.Parse(src.URL)
		if err != nil || !strings.HasPrefix(strings.ToLower(u.Scheme), "rtsp") {
			add("rtspSources[%d] is not an rtsp url: %q", i, src.URL)
		}
	}
	return errors.Join(errs...)
}

func isGBCode(value string) bool {
	if len(value) != 20 {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return false
		}
	}
	return true
}
