package sip

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gbrestreamer/gateway/backend/service/signaling"
)

// offer is the part of an INVITE SDP the gateway acts on.
type offer struct {
	IP        string
	Port      int
	Transport signaling.Transport
	SSRC      string
	// Playback is set for s=Playback/Download and for the older
	// y=playback:starttime=...;endtime=... form. From and To bound the
	// requested recording and are zero when open.
	Playback bool
	From     time.Time
	To       time.Time
}

// ntpEpochOffset converts NTP seconds to Unix seconds.
const ntpEpochOffset = 2208988800

// legacyPlaybackLayout is the starttime/endtime layout of y=playback offers.
const legacyPlaybackLayout = "20060102T150405Z"

func parseOffer(sdp string) (offer, error) {
	var o offer
	o.Transport = signaling.TransportUDP
	sessionIP := ""
	for _, raw := range splitLines(strings.TrimSpace(sdp)) {
		line := strings.TrimSpace(raw)
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := strings.TrimSpace(line[2:])
		switch line[0] {
		case 's':
			switch strings.ToLower(value) {
			case "playback", "download":
				o.Playback = true
			}
		case 'c':
			fields := strings.Fields(value)
			if len(fields) >= 3 {
				if o.Port == 0 {
					sessionIP = fields[2]
				} else {
					o.IP = fields[2]
				}
			}
		case 'm':
			fields := strings.Fields(value)
			if len(fields) < 3 || !strings.EqualFold(fields[0], "video") {
				continue
			}
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return offer{}, fmt.Errorf("invalid media port %q", fields[1])
			}
			o.Port = port
			if strings.HasPrefix(strings.ToUpper(fields[2]), "TCP/") {
				o.Transport = signaling.TransportTCP
			}
		case 't':
			fields := strings.Fields(value)
			if len(fields) == 2 {
				o.From = sdpTime(fields[0])
				o.To = sdpTime(fields[1])
			}
		case 'y':
			if rest, ok := cutPrefixFold(value, "playback"); ok {
				o.Playback = true
				parseLegacyPlayback(&o, rest)
				continue
			}
			o.SSRC = value
		}
	}
	if o.IP == "" {
		o.IP = sessionIP
	}
	if net.ParseIP(o.IP) == nil {
		return offer{}, fmt.Errorf("missing or invalid connection address %q", o.IP)
	}
	if o.Port <= 0 || o.Port > 65535 {
		return offer{}, errors.New("missing video media line")
	}
	return o, nil
}

// sdpTime reads a t= bound. Platforms send Unix seconds; NTP seconds are
// accepted too. Zero means unbounded.
func sdpTime(field string) time.Time {
	v, err := strconv.ParseInt(field, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}
	}
	if v > ntpEpochOffset+1_000_000_000 {
		v -= ntpEpochOffset
	}
	return time.Unix(v, 0)
}

func parseLegacyPlayback(o *offer, rest string) {
	rest = strings.TrimPrefix(strings.TrimSpace(rest), ":")
	for _, part := range strings.Split(rest, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		at, err := time.Parse(legacyPlaybackLayout, strings.TrimSpace(value))
		if err != nil {
			continue
		}
		switch strings.ToLower(key) {
		case "starttime":
			o.From = at
		case "endtime":
			o.To = at
		}
	}
}

func cutPrefixFold(s string, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func sessionName(playback bool) string {
	if playback {
		return "Playback"
	}
	return "Play"
}

func rtpmapFor(payloadType int) string {
	switch payloadType {
	case 33:
		return "MP2T/90000"
	case 98:
		return "H264/90000"
	default:
		return "PS/90000"
	}
}

func buildAnswerSDP(owner string, ip string, port int, transport signaling.Transport, payloadType int, ssrc string, playback bool) string {
	proto := "RTP/AVP"
	if transport == signaling.TransportTCP {
		proto = "TCP/RTP/AVP"
	}
	lines := []string{
		"v=0",
		fmt.Sprintf("o=%s 0 0 IN IP4 %s", owner, ip),
		"s=" + sessionName(playback),
		fmt.Sprintf("c=IN IP4 %s", ip),
		"t=0 0",
		fmt.Sprintf("m=video %d %s %d", port, proto, payloadType),
		"a=sendonly",
		fmt.Sprintf("a=rtpmap:%d %s", payloadType, rtpmapFor(payloadType)),
	}
	if transport == signaling.TransportTCP {
		lines = append(lines, "a=setup:active", "a=connection:new")
	}
	lines = append(lines, "y="+ssrc, "")
	return strings.Join(lines, "\r\n")
}
