package media

import (
	"fmt"
	"strconv"
	"strings"

	"gbrestreamer/gateway/backend/service/catalog"
)

// buildArgs returns the ffmpeg arguments that push source as RTP/MPEG-TS to a loopback port.
func buildArgs(source catalog.SourceDescriptor, videoCodec string, port int) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "warning"}
	switch source.Kind {
	case catalog.SourceRTSP:
		args = appendRTSPInputArgs(args, source.URI)
	case catalog.SourceRecording:
		args = append(args, "-re")
		if source.Offset > 0 {
			args = append(args, "-ss", strconv.FormatFloat(source.Offset.Seconds(), 'f', 3, 64))
		}
		args = append(args, "-i", source.Path)
	default:
		args = append(args, "-re", "-stream_loop", "-1", "-i", source.Path)
	}

	args = append(args, "-map", "0:v:0", "-map", "0:a:0?")
	codec := strings.TrimSpace(videoCodec)
	if codec == "" {
		codec = "libx264"
	}
	args = append(args, "-c:v", codec)
	if codec != "copy" {
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency", "-g", "50", "-bf", "0", "-pix_fmt", "yuv420p")
	}
	args = append(args, "-c:a", "aac", "-ar", "44100", "-ac", "1")
	args = append(args, "-f", "rtp_mpegts", fmt.Sprintf("rtp://127.0.0.1:%d?pkt_size=1316", port))
	return args
}

func appendRTSPInputArgs(args []string, uri string) []string {
	args = append(args,
		"-rtsp_transport", "tcp",
		"-rtsp_flags", "prefer_tcp",
		"-fflags", "+genpts+discardcorrupt",
		"-use_wallclock_as_timestamps", "1",
		"-timeout", "10000000",
		"-i", uri,
	)
	return args
}

func joinArgs(args []string) string {
	quoted := make([]string, 0, len(args))
	for _, arg := range args {
		if strings.ContainsAny(arg, " \t\"") {
			quoted = append(quoted, fmt.Sprintf("%q", arg))
			continue
		}
		quoted = append(quoted, arg)
	}
	return strings.Join(quoted, " ")
}
