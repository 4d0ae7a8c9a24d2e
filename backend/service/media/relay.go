package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"gbrestreamer/gateway/backend/service/signaling"
)

// relay receives ffmpeg's RTP output on a leased port and forwards it to
// the platform with the negotiated SSRC and payload type.
type relay struct {
	conn    *net.UDPConn
	udpDest *net.UDPAddr
	tcpConn net.Conn

	ssrc        uint32
	payloadType uint8

	first     chan struct{}
	firstOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	lastPacket atomic.Int64
	packets    atomic.Uint64
	bytes      atomic.Uint64
	dropped    atomic.Uint64

	errMu sync.Mutex
	err   error
}

// RelayStats is a point-in-time copy of relay counters.
type RelayStats struct {
	Packets    uint64    `json:"packets"`
	Bytes      uint64    `json:"bytes"`
	Dropped    uint64    `json:"dropped"`
	LastPacket time.Time `json:"lastPacket"`
}

// newRelay binds port on all interfaces. ffmpeg sends to it over loopback and
// the same socket is the announced media origin for UDP destinations.
func newRelay(port int, dest signaling.Destination, ssrc uint32, payloadType uint8, dialTimeout time.Duration) (*relay, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind media port %d: %w", port, err)
	}
	r := &relay{
		conn:        conn,
		ssrc:        ssrc,
		payloadType: payloadType,
		first:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	switch dest.Transport {
	case signaling.TransportTCP:
		dialer := net.Dialer{Timeout: dialTimeout, LocalAddr: &net.TCPAddr{Port: port}}
		tcpConn, err := dialer.Dial("tcp", net.JoinHostPort(dest.IP, fmt.Sprint(dest.Port)))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("connect media destination %s: %w", dest, err)
		}
		r.tcpConn = tcpConn
	default:
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(dest.IP, fmt.Sprint(dest.Port)))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("resolve media destination %s: %w", dest, err)
		}
		r.udpDest = addr
	}
	return r, nil
}

func (r *relay) run() {
	defer r.close(nil)
	buf := make([]byte, 2048)
	var packet rtp.Packet
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.close(fmt.Errorf("read ffmpeg output: %w", err))
			return
		}
		if from == nil || !from.IP.IsLoopback() {
			r.dropped.Add(1)
			continue
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			r.dropped.Add(1)
			continue
		}
		packet.SSRC = r.ssrc
		packet.PayloadType = r.payloadType
		out, err := packet.Marshal()
		if err != nil {
			r.dropped.Add(1)
			continue
		}
		if err := r.forward(out); err != nil {
			r.close(err)
			return
		}
		r.packets.Add(1)
		r.bytes.Add(uint64(len(out)))
		r.lastPacket.Store(time.Now().UnixNano())
		r.firstOnce.Do(func() { close(r.first) })
	}
}

func (r *relay) forward(payload []byte) error {
	if r.tcpConn != nil {
		if len(payload) > 0xffff {
			r.dropped.Add(1)
			return nil
		}
		frame := make([]byte, 2+len(payload))
		binary.BigEndian.PutUint16(frame, uint16(len(payload)))
		copy(frame[2:], payload)
		if _, err := r.tcpConn.Write(frame); err != nil {
			return fmt.Errorf("write media tcp: %w", err)
		}
		return nil
	}
	if _, err := r.conn.WriteToUDP(payload, r.udpDest); err != nil {
		// ICMP unreachable surfaces here; the platform may not be listening yet.
		r.dropped.Add(1)
	}
	return nil
}

// idle reports how long ago the last packet was forwarded. Before the first
// packet it reports since.
func (r *relay) idle(since time.Time) time.Duration {
	last := r.lastPacket.Load()
	if last == 0 {
		return time.Since(since)
	}
	return time.Since(time.Unix(0, last))
}

func (r *relay) stats() RelayStats {
	stats := RelayStats{
		Packets: r.packets.Load(),
		Bytes:   r.bytes.Load(),
		Dropped: r.dropped.Load(),
	}
	if last := r.lastPacket.Load(); last != 0 {
		stats.LastPacket = time.Unix(0, last)
	}
	return stats
}

func (r *relay) failure() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *relay) close(err error) {
	r.closeOnce.Do(func() {
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		_ = r.conn.Close()
		if r.tcpConn != nil {
			_ = r.tcpConn.Close()
		}
		close(r.done)
	})
}
