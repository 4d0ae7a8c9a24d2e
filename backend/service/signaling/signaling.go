// Package signaling defines the transport-neutral events the gateway core
// consumes and the actions it hands back to the wire codec.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gbrestreamer/gateway/backend/service/catalog"
)

// Event is one decoded inbound signal.
type Event interface {
	eventName() string
}

// Action is one outbound signal for the codec to encode and transmit.
type Action interface {
	actionName() string
}

// Sender transmits actions. Implementations must honor ctx deadlines.
type Sender interface {
	Send(ctx context.Context, action Action) error
}

// Handler consumes decoded events.
type Handler interface {
	HandleEvent(ctx context.Context, event Event)
}

type HandlerFunc func(ctx context.Context, event Event)

func (f HandlerFunc) HandleEvent(ctx context.Context, event Event) { f(ctx, event) }

// Name is a short label for logs and metrics.
func Name(v any) string {
	switch x := v.(type) {
	case Event:
		return x.eventName()
	case Action:
		return x.actionName()
	}
	return fmt.Sprintf("%T", v)
}

type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// Destination is where RTP must be delivered.
type Destination struct {
	IP        string    `json:"ip"`
	Port      int       `json:"port"`
	Transport Transport `json:"transport"`
}

func (d Destination) String() string {
	return fmt.Sprintf("%s://%s:%d", d.Transport, d.IP, d.Port)
}

// Inbound events.

type RegisterAck struct {
	Success       bool
	ExpirySeconds int
	StatusCode    int
	Reason        string
}

type CatalogQuery struct {
	SerialNumber string
	DeviceID     string
}

type DeviceInfoQuery struct {
	SerialNumber string
	DeviceID     string
}

type DeviceStatusQuery struct {
	SerialNumber string
	DeviceID     string
}

type KeepaliveAck struct {
	SerialNumber string
}

type RecordQuery struct {
	SerialNumber string
	DeviceID     string
	StartTime    time.Time
	EndTime      time.Time
}

// MalformedQuery is a query whose body could not be decoded. It still gets an
// error response when a serial number could be recovered.
type MalformedQuery struct {
	SerialNumber string
	CmdType      string
	Reason       string
}

type UnsupportedQuery struct {
	SerialNumber string
	CmdType      string
}

// SessionStart asks for media on a channel. SessionID is optional; the SIP
// codec fills it with the dialog Call-ID. Playback is set when recorded
// media is requested instead of live media.
type SessionStart struct {
	SessionID   string
	ChannelID   string
	Destination Destination
	SSRC        string
	Playback    *TimeRange
}

// TimeRange bounds a playback request. A zero end is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

type SessionEnd struct {
	SessionID string
}

func (RegisterAck) eventName() string       { return "RegisterAck" }
func (CatalogQuery) eventName() string      { return "CatalogQuery" }
func (DeviceInfoQuery) eventName() string   { return "DeviceInfoQuery" }
func (DeviceStatusQuery) eventName() string { return "DeviceStatusQuery" }
func (KeepaliveAck) eventName() string      { return "KeepaliveAck" }
func (RecordQuery) eventName() string       { return "RecordQuery" }
func (MalformedQuery) eventName() string    { return "MalformedQuery" }
func (UnsupportedQuery) eventName() string  { return "UnsupportedQuery" }
func (SessionStart) eventName() string      { return "SessionStart" }
func (SessionEnd) eventName() string        { return "SessionEnd" }

// Outbound actions.

type Credentials struct {
	Username string
	Password string
}

type Register struct {
	DeviceID      string
	Credentials   Credentials
	ExpirySeconds int
}

// Unregister is a Register with zero expiry, sent on shutdown.
type Unregister struct {
	DeviceID    string
	Credentials Credentials
}

type Keepalive struct {
	DeviceID     string
	SerialNumber string
}

// CatalogResponse is one page of a catalog answer. DeviceEntry is set on the
// first page only; TotalCount counts every entry across all pages, the device
// entry included.
type CatalogResponse struct {
	SerialNumber string
	DeviceEntry  *catalog.Device
	ChannelPage  []catalog.Channel
	PageIndex    int
	PageCount    int
	TotalCount   int
}

// EntryCount is the number of catalog items carried by this page.
func (r CatalogResponse) EntryCount() int {
	n := len(r.ChannelPage)
	if r.DeviceEntry != nil {
		n++
	}
	return n
}

type DeviceInfoResponse struct {
	SerialNumber string
	Device       catalog.Device
	ChannelCount int
}

type DeviceStatusResponse struct {
	SerialNumber string
	DeviceID     string
	Online       bool
	DeviceTime   time.Time
}

type Record struct {
	ChannelID string
	Name      string
	FilePath  string
	Address   string
	StartTime time.Time
	EndTime   time.Time
	FileSize  int64
	Type      string
}

type RecordResponse struct {
	SerialNumber string
	DeviceID     string
	Records      []Record
}

type ErrorResponse struct {
	SerialNumber string
	CmdType      string
	DeviceID     string
	Reason       string
}

// SessionAnswer is the final answer to a SessionStart. Err set means reject.
type SessionAnswer struct {
	SessionID string
	ChannelID string
	SSRC      string
	LocalIP   string
	LocalPort int
	Err       error
}

// SessionTerminated tells the platform that the gateway ended a session on its own.
type SessionTerminated struct {
	SessionID string
	ChannelID string
	Reason    string
}

func (Register) actionName() string             { return "Register" }
func (Unregister) actionName() string           { return "Unregister" }
func (Keepalive) actionName() string            { return "Keepalive" }
func (CatalogResponse) actionName() string      { return "CatalogResponse" }
func (DeviceInfoResponse) actionName() string   { return "DeviceInfoResponse" }
func (DeviceStatusResponse) actionName() string { return "DeviceStatusResponse" }
func (RecordResponse) actionName() string       { return "RecordResponse" }
func (ErrorResponse) actionName() string        { return "ErrorResponse" }
func (SessionAnswer) actionName() string        { return "SessionAnswer" }
func (SessionTerminated) actionName() string    { return "SessionTerminated" }

// ErrBusy marks a SessionAnswer rejected because the channel is already streaming.
var ErrBusy = errors.New("channel busy")

// ErrNoRecording marks a SessionAnswer for a playback range no recording covers.
var ErrNoRecording = errors.New("no recording in requested range")

// ProtocolError marks a request that was understood well enough to answer
// but not well enough to serve.
type ProtocolError struct {
	SerialNumber string
	Reason       string
}

func (e *ProtocolError) Error() string {
	if e.SerialNumber == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error (sn=%s): %s", e.SerialNumber, e.Reason)
}
