// Package sip is the GB28181 device-side wire codec. It turns SIP/MANSCDP
// traffic with the platform into signaling events and encodes signaling
// actions back onto the wire over UDP or TCP.
package sip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gbrestreamer/gateway/backend/config"
	"gbrestreamer/gateway/backend/retry"
	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/signaling"
)

var ErrNotRunning = errors.New("sip client is not running")

const (
	defaultUserAgent = "GBGateway/1.0"
	pendingTTL       = time.Minute
)

type Options struct {
	DeviceID    string
	ServerID    string
	ServerIP    string
	ServerPort  int
	Domain      string
	LocalIP     string
	LocalPort   int
	Transport   signaling.Transport
	UserAgent   string
	MediaIP     string
	PayloadType int
	// RecordsPerMessage splits large RecordInfo answers across MESSAGEs.
	RecordsPerMessage int
}

func OptionsFromConfig(cfg config.Config) Options {
	transport := signaling.TransportUDP
	if strings.EqualFold(cfg.SIP.Transport, "tcp") {
		transport = signaling.TransportTCP
	}
	return Options{
		DeviceID:          cfg.Device.DeviceID,
		ServerID:          cfg.SIP.ServerID,
		ServerIP:          cfg.SIP.ServerIP,
		ServerPort:        cfg.SIP.ServerPort,
		Domain:            cfg.SIP.Domain,
		LocalIP:           cfg.SIP.LocalIP,
		LocalPort:         cfg.SIP.LocalPort,
		Transport:         transport,
		UserAgent:         cfg.SIP.UserAgent,
		MediaIP:           cfg.Media.AnnounceIP,
		PayloadType:       cfg.Media.PayloadType,
		RecordsPerMessage: 8,
	}
}

// Stats is the codec's runtime view for the admin API.
type Stats struct {
	Running     bool       `json:"running"`
	Transport   string     `json:"transport"`
	LocalAddr   string     `json:"localAddr"`
	ServerAddr  string     `json:"serverAddr"`
	Sent        uint64     `json:"sent"`
	Received    uint64     `json:"received"`
	Dialogs     int        `json:"dialogs"`
	LastError   string     `json:"lastError,omitempty"`
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`
}

type txKind string

const (
	txRegister   txKind = "register"
	txUnregister txKind = "unregister"
	txKeepalive  txKind = "keepalive"
	txMessage    txKind = "message"
	txBye        txKind = "bye"
)

type transaction struct {
	kind        txKind
	sn          string
	expiry      int
	credentials signaling.Credentials
	authTried   bool
	created     time.Time
}

// dialog is an INVITE received from the platform.
type dialog struct {
	invite    *Message
	offer     offer
	channelID string
	localTag  string
	answered  bool
	cseq      int
	reply     func(string) error
}

type Client struct {
	opts    Options
	handler signaling.Handler

	mu         sync.RWMutex
	running    bool
	udp        *net.UDPConn
	tcp        net.Conn
	serverAddr *net.UDPAddr
	localIP    string
	localPort  int
	ctx        context.Context
	cancel     context.CancelFunc
	events     chan signaling.Event
	wg         sync.WaitGroup

	writeMu sync.Mutex

	txMu      sync.Mutex
	pending   map[string]*transaction
	dialogs   map[string]*dialog
	regCallID string
	regTag    string
	cseq      atomic.Uint32

	sent     atomic.Uint64
	received atomic.Uint64

	errMu       sync.Mutex
	lastError   string
	lastErrorAt time.Time
}

func New(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Transport == "" {
		opts.Transport = signaling.TransportUDP
	}
	if opts.PayloadType <= 0 {
		opts.PayloadType = 96
	}
	if opts.RecordsPerMessage <= 0 {
		opts.RecordsPerMessage = 8
	}
	if opts.Domain == "" && len(opts.ServerID) >= 10 {
		opts.Domain = opts.ServerID[:10]
	}
	return &Client{
		opts:    opts,
		pending: make(map[string]*transaction),
		dialogs: make(map[string]*dialog),
	}
}

// SetHandler installs the consumer of decoded events. Call before Start.
func (c *Client) SetHandler(h signaling.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	server := net.JoinHostPort(c.opts.ServerIP, strconv.Itoa(c.opts.ServerPort))
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return fmt.Errorf("resolve sip server %s: %w", server, err)
	}
	c.serverAddr = serverAddr

	runCtx, cancel := context.WithCancel(context.Background())
	c.ctx = runCtx
	c.cancel = cancel
	c.events = make(chan signaling.Event, 256)

	listenIP := strings.TrimSpace(c.opts.LocalIP)
	switch c.opts.Transport {
	case signaling.TransportTCP:
		conn, err := c.dialTCP(ctx)
		if err != nil {
			cancel()
			return err
		}
		c.tcp = conn
		c.localPort = conn.LocalAddr().(*net.TCPAddr).Port
		c.wg.Add(1)
		go c.tcpLoop(runCtx)
	default:
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(listenIP), Port: c.opts.LocalPort})
		if err != nil {
			cancel()
			return fmt.Errorf("listen sip udp: %w", err)
		}
		c.udp = conn
		c.localPort = conn.LocalAddr().(*net.UDPAddr).Port
		c.wg.Add(1)
		go c.udpLoop(runCtx, conn)
	}

	c.localIP = listenIP
	if c.localIP == "" || c.localIP == "0.0.0.0" {
		c.localIP = firstNonEmpty(detectOutboundIP(server), "127.0.0.1")
	}
	c.txMu.Lock()
	c.regCallID = generateToken(8) + "@" + c.localIP
	c.regTag = generateToken(4)
	c.txMu.Unlock()

	c.running = true
	c.wg.Add(1)
	go c.eventLoop(runCtx, c.events)
	log.Printf("[sip] %s client started local=%s:%d server=%s", c.opts.Transport, c.localIP, c.localPort, server)
	return nil
}

func (c *Client) dialTCP(ctx context.Context) (net.Conn, error) {
	server := net.JoinHostPort(c.opts.ServerIP, strconv.Itoa(c.opts.ServerPort))
	dialer := net.Dialer{Timeout: 10 * time.Second}
	if c.opts.LocalPort > 0 {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(c.opts.LocalIP), Port: c.opts.LocalPort}
	}
	conn, err := dialer.DialContext(ctx, "tcp", server)
	if err != nil {
		return nil, fmt.Errorf("dial sip tcp %s: %w", server, err)
	}
	return conn, nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	if c.udp != nil {
		_ = c.udp.Close()
		c.udp = nil
	}
	if c.tcp != nil {
		_ = c.tcp.Close()
		c.tcp = nil
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.txMu.Lock()
	c.pending = make(map[string]*transaction)
	c.dialogs = make(map[string]*dialog)
	c.txMu.Unlock()
	log.Printf("[sip] client stopped")
	return nil
}

func (c *Client) Stats() Stats {
	c.mu.RLock()
	st := Stats{
		Running:    c.running,
		Transport:  string(c.opts.Transport),
		ServerAddr: net.JoinHostPort(c.opts.ServerIP, strconv.Itoa(c.opts.ServerPort)),
	}
	if c.running {
		st.LocalAddr = net.JoinHostPort(c.localIP, strconv.Itoa(c.localPort))
	}
	c.mu.RUnlock()
	st.Sent = c.sent.Load()
	st.Received = c.received.Load()
	c.txMu.Lock()
	st.Dialogs = len(c.dialogs)
	c.txMu.Unlock()
	c.errMu.Lock()
	if c.lastError != "" {
		at := c.lastErrorAt
		st.LastError = c.lastError
		st.LastErrorAt = &at
	}
	c.errMu.Unlock()
	return st
}

// LocalIP is the address announced in Contact headers and default SDP answers.
func (c *Client) LocalIP() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return firstNonEmpty(c.opts.MediaIP, c.localIP)
}

// Send encodes one action and writes it to the platform.
func (c *Client) Send(ctx context.Context, action signaling.Action) error {
	if !c.isRunning() {
		return ErrNotRunning
	}
	switch a := action.(type) {
	case signaling.Register:
		return c.sendRegister(ctx, &transaction{kind: txRegister, expiry: a.ExpirySeconds, credentials: a.Credentials}, "")
	case signaling.Unregister:
		return c.sendRegister(ctx, &transaction{kind: txUnregister, credentials: a.Credentials}, "")
	case signaling.Keepalive:
		body, err := encodeKeepalive(a)
		if err != nil {
			return err
		}
		return c.sendMessage(ctx, body, &transaction{kind: txKeepalive, sn: a.SerialNumber})
	case signaling.CatalogResponse:
		body, err := EncodeCatalog(a)
		if err != nil {
			return err
		}
		return c.sendMessage(ctx, body, &transaction{kind: txMessage, sn: a.SerialNumber})
	case signaling.DeviceInfoResponse:
		body, err := encodeDeviceInfo(a)
		if err != nil {
			return err
		}
		return c.sendMessage(ctx, body, &transaction{kind: txMessage, sn: a.SerialNumber})
	case signaling.DeviceStatusResponse:
		body, err := encodeDeviceStatus(a)
		if err != nil {
			return err
		}
		return c.sendMessage(ctx, body, &transaction{kind: txMessage, sn: a.SerialNumber})
	case signaling.RecordResponse:
		bodies, err := encodeRecords(a, c.opts.RecordsPerMessage)
		if err != nil {
			return err
		}
		for _, body := range bodies {
			if err := c.sendMessage(ctx, body, &transaction{kind: txMessage, sn: a.SerialNumber}); err != nil {
				return err
			}
		}
		return nil
	case signaling.ErrorResponse:
		body, err := encodeError(a)
		if err != nil {
			return err
		}
		return c.sendMessage(ctx, body, &transaction{kind: txMessage, sn: a.SerialNumber})
	case signaling.SessionAnswer:
		return c.answerInvite(a)
	case signaling.SessionTerminated:
		return c.terminate(ctx, a)
	}
	return fmt.Errorf("sip: unsupported action %s", signaling.Name(action))
}

func (c *Client) isRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Client) domainURI(user string) string {
	return fmt.Sprintf("sip:%s@%s", user, firstNonEmpty(c.opts.Domain, c.opts.ServerIP))
}

func (c *Client) serverURI() string {
	return fmt.Sprintf("sip:%s@%s", c.opts.ServerID, net.JoinHostPort(c.opts.ServerIP, strconv.Itoa(c.opts.ServerPort)))
}

func (c *Client) via() string {
	proto := "UDP"
	if c.opts.Transport == signaling.TransportTCP {
		proto = "TCP"
	}
	c.mu.RLock()
	host, port := c.localIP, c.localPort
	c.mu.RUnlock()
	return fmt.Sprintf("SIP/2.0/%s %s:%d;rport;branch=z9hG4bK%s", proto, host, port, generateToken(6))
}

func (c *Client) contact() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("<sip:%s@%s>", c.opts.DeviceID, net.JoinHostPort(c.localIP, strconv.Itoa(c.localPort)))
}

func (c *Client) sendRegister(ctx context.Context, tx *transaction, authorization string) error {
	expiry := tx.expiry
	if tx.kind == txUnregister {
		expiry = 0
	}
	uri := c.domainURI(c.opts.ServerID)
	if c.opts.Domain == "" {
		uri = c.serverURI()
	}
	c.txMu.Lock()
	callID, tag := c.regCallID, c.regTag
	tx.created = time.Now()
	c.pending[callID] = tx
	c.pruneLocked()
	c.txMu.Unlock()

	authKey := "Authorization"
	if strings.HasPrefix(authorization, "proxy:") {
		authKey = "Proxy-Authorization"
		authorization = strings.TrimPrefix(authorization, "proxy:")
	}
	payload := buildRequest("REGISTER", uri, []header{
		{"Via", c.via()},
		{"From", fmt.Sprintf("<%s>;tag=%s", c.domainURI(c.opts.DeviceID), tag)},
		{"To", fmt.Sprintf("<%s>", c.domainURI(c.opts.DeviceID))},
		{"Call-ID", callID},
		{"CSeq", fmt.Sprintf("%d REGISTER", c.cseq.Add(1))},
		{"Contact", c.contact()},
		{"Max-Forwards", "70"},
		{"User-Agent", c.opts.UserAgent},
		{authKey, authorization},
		{"Expires", strconv.Itoa(expiry)},
	}, "")
	return c.writeToServer(ctx, payload)
}

func (c *Client) sendMessage(ctx context.Context, body []byte, tx *transaction) error {
	callID := generateToken(8) + "@" + c.LocalIP()
	c.txMu.Lock()
	tx.created = time.Now()
	c.pending[callID] = tx
	c.pruneLocked()
	c.txMu.Unlock()

	payload := buildRequest("MESSAGE", c.serverURI(), []header{
		{"Via", c.via()},
		{"From", fmt.Sprintf("<%s>;tag=%s", c.domainURI(c.opts.DeviceID), generateToken(4))},
		{"To", fmt.Sprintf("<%s>", c.domainURI(c.opts.ServerID))},
		{"Call-ID", callID},
		{"CSeq", "1 MESSAGE"},
		{"Content-Type", manscdpType},
		{"Max-Forwards", "70"},
		{"User-Agent", c.opts.UserAgent},
	}, string(body))
	if err := c.writeToServer(ctx, payload); err != nil {
		c.txMu.Lock()
		delete(c.pending, callID)
		c.txMu.Unlock()
		return err
	}
	return nil
}

func (c *Client) pruneLocked() {
	cutoff := time.Now().Add(-pendingTTL)
	for id, tx := range c.pending {
		if tx.created.Before(cutoff) {
			delete(c.pending, id)
		}
	}
}

func (c *Client) writeToServer(ctx context.Context, payload string) error {
	c.mu.RLock()
	udp, tcp, server := c.udp, c.tcp, c.serverAddr
	c.mu.RUnlock()
	deadline, hasDeadline := ctx.Deadline()
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	switch {
	case udp != nil:
		if hasDeadline {
			_ = udp.SetWriteDeadline(deadline)
		}
		_, err = udp.WriteToUDP([]byte(payload), server)
	case tcp != nil:
		c.writeMu.Lock()
		if hasDeadline {
			_ = tcp.SetWriteDeadline(deadline)
		} else {
			_ = tcp.SetWriteDeadline(time.Time{})
		}
		_, err = io.WriteString(tcp, payload)
		c.writeMu.Unlock()
	default:
		return ErrNotRunning
	}
	if err != nil {
		c.setLastError(err)
		return fmt.Errorf("sip write: %w", err)
	}
	c.sent.Add(1)
	return nil
}

func (c *Client) udpLoop(ctx context.Context, conn *net.UDPConn) {
	defer c.wg.Done()
	buffer := make([]byte, 64*1024)
	for {
		n, remote, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setLastError(err)
			continue
		}
		c.received.Add(1)
		raw := string(buffer[:n])
		if strings.TrimSpace(raw) == "" {
			continue
		}
		reply := func(payload string) error {
			if _, err := conn.WriteToUDP([]byte(payload), remote); err != nil {
				return err
			}
			c.sent.Add(1)
			return nil
		}
		c.handleRaw(ctx, raw, reply)
	}
}

func (c *Client) tcpLoop(ctx context.Context) {
	defer c.wg.Done()
	backoff := retry.New(time.Second, 30*time.Second, 2, 0.2)
	failures := 0
	for {
		c.mu.RLock()
		conn := c.tcp
		c.mu.RUnlock()
		if conn != nil {
			failures = 0
			c.readTCP(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		if retry.Wait(ctx, backoff.Delay(failures)) != nil {
			return
		}
		next, err := c.dialTCP(ctx)
		if err != nil {
			c.setLastError(err)
			c.mu.Lock()
			c.tcp = nil
			c.mu.Unlock()
			continue
		}
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.tcp = next
		c.mu.Unlock()
		log.Printf("[sip][warn] tcp connection to platform re-established")
	}
}

func (c *Client) readTCP(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	reply := func(payload string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if _, err := io.WriteString(conn, payload); err != nil {
			return err
		}
		c.sent.Add(1)
		return nil
	}
	for {
		raw, err := readPacket(reader)
		if err != nil {
			if ctx.Err() == nil {
				c.setLastError(err)
				log.Printf("[sip][warn] tcp connection lost: %v", err)
			}
			_ = conn.Close()
			return
		}
		c.received.Add(1)
		c.handleRaw(ctx, raw, reply)
	}
}

func (c *Client) handleRaw(ctx context.Context, raw string, reply func(string) error) {
	msg, err := ParseMessage(raw)
	if err != nil {
		c.setLastError(err)
		return
	}
	if msg.IsResponse {
		c.handleResponse(ctx, msg)
		return
	}
	c.handleRequest(msg, reply)
}

func (c *Client) handleResponse(ctx context.Context, msg *Message) {
	if msg.StatusCode < 200 {
		return
	}
	callID := msg.Header("Call-ID")
	c.txMu.Lock()
	tx := c.pending[callID]
	if tx != nil {
		delete(c.pending, callID)
	}
	c.txMu.Unlock()
	if tx == nil {
		return
	}

	switch tx.kind {
	case txRegister, txUnregister:
		if (msg.StatusCode == 401 || msg.StatusCode == 407) && !tx.authTried {
			c.retryWithDigest(ctx, tx, msg)
			return
		}
		if tx.kind == txUnregister {
			if msg.StatusCode != 200 {
				log.Printf("[sip][warn] unregister answered %d %s", msg.StatusCode, msg.Reason)
			}
			return
		}
		ack := signaling.RegisterAck{
			Success:    msg.StatusCode == 200,
			StatusCode: msg.StatusCode,
			Reason:     msg.Reason,
		}
		if ack.Success {
			ack.ExpirySeconds = parseExpires(msg.Header("Expires"), msg.Header("Contact"), tx.expiry)
		}
		c.deliver(ctx, ack)
	case txKeepalive:
		if msg.StatusCode == 200 {
			c.deliver(ctx, signaling.KeepaliveAck{SerialNumber: tx.sn})
			return
		}
		log.Printf("[sip][warn] keepalive sn=%s answered %d %s", tx.sn, msg.StatusCode, msg.Reason)
	default:
		if msg.StatusCode >= 300 {
			log.Printf("[sip][warn] %s sn=%s answered %d %s", tx.kind, tx.sn, msg.StatusCode, msg.Reason)
		}
	}
}

func (c *Client) retryWithDigest(ctx context.Context, tx *transaction, challenge *Message) {
	header := challenge.Header("WWW-Authenticate")
	prefix := ""
	if challenge.StatusCode == 407 {
		header = challenge.Header("Proxy-Authenticate")
		prefix = "proxy:"
	}
	uri := c.domainURI(c.opts.ServerID)
	if c.opts.Domain == "" {
		uri = c.serverURI()
	}
	username := firstNonEmpty(tx.credentials.Username, c.opts.DeviceID)
	auth, err := digestAuthorization(header, "REGISTER", uri, username, tx.credentials.Password, generateToken(8))
	if err != nil {
		log.Printf("[sip][warn] cannot answer digest challenge: %v", err)
		if tx.kind == txRegister {
			c.deliver(ctx, signaling.RegisterAck{StatusCode: challenge.StatusCode, Reason: err.Error()})
		}
		return
	}
	tx.authTried = true
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.sendRegister(sendCtx, tx, prefix+auth); err != nil && tx.kind == txRegister {
		c.deliver(ctx, signaling.RegisterAck{StatusCode: challenge.StatusCode, Reason: err.Error()})
	}
}

// deliver hands responses to the handler inline; they only feed channels and counters.
func (c *Client) deliver(ctx context.Context, ev signaling.Event) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h != nil {
		h.HandleEvent(ctx, ev)
	}
}

// enqueue hands requests to the event worker so reads never wait on handlers.
func (c *Client) enqueue(ev signaling.Event) {
	c.mu.RLock()
	events, ctx := c.events, c.ctx
	c.mu.RUnlock()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) eventLoop(ctx context.Context, events <-chan signaling.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			c.deliver(ctx, ev)
		}
	}
}

func (c *Client) handleRequest(msg *Message, reply func(string) error) {
	respond := func(code int, reason string, toTag string, extra []header, body string) {
		if err := reply(buildResponse(msg, code, reason, toTag, append([]header{{"User-Agent", c.opts.UserAgent}}, extra...), body)); err != nil {
			c.setLastError(err)
		}
	}
	callID := msg.Header("Call-ID")
	switch msg.Method {
	case "MESSAGE":
		respond(200, "OK", "", nil, "")
		if ev := DecodeRequest([]byte(msg.Body)); ev != nil {
			c.enqueue(ev)
		}
	case "INVITE":
		c.handleInvite(msg, reply, respond)
	case "ACK":
	case "BYE":
		c.txMu.Lock()
		d := c.dialogs[callID]
		delete(c.dialogs, callID)
		c.txMu.Unlock()
		if d == nil {
			respond(481, "Call/Transaction Does Not Exist", "", nil, "")
			return
		}
		respond(200, "OK", d.localTag, nil, "")
		c.enqueue(signaling.SessionEnd{SessionID: callID})
	case "CANCEL":
		respond(200, "OK", "", nil, "")
		c.txMu.Lock()
		d := c.dialogs[callID]
		if d != nil && !d.answered {
			delete(c.dialogs, callID)
		}
		c.txMu.Unlock()
		if d != nil && !d.answered {
			if err := d.reply(buildResponse(d.invite, 487, "Request Terminated", d.localTag, nil, "")); err != nil {
				c.setLastError(err)
			}
			c.enqueue(signaling.SessionEnd{SessionID: callID})
		}
	case "OPTIONS":
		respond(200, "OK", "", []header{{"Allow", "INVITE, ACK, BYE, CANCEL, MESSAGE, OPTIONS"}}, "")
	default:
		respond(405, "Method Not Allowed", "", nil, "")
	}
}

func (c *Client) handleInvite(msg *Message, reply func(string) error, respond func(int, string, string, []header, string)) {
	callID := msg.Header("Call-ID")
	c.txMu.Lock()
	existing := c.dialogs[callID]
	c.txMu.Unlock()
	if existing != nil {
		// retransmission; the final answer is still pending or already sent
		respond(100, "Trying", existing.localTag, nil, "")
		return
	}
	tag := generateToken(4)
	respond(100, "Trying", tag, nil, "")

	o, err := parseOffer(msg.Body)
	if err != nil {
		log.Printf("[sip][warn] invite %s rejected: %v", callID, err)
		respond(488, "Not Acceptable Here", tag, nil, "")
		return
	}
	subject := strings.Split(msg.Header("Subject"), ",")
	channelID := firstNonEmpty(extractUser(msg.URI), strings.Split(subject[0], ":")[0])
	if o.SSRC == "" {
		if parts := strings.Split(subject[0], ":"); len(parts) == 2 {
			o.SSRC = strings.TrimSpace(parts[1])
		}
	}
	if channelID == "" {
		respond(400, "Bad Request", tag, nil, "")
		return
	}
	start := signaling.SessionStart{
		SessionID:   callID,
		ChannelID:   channelID,
		Destination: signaling.Destination{IP: o.IP, Port: o.Port, Transport: o.Transport},
		SSRC:        o.SSRC,
	}
	if o.Playback {
		start.Playback = &signaling.TimeRange{Start: o.From, End: o.To}
		log.Printf("[sip] invite %s for %s requests playback from=%s to=%s", callID, channelID, formatBound(o.From), formatBound(o.To))
	}
	c.txMu.Lock()
	c.dialogs[callID] = &dialog{invite: msg, offer: o, channelID: channelID, localTag: tag, reply: reply, cseq: 1}
	c.txMu.Unlock()
	c.enqueue(start)
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return t.Format(time.RFC3339)
}

func (c *Client) answerInvite(a signaling.SessionAnswer) error {
	c.txMu.Lock()
	d := c.dialogs[a.SessionID]
	if d != nil && a.Err != nil {
		delete(c.dialogs, a.SessionID)
	}
	c.txMu.Unlock()
	if d == nil {
		return fmt.Errorf("sip: no pending invite for session %s", a.SessionID)
	}
	if a.Err != nil {
		code, reason := 500, "Server Internal Error"
		switch {
		case errors.Is(a.Err, catalog.ErrUnknownChannel), errors.Is(a.Err, signaling.ErrNoRecording):
			code, reason = 404, "Not Found"
		case errors.Is(a.Err, signaling.ErrBusy):
			code, reason = 486, "Busy Here"
		}
		return d.reply(buildResponse(d.invite, code, reason, d.localTag, []header{
			{"User-Agent", c.opts.UserAgent},
			{"Warning", fmt.Sprintf(`399 %s "%s"`, c.opts.DeviceID, strings.ReplaceAll(a.Err.Error(), `"`, "'"))},
		}, ""))
	}
	ip := firstNonEmpty(a.LocalIP, c.LocalIP())
	ssrc := firstNonEmpty(a.SSRC, d.offer.SSRC)
	sdp := buildAnswerSDP(c.opts.DeviceID, ip, a.LocalPort, d.offer.Transport, c.opts.PayloadType, ssrc, d.offer.Playback)
	err := d.reply(buildResponse(d.invite, 200, "OK", d.localTag, []header{
		{"Contact", c.contact()},
		{"Content-Type", "application/sdp"},
		{"User-Agent", c.opts.UserAgent},
	}, sdp))
	if err == nil {
		c.txMu.Lock()
		d.answered = true
		c.txMu.Unlock()
	}
	return err
}

// terminate ends a dialog from the gateway side: MediaStatus notify, then BYE.
func (c *Client) terminate(ctx context.Context, a signaling.SessionTerminated) error {
	c.txMu.Lock()
	d := c.dialogs[a.SessionID]
	delete(c.dialogs, a.SessionID)
	c.txMu.Unlock()

	var errs []error
	channelID := a.ChannelID
	if d != nil {
		channelID = firstNonEmpty(channelID, d.channelID)
	}
	if channelID != "" {
		body, err := encodeMediaStatus(generateSN(), channelID)
		if err == nil {
			err = c.sendMessage(ctx, body, &transaction{kind: txMessage})
		}
		errs = append(errs, err)
	}
	if d == nil {
		return errors.Join(errs...)
	}
	if !d.answered {
		errs = append(errs, d.reply(buildResponse(d.invite, 480, "Temporarily Unavailable", d.localTag, nil, "")))
		return errors.Join(errs...)
	}

	target := firstNonEmpty(contactURI(d.invite.Header("Contact")), c.serverURI())
	callID := d.invite.Header("Call-ID")
	c.txMu.Lock()
	c.pending[callID] = &transaction{kind: txBye, created: time.Now()}
	d.cseq = parseCSeqNumber(d.invite.Header("CSeq")) + 1
	c.txMu.Unlock()
	bye := buildRequest("BYE", target, []header{
		{"Via", c.via()},
		{"From", ensureTag(d.invite.Header("To"), d.localTag)},
		{"To", d.invite.Header("From")},
		{"Call-ID", callID},
		{"CSeq", fmt.Sprintf("%d BYE", d.cseq)},
		{"Max-Forwards", "70"},
		{"User-Agent", c.opts.UserAgent},
		{"Reason", fmt.Sprintf(`SIP;text="%s"`, strings.ReplaceAll(a.Reason, `"`, "'"))},
	}, "")
	errs = append(errs, d.reply(bye))
	return errors.Join(errs...)
}

func contactURI(contact string) string {
	contact = strings.TrimSpace(contact)
	if start := strings.Index(contact, "<"); start >= 0 {
		if end := strings.Index(contact[start:], ">"); end > 0 {
			return contact[start+1 : start+end]
		}
	}
	if idx := strings.Index(contact, ";"); idx > 0 {
		return contact[:idx]
	}
	return contact
}

func (c *Client) setLastError(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	c.lastError = err.Error()
	c.lastErrorAt = time.Now()
	c.errMu.Unlock()
}
