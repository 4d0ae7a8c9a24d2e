package sip

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

const sipVersion = "SIP/2.0"

// Message is one parsed SIP request or response.
type Message struct {
	Raw        string
	StartLine  string
	Method     string
	URI        string
	IsResponse bool
	StatusCode int
	Reason     string
	Headers    map[string][]string
	Body       string
}

func (m *Message) Header(name string) string {
	if m == nil {
		return ""
	}
	values := m.Headers[strings.ToLower(strings.TrimSpace(name))]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// CSeqMethod returns the method named in the CSeq header.
func (m *Message) CSeqMethod() string {
	parts := strings.Fields(m.Header("CSeq"))
	if len(parts) < 2 {
		return ""
	}
	return strings.ToUpper(parts[1])
}

var compactHeaders = map[string]string{
	"i": "call-id",
	"m": "contact",
	"e": "content-encoding",
	"l": "content-length",
	"c": "content-type",
	"f": "from",
	"s": "subject",
	"k": "supported",
	"t": "to",
	"v": "via",
}

func ParseMessage(raw string) (*Message, error) {
	raw = strings.TrimLeft(raw, "\r\n")
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty sip message")
	}
	headerPart := raw
	bodyPart := ""
	if idx := strings.Index(raw, "\r\n\r\n"); idx >= 0 {
		headerPart = raw[:idx]
		bodyPart = raw[idx+4:]
	} else if idx := strings.Index(raw, "\n\n"); idx >= 0 {
		headerPart = raw[:idx]
		bodyPart = raw[idx+2:]
	}
	lines := splitLines(headerPart)
	if len(lines) == 0 {
		return nil, errors.New("invalid sip message")
	}
	first := strings.TrimSpace(lines[0])
	msg := &Message{
		Raw:       raw,
		StartLine: first,
		Headers:   make(map[string][]string),
		Body:      strings.TrimRight(bodyPart, "\x00"),
	}
	if strings.HasPrefix(strings.ToUpper(first), sipVersion) {
		msg.IsResponse = true
		parts := strings.Fields(first)
		if len(parts) < 2 {
			return nil, errors.New("invalid sip status line")
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid sip status code %q", parts[1])
		}
		msg.StatusCode = code
		if len(parts) >= 3 {
			msg.Reason = strings.Join(parts[2:], " ")
		}
	} else {
		parts := strings.Fields(first)
		if len(parts) < 3 {
			return nil, errors.New("invalid sip request line")
		}
		msg.Method = strings.ToUpper(parts[0])
		msg.URI = parts[1]
	}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		if long, ok := compactHeaders[key]; ok {
			key = long
		}
		msg.Headers[key] = append(msg.Headers[key], strings.TrimSpace(line[idx+1:]))
	}
	if n, err := strconv.Atoi(msg.Header("Content-Length")); err == nil && n >= 0 && n < len(msg.Body) {
		msg.Body = msg.Body[:n]
	}
	return msg, nil
}

func splitLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	chunks := strings.Split(raw, "\n")
	lines := make([]string, 0, len(chunks))
	for _, line := range chunks {
		lines = append(lines, strings.TrimRight(line, "\x00"))
	}
	return lines
}

// readPacket reads one message from a stream transport using Content-Length framing.
func readPacket(reader *bufio.Reader) (string, error) {
	headers := make([]string, 0, 24)
	contentLength := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if len(headers) == 0 && trimmed == "" {
			// keepalive CRLF between messages
			continue
		}
		headers = append(headers, trimmed)
		if trimmed == "" {
			break
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "content-length:") || strings.HasPrefix(lower, "l:") {
			value := trimmed[strings.Index(trimmed, ":")+1:]
			contentLength, _ = strconv.Atoi(strings.TrimSpace(value))
			if contentLength < 0 {
				contentLength = 0
			}
		}
	}
	body := ""
	if contentLength > 0 {
		buffer := make([]byte, contentLength)
		if _, err := io.ReadFull(reader, buffer); err != nil {
			return "", err
		}
		body = string(buffer)
	}
	return strings.Join(headers, "\r\n") + "\r\n" + body, nil
}

// header is one outgoing header line; order is preserved on the wire.
type header struct {
	Key   string
	Value string
}

func buildRequest(method string, uri string, headers []header, body string) string {
	lines := make([]string, 0, len(headers)+4)
	lines = append(lines, fmt.Sprintf("%s %s %s", strings.ToUpper(method), uri, sipVersion))
	for _, h := range headers {
		if strings.TrimSpace(h.Value) == "" {
			continue
		}
		lines = append(lines, h.Key+": "+h.Value)
	}
	lines = append(lines, "Content-Length: "+strconv.Itoa(len(body)))
	lines = append(lines, "", body)
	return strings.Join(lines, "\r\n")
}

func buildResponse(req *Message, statusCode int, reason string, toTag string, extra []header, body string) string {
	lines := make([]string, 0, 16)
	lines = append(lines, fmt.Sprintf("%s %d %s", sipVersion, statusCode, reason))
	appendHeader := func(key string, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		lines = append(lines, key+": "+value)
	}
	for _, via := range req.Headers["via"] {
		appendHeader("Via", via)
	}
	appendHeader("From", req.Header("From"))
	appendHeader("To", ensureTag(req.Header("To"), toTag))
	appendHeader("Call-ID", req.Header("Call-ID"))
	appendHeader("CSeq", req.Header("CSeq"))
	for _, h := range extra {
		appendHeader(h.Key, h.Value)
	}
	lines = append(lines, "Content-Length: "+strconv.Itoa(len(body)))
	lines = append(lines, "", body)
	return strings.Join(lines, "\r\n")
}

func ensureTag(toHeader string, tag string) string {
	toHeader = strings.TrimSpace(toHeader)
	if toHeader == "" || strings.Contains(strings.ToLower(toHeader), ";tag=") {
		return toHeader
	}
	if tag == "" {
		tag = generateToken(4)
	}
	return toHeader + ";tag=" + tag
}

func headerTag(value string) string {
	lower := strings.ToLower(value)
	idx := strings.Index(lower, ";tag=")
	if idx < 0 {
		return ""
	}
	tag := value[idx+len(";tag="):]
	if end := strings.IndexAny(tag, ";> "); end >= 0 {
		tag = tag[:end]
	}
	return tag
}

// extractUser returns the user part of the first sip: URI in a header or URI.
func extractUser(header string) string {
	header = strings.TrimSpace(header)
	idx := strings.Index(strings.ToLower(header), "sip:")
	if idx < 0 {
		return ""
	}
	value := header[idx+4:]
	end := len(value)
	for _, sep := range []string{"@", ";", ">", " ", ":"} {
		if p := strings.Index(value, sep); p >= 0 && p < end {
			end = p
		}
	}
	if end <= 0 {
		return ""
	}
	return strings.TrimSpace(value[:end])
}

func parseExpires(header string, contact string, fallback int) int {
	if value, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && value >= 0 {
		return value
	}
	lower := strings.ToLower(contact)
	if idx := strings.Index(lower, "expires="); idx >= 0 {
		raw := contact[idx+len("expires="):]
		end := len(raw)
		for _, sep := range []string{";", ">", ","} {
			if p := strings.Index(raw, sep); p >= 0 && p < end {
				end = p
			}
		}
		if value, err := strconv.Atoi(strings.TrimSpace(raw[:end])); err == nil && value >= 0 {
			return value
		}
	}
	return fallback
}

func parseCSeqNumber(raw string) int {
	parts := strings.Fields(strings.TrimSpace(raw))
	if len(parts) == 0 {
		return 0
	}
	value, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	return value
}

// parseDigestParams splits a Digest challenge or credentials header. Quoted
// values may contain commas.
func parseDigestParams(header string) map[string]string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	if strings.HasPrefix(strings.ToLower(header), "digest ") {
		header = strings.TrimSpace(header[len("digest "):])
	}
	result := make(map[string]string)
	for len(header) > 0 {
		eq := strings.Index(header, "=")
		if eq <= 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(strings.TrimLeft(header[:eq], ", ")))
		rest := strings.TrimSpace(header[eq+1:])
		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				value = rest[1:]
				rest = ""
			} else {
				value = rest[1 : end+1]
				rest = rest[end+2:]
			}
		} else {
			end := strings.Index(rest, ",")
			if end < 0 {
				value = rest
				rest = ""
			} else {
				value = rest[:end]
				rest = rest[end:]
			}
		}
		result[key] = strings.TrimSpace(value)
		header = strings.TrimLeft(rest, ", ")
	}
	return result
}

func generateToken(bytesLen int) string {
	if bytesLen <= 0 {
		bytesLen = 16
	}
	bytes := make([]byte, bytesLen)
	if _, err := rand.Read(bytes); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(bytes)
}

func generateSN() string {
	return strconv.FormatInt(time.Now().UnixNano()%100000000, 10)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// detectOutboundIP returns the local address the kernel would use to reach remote.
func detectOutboundIP(remote string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remote))
	if err != nil || host == "" {
		return ""
	}
	conn, err := net.DialTimeout("udp", net.JoinHostPort(host, "9"), 2*time.Second)
	if err != nil {
		return ""
	}
	defer conn.Close()
	localHost, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return ""
	}
	return localHost
}
