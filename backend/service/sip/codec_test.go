package sip

import (
	"bufio"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/signaling"
)

func TestParseMessage_RequestWithCompactHeaders(t *testing.T) {
	raw := "MESSAGE sip:34020000001320000001@3402000000 SIP/2.0\r\n" +
		"v: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK1\r\n" +
		"f: <sip:34020000002000000001@3402000000>;tag=abc\r\n" +
		"t: <sip:34020000001320000001@3402000000>\r\n" +
		"i: call-1\r\n" +
		"CSeq: 20 MESSAGE\r\n" +
		"l: 5\r\n\r\nhello trailing"
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.False(t, msg.IsResponse)
	assert.Equal(t, "MESSAGE", msg.Method)
	assert.Equal(t, "call-1", msg.Header("Call-ID"))
	assert.Equal(t, "MESSAGE", msg.CSeqMethod())
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "abc", headerTag(msg.Header("From")))
	assert.Equal(t, "34020000002000000001", extractUser(msg.Header("From")))
}

func TestParseMessage_RejectsGarbage(t *testing.T) {
	_, err := ParseMessage("   ")
	assert.Error(t, err)
	_, err = ParseMessage("HELLO\r\n\r\n")
	assert.Error(t, err)
	_, err = ParseMessage("SIP/2.0 abc OK\r\n\r\n")
	assert.Error(t, err)
}

func TestReadPacket_FramesByContentLength(t *testing.T) {
	stream := "\r\nSIP/2.0 200 OK\r\nCall-ID: a\r\nContent-Length: 3\r\n\r\nabcMESSAGE sip:x SIP/2.0\r\nContent-Length: 0\r\n\r\n"
	reader := bufio.NewReader(strings.NewReader(stream))

	first, err := readPacket(reader)
	require.NoError(t, err)
	msg, err := ParseMessage(first)
	require.NoError(t, err)
	assert.Equal(t, 200, msg.StatusCode)
	assert.Equal(t, "abc", msg.Body)

	second, err := readPacket(reader)
	require.NoError(t, err)
	msg, err = ParseMessage(second)
	require.NoError(t, err)
	assert.Equal(t, "MESSAGE", msg.Method)
}

func TestDigestAuthorization_WithQop(t *testing.T) {
	challenge := `Digest realm="3402000000",nonce="n0",qop="auth,auth-int",opaque="op",algorithm=MD5`
	got, err := digestAuthorization(challenge, "REGISTER", "sip:34020000002000000001@3402000000", "dev", "pw", "cn")
	require.NoError(t, err)

	ha1 := md5Hex("dev:3402000000:pw")
	ha2 := md5Hex("REGISTER:sip:34020000002000000001@3402000000")
	want := md5Hex(ha1 + ":n0:00000001:cn:auth:" + ha2)
	params := parseDigestParams(got)
	assert.Equal(t, want, params["response"])
	assert.Equal(t, "auth", params["qop"])
	assert.Equal(t, "op", params["opaque"])
	assert.Equal(t, "dev", params["username"])
}

func TestDigestAuthorization_WithoutQop(t *testing.T) {
	got, err := digestAuthorization(`Digest realm="r",nonce="n"`, "REGISTER", "sip:s@d", "u", "p", "cn")
	require.NoError(t, err)
	want := md5Hex(md5Hex("u:r:p") + ":n:" + md5Hex("REGISTER:sip:s@d"))
	assert.Equal(t, want, parseDigestParams(got)["response"])
	assert.NotContains(t, got, "qop")

	_, err = digestAuthorization(`Digest realm="r"`, "REGISTER", "sip:s@d", "u", "p", "cn")
	assert.Error(t, err)
	_, err = digestAuthorization(`Digest realm="r",nonce="n",algorithm=SHA-256`, "REGISTER", "sip:s@d", "u", "p", "cn")
	assert.Error(t, err)
}

func TestParseOffer(t *testing.T) {
	sdp := "v=0\r\no=34020000002000000001 0 0 IN IP4 10.0.0.5\r\ns=Play\r\nc=IN IP4 10.0.0.5\r\nt=0 0\r\n" +
		"m=video 30000 TCP/RTP/AVP 96 98\r\na=recvonly\r\na=setup:passive\r\ny=0200000001\r\n"
	o, err := parseOffer(sdp)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", o.IP)
	assert.Equal(t, 30000, o.Port)
	assert.Equal(t, signaling.TransportTCP, o.Transport)
	assert.Equal(t, "0200000001", o.SSRC)
	assert.False(t, o.Playback)

	o, err = parseOffer("v=0\r\ns=Playback\r\nc=IN IP4 10.0.0.6\r\nt=1714550400 1714554000\r\nm=video 4000 RTP/AVP 96\r\ny=1200000001\r\n")
	require.NoError(t, err)
	assert.True(t, o.Playback)
	assert.Equal(t, signaling.TransportUDP, o.Transport)
	assert.Equal(t, time.Unix(1714550400, 0), o.From)
	assert.Equal(t, time.Unix(1714554000, 0), o.To)
	assert.Equal(t, "1200000001", o.SSRC)

	o, err = parseOffer("v=0\r\ns=Playback\r\nc=IN IP4 10.0.0.6\r\nt=0 0\r\nm=video 4000 RTP/AVP 96\r\n")
	require.NoError(t, err)
	assert.True(t, o.Playback)
	assert.True(t, o.From.IsZero())
	assert.True(t, o.To.IsZero())

	o, err = parseOffer("v=0\r\ns=Play\r\nc=IN IP4 10.0.0.6\r\nm=video 4000 RTP/AVP 96\r\n" +
		"y=playback:starttime=20240501T080000Z;endtime=20240501T090000Z\r\n")
	require.NoError(t, err)
	assert.True(t, o.Playback)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), o.From)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), o.To)
	assert.Empty(t, o.SSRC)

	_, err = parseOffer("v=0\r\nc=IN IP4 10.0.0.6\r\n")
	assert.Error(t, err)
	_, err = parseOffer("v=0\r\nm=video 4000 RTP/AVP 96\r\n")
	assert.Error(t, err)
}

func TestBuildAnswerSDP(t *testing.T) {
	sdp := buildAnswerSDP("34020000001320000001", "192.168.1.2", 31000, signaling.TransportUDP, 33, "0200000001", false)
	assert.Contains(t, sdp, "s=Play\r\n")
	assert.Contains(t, sdp, "c=IN IP4 192.168.1.2\r\n")
	assert.Contains(t, sdp, "m=video 31000 RTP/AVP 33\r\n")
	assert.Contains(t, sdp, "a=rtpmap:33 MP2T/90000\r\n")
	assert.Contains(t, sdp, "y=0200000001\r\n")
	assert.NotContains(t, sdp, "a=setup")

	playback := buildAnswerSDP("34020000001320000001", "192.168.1.2", 31000, signaling.TransportTCP, 96, "1200000001", true)
	assert.Contains(t, playback, "s=Playback\r\n")
	assert.Contains(t, playback, "a=setup:active\r\n")
}

func testCatalogPage(names ...string) signaling.CatalogResponse {
	device := catalog.Device{DeviceID: "34020000001320000001", Name: "网关", CivilCode: "340200"}
	page := signaling.CatalogResponse{SerialNumber: "17", DeviceEntry: &device, TotalCount: len(names) + 1, PageCount: 1}
	for i, name := range names {
		id, _ := catalog.DeriveChannelID(device.DeviceID, i+1)
		page.ChannelPage = append(page.ChannelPage, catalog.Channel{
			ChannelID: id, DisplayName: name, Status: catalog.StatusOn, ParentID: device.DeviceID, CivilCode: "340200",
		})
	}
	return page
}

func TestEncodeCatalog_GB2312RoundTrip(t *testing.T) {
	body, err := EncodeCatalog(testCatalogPage("大门", "lobby"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), `<?xml version="1.0" encoding="GB2312"?>`))
	assert.NotContains(t, string(body), "大门", "body must not be utf-8")

	var doc catalogResponseXML
	require.NoError(t, decodeXML(body, &doc))
	assert.Equal(t, "Catalog", doc.CmdType)
	assert.Equal(t, 3, doc.SumNum)
	require.Len(t, doc.DeviceList.Items, 3)
	assert.Equal(t, 3, doc.DeviceList.Num)
	assert.Equal(t, "网关", doc.DeviceList.Items[0].Name)
	assert.Equal(t, 1, doc.DeviceList.Items[0].Parental)
	assert.Equal(t, "大门", doc.DeviceList.Items[1].Name)
	assert.Equal(t, "34020000001320000001", doc.DeviceList.Items[1].ParentID)
	assert.Equal(t, "ON", doc.DeviceList.Items[2].Status)
}

func TestCatalogBodySize_GrowsWithEntries(t *testing.T) {
	one := CatalogBodySize(testCatalogPage("a"))
	two := CatalogBodySize(testCatalogPage("a", "b"))
	assert.Greater(t, one, 0)
	assert.Greater(t, two, one)
}

func TestEncodeRecords_SplitsAndKeepsSumNum(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.Local)
	resp := signaling.RecordResponse{SerialNumber: "9", DeviceID: "34020000001310000001"}
	for i := 0; i < 5; i++ {
		resp.Records = append(resp.Records, signaling.Record{
			Name: "r", FilePath: "/rec/r.mp4", StartTime: start, EndTime: start.Add(time.Minute), FileSize: 10,
		})
	}
	bodies, err := encodeRecords(resp, 2)
	require.NoError(t, err)
	require.Len(t, bodies, 3)

	var last recordResponseXML
	require.NoError(t, decodeXML(bodies[2], &last))
	assert.Equal(t, 5, last.SumNum)
	assert.Equal(t, 1, last.RecordList.Num)
	assert.Equal(t, "2024-05-01T08:00:00", last.RecordList.Items[0].StartTime)
	assert.Equal(t, "time", last.RecordList.Items[0].Type)

	empty, err := encodeRecords(signaling.RecordResponse{SerialNumber: "10"}, 2)
	require.NoError(t, err)
	assert.Len(t, empty, 1)
}

func TestDecodeRequest(t *testing.T) {
	gb := func(s string) []byte {
		body, err := encodeXML(struct {
			XMLName  xml.Name `xml:"Query"`
			CmdType  string   `xml:"CmdType"`
			SN       string   `xml:"SN"`
			DeviceID string   `xml:"DeviceID"`
		}{CmdType: s, SN: "42", DeviceID: "34020000001320000001"})
		require.NoError(t, err)
		return body
	}
	assert.Equal(t, signaling.CatalogQuery{SerialNumber: "42", DeviceID: "34020000001320000001"}, DecodeRequest(gb("Catalog")))
	assert.Equal(t, signaling.DeviceInfoQuery{SerialNumber: "42", DeviceID: "34020000001320000001"}, DecodeRequest(gb("DeviceInfo")))
	assert.Equal(t, signaling.DeviceStatusQuery{SerialNumber: "42", DeviceID: "34020000001320000001"}, DecodeRequest(gb("DeviceStatus")))
	assert.Equal(t, signaling.UnsupportedQuery{SerialNumber: "42", CmdType: "Alarm"}, DecodeRequest(gb("Alarm")))

	record := DecodeRequest([]byte(`<?xml version="1.0"?><Query><CmdType>RecordInfo</CmdType><SN>7</SN>` +
		`<DeviceID>34020000001310000001</DeviceID><StartTime>2024-05-01T00:00:00</StartTime>` +
		`<EndTime>2024-05-02T00:00:00</EndTime></Query>`))
	rq, ok := record.(signaling.RecordQuery)
	require.True(t, ok)
	assert.Equal(t, "7", rq.SerialNumber)
	assert.Equal(t, 24*time.Hour, rq.EndTime.Sub(rq.StartTime))

	bad := DecodeRequest([]byte(`<Query><CmdType>RecordInfo</CmdType><SN>8</SN><StartTime>yesterday</StartTime></Query>`))
	assert.Equal(t, "8", bad.(signaling.MalformedQuery).SerialNumber)

	broken := DecodeRequest([]byte(`<Query><CmdType>Catalog</CmdType><SN>99</SN>`))
	mq, ok := broken.(signaling.MalformedQuery)
	require.True(t, ok)
	assert.Equal(t, "99", mq.SerialNumber)
	assert.Equal(t, "Catalog", mq.CmdType)

	assert.Equal(t, signaling.MalformedQuery{CmdType: "Catalog", Reason: "missing SN"},
		DecodeRequest([]byte(`<Query><CmdType>Catalog</CmdType></Query>`)))
	assert.Nil(t, DecodeRequest([]byte(`<Response><CmdType>Catalog</CmdType><SN>1</SN></Response>`)))
	assert.Equal(t, signaling.UnsupportedQuery{SerialNumber: "3", CmdType: "DeviceControl"},
		DecodeRequest([]byte(`<Control><CmdType>DeviceControl</CmdType><SN>3</SN></Control>`)))
}
