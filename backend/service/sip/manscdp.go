package sip

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"gbrestreamer/gateway/backend/service/catalog"
	"gbrestreamer/gateway/backend/service/signaling"
)

// MANSCDP bodies are GB2312 XML. GBK is a superset, so it is used both ways.

const (
	xmlHeader      = `<?xml version="1.0" encoding="GB2312"?>` + "\r\n"
	manscdpType    = "Application/MANSCDP+xml"
	manscdpTimeFmt = "2006-01-02T15:04:05"
)

type catalogItemXML struct {
	DeviceID     string `xml:"DeviceID"`
	Name         string `xml:"Name"`
	Manufacturer string `xml:"Manufacturer"`
	Model        string `xml:"Model"`
	Owner        string `xml:"Owner"`
	CivilCode    string `xml:"CivilCode"`
	Address      string `xml:"Address"`
	Parental     int    `xml:"Parental"`
	ParentID     string `xml:"ParentID,omitempty"`
	SafetyWay    int    `xml:"SafetyWay"`
	RegisterWay  int    `xml:"RegisterWay"`
	Secrecy      int    `xml:"Secrecy"`
	Status       string `xml:"Status"`
}

type deviceListXML struct {
	Num   int              `xml:"Num,attr"`
	Items []catalogItemXML `xml:"Item"`
}

type catalogResponseXML struct {
	XMLName    xml.Name      `xml:"Response"`
	CmdType    string        `xml:"CmdType"`
	SN         string        `xml:"SN"`
	DeviceID   string        `xml:"DeviceID"`
	SumNum     int           `xml:"SumNum"`
	DeviceList deviceListXML `xml:"DeviceList"`
}

type deviceInfoXML struct {
	XMLName      xml.Name `xml:"Response"`
	CmdType      string   `xml:"CmdType"`
	SN           string   `xml:"SN"`
	DeviceID     string   `xml:"DeviceID"`
	DeviceName   string   `xml:"DeviceName"`
	Result       string   `xml:"Result"`
	Manufacturer string   `xml:"Manufacturer"`
	Model        string   `xml:"Model"`
	Firmware     string   `xml:"Firmware"`
	Channel      int      `xml:"Channel"`
	MaxCamera    int      `xml:"MaxCamera"`
	MaxAlarm     int      `xml:"MaxAlarm"`
}

type deviceStatusXML struct {
	XMLName     xml.Name `xml:"Response"`
	CmdType     string   `xml:"CmdType"`
	SN          string   `xml:"SN"`
	DeviceID    string   `xml:"DeviceID"`
	Result      string   `xml:"Result"`
	Online      string   `xml:"Online"`
	Status      string   `xml:"Status"`
	Encode      string   `xml:"Encode"`
	Record      string   `xml:"Record"`
	DeviceTime  string   `xml:"DeviceTime"`
	Alarmstatus struct {
		Num int `xml:"Num,attr"`
	} `xml:"Alarmstatus"`
}

type recordItemXML struct {
	DeviceID  string `xml:"DeviceID"`
	Name      string `xml:"Name"`
	FilePath  string `xml:"FilePath"`
	Address   string `xml:"Address"`
	StartTime string `xml:"StartTime"`
	EndTime   string `xml:"EndTime"`
	Secrecy   int    `xml:"Secrecy"`
	Type      string `xml:"Type"`
	FileSize  int64  `xml:"FileSize"`
}

type recordResponseXML struct {
	XMLName    xml.Name `xml:"Response"`
	CmdType    string   `xml:"CmdType"`
	SN         string   `xml:"SN"`
	DeviceID   string   `xml:"DeviceID"`
	Name       string   `xml:"Name"`
	SumNum     int      `xml:"SumNum"`
	RecordList struct {
		Num   int             `xml:"Num,attr"`
		Items []recordItemXML `xml:"Item"`
	} `xml:"RecordList"`
}

type errorResponseXML struct {
	XMLName  xml.Name `xml:"Response"`
	CmdType  string   `xml:"CmdType"`
	SN       string   `xml:"SN"`
	DeviceID string   `xml:"DeviceID"`
	Result   string   `xml:"Result"`
	Reason   string   `xml:"Reason,omitempty"`
}

type keepaliveXML struct {
	XMLName  xml.Name `xml:"Notify"`
	CmdType  string   `xml:"CmdType"`
	SN       string   `xml:"SN"`
	DeviceID string   `xml:"DeviceID"`
	Status   string   `xml:"Status"`
}

type mediaStatusXML struct {
	XMLName    xml.Name `xml:"Notify"`
	CmdType    string   `xml:"CmdType"`
	SN         string   `xml:"SN"`
	DeviceID   string   `xml:"DeviceID"`
	NotifyType string   `xml:"NotifyType"`
}

// queryXML covers every inbound Query field the gateway reads.
type queryXML struct {
	XMLName   xml.Name
	CmdType   string `xml:"CmdType"`
	SN        string `xml:"SN"`
	DeviceID  string `xml:"DeviceID"`
	StartTime string `xml:"StartTime"`
	EndTime   string `xml:"EndTime"`
	Type      string `xml:"Type"`
}

func encodeXML(v any) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	utf8Doc := append([]byte(xmlHeader), body...)
	utf8Doc = append(utf8Doc, '\r', '\n')
	encoder := encoding.ReplaceUnsupported(simplifiedchinese.GBK.NewEncoder())
	out, _, err := transform.Bytes(encoder, utf8Doc)
	if err != nil {
		return nil, fmt.Errorf("encode gb2312: %w", err)
	}
	return out, nil
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "gb2312", "gbk", "cp936":
		return transform.NewReader(input, simplifiedchinese.GBK.NewDecoder()), nil
	case "gb18030":
		return transform.NewReader(input, simplifiedchinese.GB18030.NewDecoder()), nil
	case "utf-8", "utf8", "":
		return input, nil
	}
	return nil, fmt.Errorf("unsupported charset %q", charset)
}

func decodeXML(body []byte, v any) error {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.CharsetReader = charsetReader
	return decoder.Decode(v)
}

func catalogDocument(resp signaling.CatalogResponse) catalogResponseXML {
	doc := catalogResponseXML{
		CmdType: "Catalog",
		SN:      resp.SerialNumber,
		SumNum:  resp.TotalCount,
	}
	items := make([]catalogItemXML, 0, resp.EntryCount())
	parentID := ""
	if resp.DeviceEntry != nil {
		d := resp.DeviceEntry
		doc.DeviceID = d.DeviceID
		parentID = d.DeviceID
		items = append(items, catalogItemXML{
			DeviceID:     d.DeviceID,
			Name:         d.Name,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			Owner:        d.Owner,
			CivilCode:    d.CivilCode,
			Address:      d.Address,
			Parental:     1,
			RegisterWay:  1,
			Status:       string(catalog.StatusOn),
		})
	}
	for _, ch := range resp.ChannelPage {
		if parentID == "" {
			parentID = ch.ParentID
		}
		if doc.DeviceID == "" {
			doc.DeviceID = ch.ParentID
		}
		items = append(items, catalogItemXML{
			DeviceID:     ch.ChannelID,
			Name:         ch.DisplayName,
			Manufacturer: ch.Manufacturer,
			Model:        ch.Model,
			Owner:        ch.Owner,
			CivilCode:    ch.CivilCode,
			Address:      ch.Address,
			ParentID:     ch.ParentID,
			RegisterWay:  1,
			Status:       string(ch.Status),
		})
	}
	doc.DeviceList = deviceListXML{Num: len(items), Items: items}
	return doc
}

// EncodeCatalog renders one catalog page as a GB2312 MANSCDP body.
func EncodeCatalog(resp signaling.CatalogResponse) ([]byte, error) {
	return encodeXML(catalogDocument(resp))
}

// CatalogBodySize is the encoded body size of one catalog page.
func CatalogBodySize(resp signaling.CatalogResponse) int {
	body, err := EncodeCatalog(resp)
	if err != nil {
		return 1 << 30
	}
	return len(body)
}

func encodeDeviceInfo(resp signaling.DeviceInfoResponse) ([]byte, error) {
	d := resp.Device
	return encodeXML(deviceInfoXML{
		CmdType:      "DeviceInfo",
		SN:           resp.SerialNumber,
		DeviceID:     d.DeviceID,
		DeviceName:   d.Name,
		Result:       "OK",
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		Firmware:     d.Firmware,
		Channel:      resp.ChannelCount,
		MaxCamera:    d.MaxCamera,
		MaxAlarm:     d.MaxAlarm,
	})
}

func encodeDeviceStatus(resp signaling.DeviceStatusResponse) ([]byte, error) {
	online := "OFFLINE"
	if resp.Online {
		online = "ONLINE"
	}
	return encodeXML(deviceStatusXML{
		CmdType:    "DeviceStatus",
		SN:         resp.SerialNumber,
		DeviceID:   resp.DeviceID,
		Result:     "OK",
		Online:     online,
		Status:     "OK",
		Encode:     "ON",
		Record:     "OFF",
		DeviceTime: resp.DeviceTime.Format(manscdpTimeFmt),
	})
}

// encodeRecords renders the records in chunks of perMessage items; every
// chunk repeats SumNum so the platform can reassemble them.
func encodeRecords(resp signaling.RecordResponse, perMessage int) ([][]byte, error) {
	if perMessage <= 0 {
		perMessage = len(resp.Records)
	}
	total := len(resp.Records)
	bodies := make([][]byte, 0, 1)
	for start := 0; start == 0 || start < total; start += perMessage {
		end := start + perMessage
		if end > total {
			end = total
		}
		doc := recordResponseXML{
			CmdType:  "RecordInfo",
			SN:       resp.SerialNumber,
			DeviceID: resp.DeviceID,
			Name:     resp.DeviceID,
			SumNum:   total,
		}
		for _, r := range resp.Records[start:end] {
			doc.RecordList.Items = append(doc.RecordList.Items, recordItemXML{
				DeviceID:  firstNonEmpty(r.ChannelID, resp.DeviceID),
				Name:      r.Name,
				FilePath:  r.FilePath,
				Address:   r.Address,
				StartTime: r.StartTime.Format(manscdpTimeFmt),
				EndTime:   r.EndTime.Format(manscdpTimeFmt),
				Type:      firstNonEmpty(r.Type, "time"),
				FileSize:  r.FileSize,
			})
		}
		doc.RecordList.Num = len(doc.RecordList.Items)
		body, err := encodeXML(doc)
		if err != nil {
			return nil, err
		}
		bodies = append(bodies, body)
		if total == 0 {
			break
		}
	}
	return bodies, nil
}

func encodeError(resp signaling.ErrorResponse) ([]byte, error) {
	return encodeXML(errorResponseXML{
		CmdType:  firstNonEmpty(resp.CmdType, "Unknown"),
		SN:       resp.SerialNumber,
		DeviceID: resp.DeviceID,
		Result:   "ERROR",
		Reason:   resp.Reason,
	})
}

func encodeKeepalive(ka signaling.Keepalive) ([]byte, error) {
	return encodeXML(keepaliveXML{CmdType: "Keepalive", SN: ka.SerialNumber, DeviceID: ka.DeviceID, Status: "OK"})
}

// encodeMediaStatus renders the "media stream ended" notify (NotifyType 121).
func encodeMediaStatus(sn string, channelID string) ([]byte, error) {
	return encodeXML(mediaStatusXML{CmdType: "MediaStatus", SN: sn, DeviceID: channelID, NotifyType: "121"})
}

var snPattern = regexp.MustCompile(`(?i)<SN>\s*([0-9]+)\s*</SN>`)
var cmdPattern = regexp.MustCompile(`(?i)<CmdType>\s*([A-Za-z]+)\s*</CmdType>`)

// DecodeRequest turns an inbound MESSAGE body into an event. It returns nil
// for bodies that need no answer (notifies and responses from the platform).
func DecodeRequest(body []byte) signaling.Event {
	var q queryXML
	if err := decodeXML(body, &q); err != nil {
		mq := signaling.MalformedQuery{Reason: "invalid xml: " + err.Error()}
		if m := snPattern.FindSubmatch(body); m != nil {
			mq.SerialNumber = string(m[1])
		}
		if m := cmdPattern.FindSubmatch(body); m != nil {
			mq.CmdType = string(m[1])
		}
		return mq
	}
	root := q.XMLName.Local
	cmd := strings.TrimSpace(q.CmdType)
	sn := strings.TrimSpace(q.SN)
	deviceID := strings.TrimSpace(q.DeviceID)
	switch root {
	case "Query":
	case "Control":
		return signaling.UnsupportedQuery{SerialNumber: sn, CmdType: firstNonEmpty(cmd, "Control")}
	default:
		return nil
	}
	if sn == "" {
		return signaling.MalformedQuery{CmdType: cmd, Reason: "missing SN"}
	}
	if _, err := strconv.ParseUint(sn, 10, 64); err != nil {
		return signaling.MalformedQuery{SerialNumber: sn, CmdType: cmd, Reason: "SN is not numeric"}
	}
	switch strings.ToLower(cmd) {
	case "catalog":
		return signaling.CatalogQuery{SerialNumber: sn, DeviceID: deviceID}
	case "deviceinfo":
		return signaling.DeviceInfoQuery{SerialNumber: sn, DeviceID: deviceID}
	case "devicestatus":
		return signaling.DeviceStatusQuery{SerialNumber: sn, DeviceID: deviceID}
	case "recordinfo":
		start, err := parseManscdpTime(q.StartTime)
		if err != nil {
			return signaling.MalformedQuery{SerialNumber: sn, CmdType: cmd, Reason: "StartTime: " + err.Error()}
		}
		end, err := parseManscdpTime(q.EndTime)
		if err != nil {
			return signaling.MalformedQuery{SerialNumber: sn, CmdType: cmd, Reason: "EndTime: " + err.Error()}
		}
		return signaling.RecordQuery{SerialNumber: sn, DeviceID: deviceID, StartTime: start, EndTime: end}
	case "":
		return signaling.MalformedQuery{SerialNumber: sn, Reason: "missing CmdType"}
	}
	return signaling.UnsupportedQuery{SerialNumber: sn, CmdType: cmd}
}

func parseManscdpTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{manscdpTimeFmt, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}
