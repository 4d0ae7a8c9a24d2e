package catalog

import (
	"fmt"
)

const (
	// adminPrefixLen covers the 8-digit civil code and the 2-digit industry code.
	adminPrefixLen = 10
	channelType    = "131"
	altChannelType = "132"
	maxChannelIdx  = 999999
)

// DeriveChannelID builds the GB28181 code of channel index (1-based) under
// deviceID: the device's 10-digit administrative prefix, the camera type code
// 131 (132 when the device itself is typed 131), the device's network digit
// and the index as 6 digits. The result is stable for the same inputs.
func DeriveChannelID(deviceID string, index int) (string, error) {
	if !isGBCode(deviceID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	if index < 1 || index > maxChannelIdx {
		return "", fmt.Errorf("channel index %d out of range 1..%d", index, maxChannelIdx)
	}
	typeCode := channelType
	if deviceID[adminPrefixLen:adminPrefixLen+3] == channelType {
		typeCode = altChannelType
	}
	network := deviceID[adminPrefixLen+3 : adminPrefixLen+4]
	return fmt.Sprintf("%s%s%s%06d", deviceID[:adminPrefixLen], typeCode, network, index), nil
}

// CivilCode is the 6-digit administrative division of a GB28181 code.
func CivilCode(deviceID string) string {
	if len(deviceID) < 6 {
		return deviceID
	}
	return deviceID[:6]
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
