// Package protocol defines the vendor control requests and payload
// layouts spoken to the measurement units, shared by the device layer
// and the test emulator.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/openlabtools/gosmu/calibration"
)

// Vendor control transfer request type bytes.
const (
	RequestTypeVendorIn  uint8 = 0xC0
	RequestTypeVendorOut uint8 = 0x40
)

// Vendor requests understood by normal-mode firmware.
const (
	ReqFirmwareVersion  uint8 = 0x01
	ReqHardwareVersion  uint8 = 0x02
	ReqCalibrationRead  uint8 = 0x03
	ReqCalibrationWrite uint8 = 0x04
	// ReqSambaMode switches the unit into its SAM-BA bootloader; the
	// device detaches immediately after acknowledging it.
	ReqSambaMode uint8 = 0xBB
)

// Vendor requests understood by the SAM-BA bootloader.
const (
	ReqFlashStatus uint8 = 0x11
	ReqReboot      uint8 = 0x12
)

const (
	// VersionBufferSize matches the fixed NUL-padded version buffers
	// the firmware reports.
	VersionBufferSize = 32
	// CalibrationPayloadSize is 8 channels x 3 float32 coefficients.
	CalibrationPayloadSize = calibration.Channels * calibration.Coefficients * 4
	// FlashStatusSize is a little-endian CRC16 followed by a uint32
	// byte count.
	FlashStatusSize = 6
)

// ParseVersionString trims a NUL-padded version buffer.
func ParseVersionString(buf []byte) string {
	return strings.TrimRight(string(buf), "\x00")
}

// PackCalibration lays the document out as consecutive little-endian
// float32 coefficients in channel order, the representation the
// analog front end consumes.
func PackCalibration(doc calibration.Document) []byte {
	payload := make([]byte, 0, CalibrationPayloadSize)
	for _, record := range doc {
		for _, value := range record {
			var word [4]byte
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(float32(value)))
			payload = append(payload, word[:]...)
		}
	}
	return payload
}

// UnpackCalibration is the inverse of PackCalibration.
func UnpackCalibration(payload []byte) (calibration.Document, error) {
	var doc calibration.Document
	if len(payload) != CalibrationPayloadSize {
		return doc, fmt.Errorf("calibration payload is %d bytes, expected %d",
			len(payload), CalibrationPayloadSize)
	}
	pos := 0
	for channel := range doc {
		for i := range doc[channel] {
			bits := binary.LittleEndian.Uint32(payload[pos : pos+4])
			doc[channel][i] = float64(math.Float32frombits(bits))
			pos += 4
		}
	}
	return doc, nil
}

// PackFlashStatus builds the bootloader's flash status report.
func PackFlashStatus(crc uint16, length uint32) []byte {
	status := make([]byte, FlashStatusSize)
	binary.LittleEndian.PutUint16(status[0:2], crc)
	binary.LittleEndian.PutUint32(status[2:6], length)
	return status
}

// ParseFlashStatus extracts the device-reported CRC16 and written
// byte count.
func ParseFlashStatus(status []byte) (crc uint16, length uint32, err error) {
	if len(status) != FlashStatusSize {
		return 0, 0, fmt.Errorf("flash status is %d bytes, expected %d",
			len(status), FlashStatusSize)
	}
	return binary.LittleEndian.Uint16(status[0:2]), binary.LittleEndian.Uint32(status[2:6]), nil
}
