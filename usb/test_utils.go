package usb

import (
	"fmt"
	"sync"
	"time"

	"github.com/howeyc/crc16"
	"github.com/openlabtools/gosmu/calibration"
	"github.com/openlabtools/gosmu/protocol"
)

// EmuUnit is one simulated physical unit behind an EmuTransport. The
// zero value is a healthy normal-mode device once given a serial.
type EmuUnit struct {
	Serial      string
	FwVer       string
	HwVer       string
	Calibration calibration.Document

	// Samba marks the unit as running its SAM-BA bootloader.
	Samba bool
	// PendingFwVer is applied on the first replug after a completed
	// flash and reboot.
	PendingFwVer string

	// Unresponsive makes Open fail, simulating a wedged unit.
	Unresponsive bool
	// RejectCalibration stalls calibration writes, as firmware
	// without calibration support does.
	RejectCalibration bool
	// FailWrites fails bulk OUT transfers mid-flash.
	FailWrites bool
	// CorruptFlash makes the bootloader report a wrong checksum.
	CorruptFlash bool

	// Flashed accumulates image bytes accepted by the bootloader.
	Flashed []byte
	// RebootRequested is set once the bootloader accepts a reboot.
	RebootRequested bool

	bus     int
	address int
}

// EmuTransport is an in-memory Transport emulating a bus of units,
// shared by the session, device and flasher tests.
type EmuTransport struct {
	mu           sync.Mutex
	units        []*EmuUnit
	nextAddress  int
	openHandles  int
	EnumerateErr error
}

func NewEmuTransport(units ...*EmuUnit) *EmuTransport {
	t := &EmuTransport{nextAddress: 2}
	for _, unit := range units {
		t.Plug(unit)
	}
	return t
}

// Plug attaches a unit to the emulated bus.
func (t *EmuTransport) Plug(unit *EmuUnit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	unit.bus = 1
	unit.address = t.nextAddress
	t.nextAddress++
	t.units = append(t.units, unit)
}

// Unplug detaches the unit with the given serial.
func (t *EmuTransport) Unplug(serial string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var remaining []*EmuUnit
	for _, unit := range t.units {
		if unit.Serial != serial {
			remaining = append(remaining, unit)
		}
	}
	t.units = remaining
}

// Replug simulates a physical unplug/replug cycle for the given
// unit. A unit rebooting out of a completed flash comes back in
// normal mode with its pending firmware version applied.
func (t *EmuTransport) Replug(unit *EmuUnit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	unit.Samba = false
	if unit.RebootRequested && unit.PendingFwVer != "" {
		unit.FwVer = unit.PendingFwVer
		unit.PendingFwVer = ""
	}
	unit.Flashed = nil
	unit.RebootRequested = false
	unit.address = t.nextAddress
	t.nextAddress++
}

// OpenHandles reports handles not yet closed; tests assert it drops
// back to zero.
func (t *EmuTransport) OpenHandles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openHandles
}

func (t *EmuTransport) Enumerate() ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.EnumerateErr != nil {
		return nil, t.EnumerateErr
	}
	var entries []Entry
	for _, unit := range t.units {
		entries = append(entries, t.entryFor(unit))
	}
	return entries, nil
}

func (t *EmuTransport) entryFor(unit *EmuUnit) Entry {
	if unit.Samba {
		return Entry{
			VendorID:  0x03eb,
			ProductID: 0x6124,
			Bus:       unit.bus,
			Address:   unit.address,
		}
	}
	return Entry{
		VendorID:  0x0456,
		ProductID: 0xcee2,
		Serial:    unit.Serial,
		Bus:       unit.bus,
		Address:   unit.address,
	}
}

func (t *EmuTransport) Open(entry Entry) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, unit := range t.units {
		if unit.bus == entry.Bus && unit.address == entry.Address {
			if unit.Unresponsive {
				return nil, &OpenError{Entry: entry, Err: fmt.Errorf("unit not responding")}
			}
			t.openHandles++
			return &emuHandle{transport: t, unit: unit, address: unit.address}, nil
		}
	}
	return nil, &OpenError{Entry: entry, Err: fmt.Errorf("device no longer present")}
}

func (t *EmuTransport) Close() error {
	return nil
}

type emuHandle struct {
	transport *EmuTransport
	unit      *EmuUnit
	// address at open time; a mode switch or replug re-enumerates
	// the unit and orphans the handle.
	address int
	closed  bool
}

func (h *emuHandle) attached() bool {
	return !h.closed && h.unit.address == h.address
}

func (h *emuHandle) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	if !h.attached() {
		return 0, &IOError{Op: "control", Err: fmt.Errorf("device detached")}
	}
	unit := h.unit
	if unit.Samba {
		switch request {
		case protocol.ReqFlashStatus:
			crc := crc16.ChecksumCCITT(unit.Flashed)
			if unit.CorruptFlash {
				crc ^= 0xFFFF
			}
			return copy(data, protocol.PackFlashStatus(crc, uint32(len(unit.Flashed)))), nil
		case protocol.ReqReboot:
			unit.RebootRequested = true
			return 0, nil
		}
		return 0, &IOError{Op: "control", Err: fmt.Errorf("request %#02x not supported in SAM-BA mode", request)}
	}
	switch request {
	case protocol.ReqFirmwareVersion:
		return copy(data, paddedVersion(unit.FwVer)), nil
	case protocol.ReqHardwareVersion:
		return copy(data, paddedVersion(unit.HwVer)), nil
	case protocol.ReqCalibrationRead:
		return copy(data, protocol.PackCalibration(unit.Calibration)), nil
	case protocol.ReqCalibrationWrite:
		if unit.RejectCalibration {
			return 0, &IOError{Op: "control", Err: fmt.Errorf("endpoint stalled")}
		}
		doc, err := protocol.UnpackCalibration(data)
		if err != nil {
			return 0, &IOError{Op: "control", Err: err}
		}
		unit.Calibration = doc
		return len(data), nil
	case protocol.ReqSambaMode:
		// The unit acknowledges, detaches and re-enumerates as a
		// CDC bootloader with a fresh address.
		unit.Samba = true
		unit.address = h.transport.nextAddress
		h.transport.nextAddress++
		return 0, nil
	}
	return 0, &IOError{Op: "control", Err: fmt.Errorf("unknown request %#02x", request)}
}

func (h *emuHandle) Read(buf []byte, timeout time.Duration) (int, error) {
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	if !h.attached() {
		return 0, &IOError{Op: "bulk read", Err: fmt.Errorf("device detached")}
	}
	return 0, &TimeoutError{Op: "bulk read"}
}

func (h *emuHandle) Write(data []byte, timeout time.Duration) (int, error) {
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	if !h.attached() {
		return 0, &IOError{Op: "bulk write", Err: fmt.Errorf("device detached")}
	}
	if !h.unit.Samba {
		return 0, &IOError{Op: "bulk write", Err: fmt.Errorf("endpoint stalled")}
	}
	if h.unit.FailWrites {
		return 0, &TimeoutError{Op: "bulk write"}
	}
	h.unit.Flashed = append(h.unit.Flashed, data...)
	return len(data), nil
}

func (h *emuHandle) Close() error {
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.transport.openHandles--
	}
	return nil
}

func paddedVersion(v string) []byte {
	buf := make([]byte, protocol.VersionBufferSize)
	copy(buf, v)
	return buf
}
