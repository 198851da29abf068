// Package devices models one physical unit as seen by a session:
// cached identity and calibration in normal mode, flash-target
// identity in SAM-BA bootloader mode.
package devices

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openlabtools/gosmu/calibration"
	"github.com/openlabtools/gosmu/protocol"
	"github.com/openlabtools/gosmu/usb"
	"github.com/openlabtools/gosmu/utils"
)

// Mode is the firmware mode a unit is running.
type Mode int

const (
	// ModeNormal is the operating firmware: measurement and
	// calibration access.
	ModeNormal Mode = iota
	// ModeBootloader is the SAM-BA bootloader: flash writes only.
	ModeBootloader
)

func (m Mode) String() string {
	if m == ModeBootloader {
		return "bootloader"
	}
	return "normal"
}

// MinCalibrationFwVer is the earliest firmware accepting calibration
// writes. Not enforced here: older firmware rejects the transfer and
// that rejection is surfaced.
var MinCalibrationFwVer = utils.Version{2, 6}

// CommunicationError reports a device-scoped operation the unit
// refused or that failed in transit.
type CommunicationError struct {
	Serial string
	Op     string
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Serial, e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// Device is one physical unit. Attribute reads return cached values
// populated by Probe and never issue USB transfers themselves. The
// owning session serializes USB operations per device, but attribute
// reads may come from other goroutines (the status service) while a
// scheduled rescan refreshes the cache, so the cached fields are
// guarded by their own lock.
type Device struct {
	transport usb.Transport
	mode      Mode
	timeout   time.Duration

	mu    sync.RWMutex
	entry usb.Entry
	fwVer string
	hwVer string
	cal   calibration.Document
}

// New builds a device for an enumerated entry; the mode is derived
// from the entry's USB identity class. Normal-mode devices carry no
// attribute data until Probe succeeds.
func New(transport usb.Transport, entry usb.Entry, timeout time.Duration) *Device {
	mode := ModeNormal
	if usb.IsSamba(entry.VendorID, entry.ProductID) {
		mode = ModeBootloader
	}
	return &Device{transport: transport, entry: entry, mode: mode, timeout: timeout}
}

// Serial is the unit's stable identity. Bootloader-mode units expose
// no serial descriptor and fall back to their bus position.
func (d *Device) Serial() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entry.Key()
}

func (d *Device) FwVer() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fwVer
}

func (d *Device) HwVer() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hwVer
}

// Calibration returns the cached 8-channel coefficient set as of the
// last probe or successful write.
func (d *Device) Calibration() calibration.Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cal
}

func (d *Device) Mode() Mode {
	return d.mode
}

func (d *Device) Entry() usb.Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entry
}

func (d *Device) String() string {
	return d.Serial()
}

func (d *Device) LongString() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("%s [%s] fw %s hw %s", d.entry.Key(), d.mode, d.fwVer, d.hwVer)
}

// SetEntry rebinds the device to a fresh enumeration entry with the
// same identity. Used by the session when a stable unit re-enumerates
// at a new bus address.
func (d *Device) SetEntry(entry usb.Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entry = entry
}

// Probe refreshes the cached versions and calibration over control
// transfers. Bootloader-mode units carry no readable attributes and
// probe trivially. The cache is swapped in as one unit after all
// three reads succeed, so a concurrent attribute read never observes
// a half-refreshed device.
func (d *Device) Probe() error {
	if d.mode == ModeBootloader {
		return nil
	}
	handle, err := d.transport.Open(d.Entry())
	if err != nil {
		return err
	}
	defer func() {
		_ = handle.Close()
	}()
	fwVer, err := d.readVersion(handle, protocol.ReqFirmwareVersion)
	if err != nil {
		return &CommunicationError{Serial: d.Serial(), Op: "read firmware version", Err: err}
	}
	hwVer, err := d.readVersion(handle, protocol.ReqHardwareVersion)
	if err != nil {
		return &CommunicationError{Serial: d.Serial(), Op: "read hardware version", Err: err}
	}
	payload := make([]byte, protocol.CalibrationPayloadSize)
	if _, err = handle.Control(protocol.RequestTypeVendorIn, protocol.ReqCalibrationRead,
		0, 0, payload, d.timeout); err != nil {
		return &CommunicationError{Serial: d.Serial(), Op: "read calibration", Err: err}
	}
	doc, err := protocol.UnpackCalibration(payload)
	if err != nil {
		return &CommunicationError{Serial: d.Serial(), Op: "read calibration", Err: err}
	}
	d.mu.Lock()
	d.fwVer = fwVer
	d.hwVer = hwVer
	d.cal = doc
	d.mu.Unlock()
	return nil
}

func (d *Device) readVersion(handle usb.Handle, request uint8) (string, error) {
	buf := make([]byte, protocol.VersionBufferSize)
	if _, err := handle.Control(protocol.RequestTypeVendorIn, request, 0, 0, buf, d.timeout); err != nil {
		return "", err
	}
	return protocol.ParseVersionString(buf), nil
}

// WriteCalibration writes a full 8x3 coefficient set to the device.
// An empty path writes the identity defaults. The cache is updated
// only after the device accepts the transfer; any failure leaves it
// untouched.
func (d *Device) WriteCalibration(path string) error {
	if d.mode != ModeNormal {
		return &CommunicationError{
			Serial: d.Serial(),
			Op:     "write calibration",
			Err:    fmt.Errorf("device is in %s mode", d.mode),
		}
	}
	doc := calibration.Default()
	if path != "" {
		var err error
		if doc, err = calibration.ParseFile(path); err != nil {
			return err
		}
	}
	if fwVer := d.FwVer(); !utils.AtLeast(fwVer, MinCalibrationFwVer) {
		log.WithFields(log.Fields{
			"serial": d.Serial(),
			"fwver":  fwVer,
		}).Warn("Firmware may predate calibration write support")
	}
	handle, err := d.transport.Open(d.Entry())
	if err != nil {
		return &CommunicationError{Serial: d.Serial(), Op: "write calibration", Err: err}
	}
	defer func() {
		_ = handle.Close()
	}()
	payload := protocol.PackCalibration(doc)
	if _, err := handle.Control(protocol.RequestTypeVendorOut, protocol.ReqCalibrationWrite,
		0, 0, payload, d.timeout); err != nil {
		return &CommunicationError{Serial: d.Serial(), Op: "write calibration", Err: err}
	}
	d.mu.Lock()
	d.cal = doc
	d.mu.Unlock()
	return nil
}

// EnterBootloader switches the unit into SAM-BA mode. The device
// detaches and re-enumerates under the bootloader identity class;
// the caller observes that through a subsequent session scan. Some
// units drop off the bus before completing the acknowledgement, so a
// timeout on this one request counts as the detach.
func (d *Device) EnterBootloader() error {
	if d.mode != ModeNormal {
		return &CommunicationError{
			Serial: d.Serial(),
			Op:     "enter bootloader",
			Err:    fmt.Errorf("device is already in %s mode", d.mode),
		}
	}
	handle, err := d.transport.Open(d.Entry())
	if err != nil {
		return &CommunicationError{Serial: d.Serial(), Op: "enter bootloader", Err: err}
	}
	defer func() {
		_ = handle.Close()
	}()
	if _, err := handle.Control(protocol.RequestTypeVendorOut, protocol.ReqSambaMode,
		0, 0, nil, d.timeout); err != nil && !usb.IsTimeout(err) {
		return &CommunicationError{Serial: d.Serial(), Op: "enter bootloader", Err: err}
	}
	log.WithField("serial", d.Serial()).Info("Switched to SAM-BA mode")
	return nil
}
