// Package flasher drives a SAM-BA bootloader through the binary
// flash sequence: stream the image in chunks, compare the
// device-reported checksum, reboot.
//
// A failed attempt may leave the unit without bootable firmware
// until a later attempt succeeds. That risk is inherent to in-field
// updates; the unit's bootloader itself stays reachable.
package flasher

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/howeyc/crc16"
	log "github.com/sirupsen/logrus"

	"github.com/openlabtools/gosmu/protocol"
	"github.com/openlabtools/gosmu/usb"
)

// Phase is the flash sequence state. Failed absorbs any non-terminal
// phase; a retry starts over from Idle.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseWriting   Phase = "Writing"
	PhaseVerifying Phase = "Verifying"
	PhaseRebooting Phase = "Rebooting"
	PhaseDone      Phase = "Done"
	PhaseFailed    Phase = "Failed"
)

// Progress is a point-in-time view of a running flash.
type Progress struct {
	Phase        Phase
	BytesWritten int
	TotalBytes   int
}

type ProgressCallback func(Progress)

// Flasher flashes one bootloader-mode unit through an open handle.
// It borrows the handle; the caller owns and closes it.
type Flasher struct {
	handle usb.Handle
	config Config
	phase  Phase
}

func New(handle usb.Handle, opts ...Option) *Flasher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Flasher{handle: handle, config: cfg, phase: PhaseIdle}
}

// Phase returns the state the last Flash call reached.
func (f *Flasher) Phase() Phase {
	return f.phase
}

// Flash runs the full sequence on the supplied image. Success is
// reported as soon as the reboot command is issued; the unit takes
// device-dependent time to re-enumerate and may need a manual
// replug, so observing its return is the caller's job via a later
// session scan.
func (f *Flasher) Flash(image []byte) error {
	if len(image) == 0 {
		f.phase = PhaseFailed
		return &WriteError{Err: fmt.Errorf("empty firmware image")}
	}

	f.setPhase(PhaseWriting, 0, len(image))
	written := 0
	for written < len(image) {
		end := written + f.config.ChunkSize
		if end > len(image) {
			end = len(image)
		}
		chunk := image[written:end]
		n, err := f.handle.Write(chunk, f.config.Timeout)
		if err != nil {
			f.phase = PhaseFailed
			return &WriteError{Offset: written, Err: err}
		}
		if n != len(chunk) {
			f.phase = PhaseFailed
			return &WriteError{Offset: written, Err: fmt.Errorf("short write: %d of %d bytes", n, len(chunk))}
		}
		written += n
		f.reportProgress(Progress{Phase: PhaseWriting, BytesWritten: written, TotalBytes: len(image)})
	}
	log.WithField("written", humanize.Bytes(uint64(written))).Debug("Image streamed")

	if f.config.Verify {
		f.setPhase(PhaseVerifying, written, len(image))
		if err := f.verify(image); err != nil {
			f.phase = PhaseFailed
			return err
		}
	}

	f.setPhase(PhaseRebooting, written, len(image))
	// The unit can drop off the bus before acknowledging the reboot;
	// the command has no failure mode worth surfacing at that point.
	if _, err := f.handle.Control(protocol.RequestTypeVendorOut, protocol.ReqReboot,
		0, 0, nil, f.config.Timeout); err != nil {
		log.WithField("error", err).Debug("Reboot command not acknowledged")
	}

	f.setPhase(PhaseDone, written, len(image))
	log.WithFields(log.Fields{
		"bytes": humanize.Bytes(uint64(len(image))),
	}).Info("Flash sequence complete")
	return nil
}

func (f *Flasher) verify(image []byte) error {
	status := make([]byte, protocol.FlashStatusSize)
	if _, err := f.handle.Control(protocol.RequestTypeVendorIn, protocol.ReqFlashStatus,
		0, 0, status, f.config.Timeout); err != nil {
		return &VerificationError{Err: err}
	}
	deviceCRC, deviceLen, err := protocol.ParseFlashStatus(status)
	if err != nil {
		return &VerificationError{Err: err}
	}
	expectedCRC := crc16.ChecksumCCITT(image)
	if deviceCRC != expectedCRC || deviceLen != uint32(len(image)) {
		return &VerificationError{
			ExpectedCRC: expectedCRC,
			ActualCRC:   deviceCRC,
			ExpectedLen: uint32(len(image)),
			ActualLen:   deviceLen,
		}
	}
	return nil
}

func (f *Flasher) setPhase(phase Phase, written, total int) {
	f.phase = phase
	f.reportProgress(Progress{Phase: phase, BytesWritten: written, TotalBytes: total})
}

func (f *Flasher) reportProgress(progress Progress) {
	if f.config.Progress != nil {
		f.config.Progress(progress)
	}
}
