package flasher

import (
	"bytes"
	"testing"
	"time"

	"github.com/openlabtools/gosmu/usb"
)

func openSambaUnit(t *testing.T, unit *usb.EmuUnit) (*usb.EmuTransport, usb.Handle) {
	t.Helper()
	unit.Samba = true
	transport := usb.NewEmuTransport(unit)
	entries, err := transport.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	handle, err := transport.Open(entries[0])
	if err != nil {
		t.Fatal(err)
	}
	return transport, handle
}

func TestFlash(t *testing.T) {
	unit := &usb.EmuUnit{Serial: "203B"}
	_, handle := openSambaUnit(t, unit)
	defer func() {
		_ = handle.Close()
	}()

	image := bytes.Repeat([]byte{0xA5, 0x5A, 0x00, 0xFF}, 700)
	var phases []Phase
	f := New(handle, WithChunkSize(512), WithTimeout(50*time.Millisecond),
		WithProgress(func(p Progress) {
			if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
				phases = append(phases, p.Phase)
			}
		}))
	if err := f.Flash(image); err != nil {
		t.Fatal(err)
	}
	if f.Phase() != PhaseDone {
		t.Fatal("phase:", f.Phase())
	}
	if !bytes.Equal(unit.Flashed, image) {
		t.Fatal("device did not receive the full image")
	}
	if !unit.RebootRequested {
		t.Fatal("reboot not requested")
	}
	expected := []Phase{PhaseWriting, PhaseVerifying, PhaseRebooting, PhaseDone}
	if len(phases) != len(expected) {
		t.Fatal("phases:", phases)
	}
	for i, p := range expected {
		if phases[i] != p {
			t.Fatal("phases:", phases)
		}
	}
}

func TestFlashWriteFailure(t *testing.T) {
	unit := &usb.EmuUnit{Serial: "203B", FailWrites: true}
	_, handle := openSambaUnit(t, unit)
	defer func() {
		_ = handle.Close()
	}()

	f := New(handle)
	err := f.Flash(make([]byte, 2048))
	if _, ok := err.(*WriteError); !ok {
		t.Fatal("wrong error:", err)
	}
	if f.Phase() != PhaseFailed {
		t.Fatal("phase:", f.Phase())
	}
	if unit.RebootRequested {
		t.Fatal("reboot must not follow a failed write")
	}
}

func TestFlashVerificationFailure(t *testing.T) {
	unit := &usb.EmuUnit{Serial: "203B", CorruptFlash: true}
	_, handle := openSambaUnit(t, unit)
	defer func() {
		_ = handle.Close()
	}()

	f := New(handle)
	err := f.Flash(make([]byte, 2048))
	verr, ok := err.(*VerificationError)
	if !ok {
		t.Fatal("wrong error:", err)
	}
	if verr.ExpectedCRC == verr.ActualCRC {
		t.Fatal("expected a checksum mismatch")
	}
	if f.Phase() != PhaseFailed {
		t.Fatal("phase:", f.Phase())
	}
}

func TestFlashVerifyDisabled(t *testing.T) {
	unit := &usb.EmuUnit{Serial: "203B", CorruptFlash: true}
	_, handle := openSambaUnit(t, unit)
	defer func() {
		_ = handle.Close()
	}()

	f := New(handle, WithVerify(false))
	if err := f.Flash(make([]byte, 300)); err != nil {
		t.Fatal(err)
	}
	if f.Phase() != PhaseDone {
		t.Fatal("phase:", f.Phase())
	}
}

func TestFlashEmptyImage(t *testing.T) {
	_, handle := openSambaUnit(t, &usb.EmuUnit{Serial: "203B"})
	defer func() {
		_ = handle.Close()
	}()

	f := New(handle)
	if err := f.Flash(nil); err == nil {
		t.Fatal("expected error for empty image")
	}
	if f.Phase() != PhaseFailed {
		t.Fatal("phase:", f.Phase())
	}
}
