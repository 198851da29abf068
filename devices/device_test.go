package devices

import (
	"io/ioutil"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/openlabtools/gosmu/calibration"
	"github.com/openlabtools/gosmu/usb"
)

const testTimeout = 100 * time.Millisecond

func newTestDevice(t *testing.T, unit *usb.EmuUnit) (*usb.EmuTransport, *Device) {
	t.Helper()
	transport := usb.NewEmuTransport(unit)
	entries, err := transport.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatal("expected one entry, got", len(entries))
	}
	return transport, New(transport, entries[0], testTimeout)
}

func writeTempCalibration(t *testing.T, content string) string {
	t.Helper()
	calPath := path.Join(t.TempDir(), "calib.txt")
	if err := ioutil.WriteFile(calPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return calPath
}

func TestProbe(t *testing.T) {
	cal := calibration.Default()
	cal[3] = calibration.Record{0.5, 1.25, 0.75}
	transport, device := newTestDevice(t, &usb.EmuUnit{
		Serial: "203B", FwVer: "2.06", HwVer: "F", Calibration: cal,
	})
	if err := device.Probe(); err != nil {
		t.Fatal(err)
	}
	if device.Serial() != "203B" || device.FwVer() != "2.06" || device.HwVer() != "F" {
		t.Fatal("unexpected attributes:", device.LongString())
	}
	if !device.Calibration().Equal(cal) {
		t.Fatal("calibration mismatch")
	}
	if device.Mode() != ModeNormal {
		t.Fatal("expected normal mode")
	}
	if transport.OpenHandles() != 0 {
		t.Fatal("handle leaked")
	}
}

// The scan loop refreshes registered devices in place while the
// status service reads their attributes from other goroutines. Run
// with -race.
func TestConcurrentProbeAndReads(t *testing.T) {
	cal := calibration.Default()
	cal[2] = calibration.Record{0.5, 1.25, 0.875}
	_, device := newTestDevice(t, &usb.EmuUnit{
		Serial: "203B", FwVer: "2.06", HwVer: "F", Calibration: cal,
	})
	if err := device.Probe(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if device.FwVer() != "2.06" || device.HwVer() != "F" {
					t.Error("attribute read saw a half-refreshed device:", device.LongString())
					return
				}
				if !device.Calibration().Equal(cal) {
					t.Error("torn calibration read")
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if err := device.Probe(); err != nil {
			t.Fatal(err)
		}
	}
	close(done)
	wg.Wait()
}

func TestWriteCalibrationDefaults(t *testing.T) {
	cal := calibration.Default()
	cal[0] = calibration.Record{0.25, 1.5, 0.5}
	transport, device := newTestDevice(t, &usb.EmuUnit{
		Serial: "203B", FwVer: "2.06", Calibration: cal,
	})
	if err := device.Probe(); err != nil {
		t.Fatal(err)
	}
	if err := device.WriteCalibration(""); err != nil {
		t.Fatal(err)
	}
	if !device.Calibration().Equal(calibration.Default()) {
		t.Fatal("cache not reset to defaults")
	}
	if transport.OpenHandles() != 0 {
		t.Fatal("handle leaked")
	}
}

func TestWriteCalibrationFromFile(t *testing.T) {
	_, device := newTestDevice(t, &usb.EmuUnit{Serial: "203B", FwVer: "2.06"})
	if err := device.Probe(); err != nil {
		t.Fatal(err)
	}
	want := calibration.Default()
	want[7] = calibration.Record{-0.5, 1.25, 1.5}
	calPath := writeTempCalibration(t, want.String())
	if err := device.WriteCalibration(calPath); err != nil {
		t.Fatal(err)
	}
	if !device.Calibration().Equal(want) {
		t.Fatal("cache does not reflect written values")
	}
}

func TestWriteCalibrationBadInput(t *testing.T) {
	_, device := newTestDevice(t, &usb.EmuUnit{Serial: "203B", FwVer: "2.06"})
	if err := device.Probe(); err != nil {
		t.Fatal(err)
	}
	before := device.Calibration()

	err := device.WriteCalibration("nonexistent")
	if _, ok := err.(*calibration.FileError); !ok {
		t.Fatal("missing file: wrong error:", err)
	}
	if !device.Calibration().Equal(before) {
		t.Fatal("cache changed after missing file")
	}

	badPath := writeTempCalibration(t, "foo")
	err = device.WriteCalibration(badPath)
	if _, ok := err.(*calibration.FileError); !ok {
		t.Fatal("malformed file: wrong error:", err)
	}
	if !device.Calibration().Equal(before) {
		t.Fatal("cache changed after malformed file")
	}
}

func TestWriteCalibrationRejected(t *testing.T) {
	transport, device := newTestDevice(t, &usb.EmuUnit{
		Serial: "203B", FwVer: "2.02", RejectCalibration: true,
	})
	if err := device.Probe(); err != nil {
		t.Fatal(err)
	}
	before := device.Calibration()
	err := device.WriteCalibration("")
	if _, ok := err.(*CommunicationError); !ok {
		t.Fatal("wrong error:", err)
	}
	if !device.Calibration().Equal(before) {
		t.Fatal("cache changed after rejected write")
	}
	if transport.OpenHandles() != 0 {
		t.Fatal("handle leaked")
	}
}

func TestEnterBootloader(t *testing.T) {
	unit := &usb.EmuUnit{Serial: "203B", FwVer: "2.06"}
	transport, device := newTestDevice(t, unit)
	if err := device.Probe(); err != nil {
		t.Fatal(err)
	}
	if err := device.EnterBootloader(); err != nil {
		t.Fatal(err)
	}
	entries, err := transport.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatal("expected one entry")
	}
	if !usb.IsSamba(entries[0].VendorID, entries[0].ProductID) {
		t.Fatal("unit did not re-enumerate as SAM-BA")
	}
	if entries[0].Serial != "" {
		t.Fatal("SAM-BA entry should carry no serial")
	}
	if transport.OpenHandles() != 0 {
		t.Fatal("handle leaked")
	}
}

func TestBootloaderDeviceRefusesCalibration(t *testing.T) {
	unit := &usb.EmuUnit{Serial: "203B", Samba: true}
	transport := usb.NewEmuTransport(unit)
	entries, err := transport.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	device := New(transport, entries[0], testTimeout)
	if device.Mode() != ModeBootloader {
		t.Fatal("expected bootloader mode")
	}
	if err := device.WriteCalibration(""); err == nil {
		t.Fatal("expected error in bootloader mode")
	}
	if err := device.EnterBootloader(); err == nil {
		t.Fatal("expected error when already in bootloader mode")
	}
}
