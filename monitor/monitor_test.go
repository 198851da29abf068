package monitor

import (
	"testing"
	"time"

	"github.com/openlabtools/gosmu/config"
	"github.com/openlabtools/gosmu/session"
	"github.com/openlabtools/gosmu/usb"
)

func TestRescanTracksPresence(t *testing.T) {
	unit := &usb.EmuUnit{Serial: "203B", FwVer: "2.06"}
	transport := usb.NewEmuTransport(unit)
	s := session.New(transport)
	m := New(s, (&config.Config{}).WithDefaults())

	m.Rescan()
	if !m.present["203B"] {
		t.Fatal("device not tracked as present")
	}
	if len(s.AvailableDevices()) != 1 {
		t.Fatal("session not scanned")
	}

	transport.Unplug("203B")
	m.Rescan()
	if m.present["203B"] {
		t.Fatal("departed device still tracked")
	}
}

func TestRescanSurvivesScanFailure(t *testing.T) {
	transport := usb.NewEmuTransport(&usb.EmuUnit{Serial: "203B", FwVer: "2.06"})
	s := session.New(transport)
	m := New(s, (&config.Config{}).WithDefaults())
	m.Rescan()

	transport.EnumerateErr = &usb.IOError{Op: "enumerate"}
	m.Rescan()
	if !m.present["203B"] {
		t.Fatal("presence lost after failed scan")
	}
}

func TestStartStop(t *testing.T) {
	transport := usb.NewEmuTransport()
	m := New(session.New(transport), (&config.Config{}).WithDefaults())
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	m.Stop()
	// Stop twice is safe.
	m.Stop()
}

// Stop must not hold the monitor mutex while waiting for jobs to
// drain, or a cron-fired Rescan blocked on that mutex deadlocks the
// shutdown.
func TestStopWithConcurrentRescan(t *testing.T) {
	transport := usb.NewEmuTransport(&usb.EmuUnit{Serial: "203B", FwVer: "2.06"})
	m := New(session.New(transport), &config.Config{ScanSchedule: "@every 1ms"})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	rescans := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			m.Rescan()
		}
		close(rescans)
	}()
	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while rescans were in flight")
	}
	<-rescans
}

func TestStartRejectsBadSchedule(t *testing.T) {
	transport := usb.NewEmuTransport()
	m := New(session.New(transport), &config.Config{ScanSchedule: "not a schedule"})
	if err := m.Start(); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
