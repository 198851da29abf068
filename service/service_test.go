package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openlabtools/gosmu/calibration"
	"github.com/openlabtools/gosmu/session"
	"github.com/openlabtools/gosmu/usb"
)

func newTestService(t *testing.T, units ...*usb.EmuUnit) (*usb.EmuTransport, *Service) {
	t.Helper()
	transport := usb.NewEmuTransport(units...)
	s := session.New(transport)
	if err := s.Scan(); err != nil {
		t.Fatal(err)
	}
	return transport, New(s, ":0")
}

func TestListDevices(t *testing.T) {
	_, svc := newTestService(t,
		&usb.EmuUnit{Serial: "203B", FwVer: "2.06", HwVer: "F"},
		&usb.EmuUnit{Serial: "2191", Samba: true},
	)
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/devices", nil))
	if rec.Code != http.StatusOK {
		t.Fatal("status:", rec.Code)
	}
	var summaries []DeviceSummary
	if err := json.NewDecoder(rec.Body).Decode(&summaries); err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatal("summaries:", summaries)
	}
	if summaries[0].Serial != "203B" || summaries[0].Mode != "normal" || summaries[0].FwVer != "2.06" {
		t.Fatal("first summary:", summaries[0])
	}
	if summaries[1].Mode != "bootloader" {
		t.Fatal("second summary:", summaries[1])
	}
}

func TestGetDevice(t *testing.T) {
	cal := calibration.Default()
	cal[0] = calibration.Record{0.5, 1.25, 0.75}
	_, svc := newTestService(t, &usb.EmuUnit{Serial: "203B", FwVer: "2.06", Calibration: cal})

	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/devices/203B", nil))
	if rec.Code != http.StatusOK {
		t.Fatal("status:", rec.Code)
	}
	var detail DeviceDetail
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if len(detail.Calibration) != calibration.Channels {
		t.Fatal("calibration rows:", len(detail.Calibration))
	}
	if detail.Calibration[0] != [3]float64{0.5, 1.25, 0.75} {
		t.Fatal("calibration:", detail.Calibration[0])
	}

	rec = httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/devices/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatal("status:", rec.Code)
	}
}

func TestGetCalibrationText(t *testing.T) {
	_, svc := newTestService(t, &usb.EmuUnit{Serial: "203B", FwVer: "2.06"})
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/devices/203B/calibration", nil))
	if rec.Code != http.StatusOK {
		t.Fatal("status:", rec.Code)
	}
	if _, err := calibration.Parse(strings.NewReader(rec.Body.String())); err != nil {
		t.Fatal("response does not parse as a calibration document:", err)
	}
}

func TestTriggerScan(t *testing.T) {
	transport, svc := newTestService(t, &usb.EmuUnit{Serial: "203B", FwVer: "2.06"})
	transport.Plug(&usb.EmuUnit{Serial: "2191", FwVer: "2.06"})

	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/scan", nil))
	if rec.Code != http.StatusOK {
		t.Fatal("status:", rec.Code)
	}
	var summaries []DeviceSummary
	if err := json.NewDecoder(rec.Body).Decode(&summaries); err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatal("summaries after scan:", summaries)
	}
}
