// Package service exposes the session over a small read-only HTTP
// API for fleet inspection. It presents state; all mutation beyond
// triggering a rescan stays with the library callers.
package service

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/openlabtools/gosmu/devices"
	"github.com/openlabtools/gosmu/session"
)

// DeviceSummary is the JSON projection of one registered device.
type DeviceSummary struct {
	Serial string `json:"serial"`
	Mode   string `json:"mode"`
	FwVer  string `json:"fwver,omitempty"`
	HwVer  string `json:"hwver,omitempty"`
}

// DeviceDetail adds the cached calibration set.
type DeviceDetail struct {
	DeviceSummary
	Calibration [][3]float64 `json:"calibration,omitempty"`
}

type Service struct {
	session *session.Session
	addr    string
	server  *http.Server
}

func New(s *session.Session, addr string) *Service {
	return &Service{session: s, addr: addr}
}

// Router builds the route table; split out so tests can drive it
// without a listener.
func (s *Service) Router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/devices", s.ListDevices)
	router.GET("/devices/:serial", s.GetDevice)
	router.GET("/devices/:serial/calibration", s.GetCalibration)
	router.POST("/scan", s.TriggerScan)
	return router
}

func (s *Service) Start() error {
	s.server = &http.Server{Addr: s.addr, Handler: s.Router()}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Status service stopped")
		}
	}()
	log.WithField("address", s.addr).Info("Status service listening")
	return nil
}

func (s *Service) Stop() {
	if s.server != nil {
		_ = s.server.Shutdown(context.Background())
		s.server = nil
	}
}

func (s *Service) ListDevices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	listing := s.session.AvailableDevices()
	summaries := make([]DeviceSummary, 0, len(listing))
	for _, device := range listing {
		summaries = append(summaries, summarize(device))
	}
	writeJSON(w, summaries)
}

func (s *Service) GetDevice(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	device := s.session.Device(params.ByName("serial"))
	if device == nil {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	detail := DeviceDetail{DeviceSummary: summarize(device)}
	if device.Mode() == devices.ModeNormal {
		cal := device.Calibration()
		detail.Calibration = make([][3]float64, len(cal))
		for i, record := range cal {
			detail.Calibration[i] = record
		}
	}
	writeJSON(w, detail)
}

func (s *Service) GetCalibration(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	device := s.session.Device(params.ByName("serial"))
	if device == nil {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	if device.Mode() != devices.ModeNormal {
		http.Error(w, "device is in bootloader mode", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := device.Calibration().WriteTo(w); err != nil {
		log.WithError(err).Error("Writing calibration response")
	}
}

func (s *Service) TriggerScan(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.session.Scan(); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.ListDevices(w, r, nil)
}

func summarize(device *devices.Device) DeviceSummary {
	return DeviceSummary{
		Serial: device.Serial(),
		Mode:   device.Mode().String(),
		FwVer:  device.FwVer(),
		HwVer:  device.HwVer(),
	}
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.WithError(err).Error("Encoding response")
	}
}
