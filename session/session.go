// Package session owns the registry of currently reachable units and
// the entry points for rescanning and firmware flashing.
package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/openlabtools/gosmu/devices"
	"github.com/openlabtools/gosmu/flasher"
	"github.com/openlabtools/gosmu/storage"
	"github.com/openlabtools/gosmu/usb"
)

// Session maintains a serial-keyed registry of devices, rebuilt by
// Scan. It is the registry's only writer; Scan and FlashFirmware
// serialize on one mutex since a flash target lookup is a
// point-in-time snapshot of the registry.
type Session struct {
	mu        sync.Mutex
	transport usb.Transport
	timeout   time.Duration
	registry  map[string]*devices.Device
	order     []string
	store     *storage.Store
	flashOpts []flasher.Option
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the per-transfer timeout handed to devices.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithStore wires the on-disk history: sightings on scan, journal
// entries on flash.
func WithStore(store *storage.Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// WithFlashOptions forwards options to the flasher used by
// FlashFirmware.
func WithFlashOptions(opts ...flasher.Option) Option {
	return func(s *Session) {
		s.flashOpts = opts
	}
}

func New(transport usb.Transport, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		timeout:   time.Second,
		registry:  map[string]*devices.Device{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan re-runs USB enumeration and reconciles the registry: known
// devices are refreshed in place, new ones constructed, vanished
// ones dropped. A unit that fails to respond is logged and treated
// as absent without aborting the rest of the scan. Devices keep
// enumeration order, so two scans with unchanged hardware yield an
// identical listing.
func (s *Session) Scan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.transport.Enumerate()
	if err != nil {
		return errors.Wrap(err, "scan")
	}
	seen := map[string]bool{}
	var order []string
	for _, entry := range entries {
		if !usb.Supported(entry.VendorID, entry.ProductID) {
			continue
		}
		key := entry.Key()
		if seen[key] {
			continue
		}
		device := s.reconcile(entry)
		if device == nil {
			continue
		}
		seen[key] = true
		order = append(order, key)
		s.recordSighting(device)
	}
	for key := range s.registry {
		if !seen[key] {
			log.WithField("serial", key).Info("Device departed")
			delete(s.registry, key)
		}
	}
	s.order = order
	return nil
}

func (s *Session) reconcile(entry usb.Entry) *devices.Device {
	key := entry.Key()
	mode := devices.ModeNormal
	if usb.IsSamba(entry.VendorID, entry.ProductID) {
		mode = devices.ModeBootloader
	}
	device, known := s.registry[key]
	if known && device.Mode() == mode {
		device.SetEntry(entry)
	} else {
		device = devices.New(s.transport, entry, s.timeout)
	}
	if err := device.Probe(); err != nil {
		log.WithFields(log.Fields{
			"serial": key,
			"error":  err,
		}).Warn("Device not responding, treating as absent")
		delete(s.registry, key)
		return nil
	}
	s.registry[key] = device
	return device
}

// AvailableDevices returns an ordered snapshot of the registry as of
// the last Scan. The view is not live; rescan to observe changes.
func (s *Session) AvailableDevices() []*devices.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	listing := make([]*devices.Device, 0, len(s.order))
	for _, key := range s.order {
		listing = append(listing, s.registry[key])
	}
	return listing
}

// Device returns the registered device with the given serial, or nil.
func (s *Session) Device(serial string) *devices.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry[serial]
}

// FlashFirmware locates the single bootloader-mode device in the
// registry and streams the image to it. Zero targets and multiple
// targets are both errors; ambiguity is surfaced, never resolved by
// picking one. On success the target reboots and disappears from
// enumeration until it is replugged and rescanned.
func (s *Session) FlashFirmware(image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var targets []*devices.Device
	for _, key := range s.order {
		if device := s.registry[key]; device != nil && device.Mode() == devices.ModeBootloader {
			targets = append(targets, device)
		}
	}
	if len(targets) == 0 {
		return ErrNoBootloaderDevice
	}
	if len(targets) > 1 {
		err := &AmbiguousTargetError{}
		for _, target := range targets {
			err.Targets = append(err.Targets, target.Serial())
		}
		return err
	}
	target := targets[0]
	handle, err := s.transport.Open(target.Entry())
	if err != nil {
		return err
	}
	defer func() {
		_ = handle.Close()
	}()
	f := flasher.New(handle, s.flashOpts...)
	flashErr := f.Flash(image)
	s.recordFlash(target.Serial(), len(image), f.Phase(), flashErr)
	if flashErr != nil {
		return flashErr
	}
	// The target reboots out of the bootloader and off the bus; keeping
	// it registered would let a second flash re-target a gone unit.
	s.remove(target.Serial())
	log.WithField("target", target.Serial()).Info("Firmware flashed, device rebooting")
	return nil
}

func (s *Session) remove(key string) {
	delete(s.registry, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Session) recordSighting(device *devices.Device) {
	if s.store == nil {
		return
	}
	err := s.store.RecordSighting(storage.Sighting{
		Serial:      device.Serial(),
		FwVer:       device.FwVer(),
		HwVer:       device.HwVer(),
		Mode:        device.Mode().String(),
		Calibration: device.Calibration(),
		LastSeen:    time.Now(),
	})
	if err != nil {
		log.WithError(err).Warn("Could not record sighting")
	}
}

func (s *Session) recordFlash(target string, imageBytes int, phase flasher.Phase, flashErr error) {
	if s.store == nil {
		return
	}
	record := storage.FlashRecord{
		Target: target,
		Bytes:  imageBytes,
		Phase:  string(phase),
		Time:   time.Now(),
	}
	if flashErr != nil {
		record.Error = flashErr.Error()
	}
	if err := s.store.RecordFlash(record); err != nil {
		log.WithError(err).Warn("Could not journal flash attempt")
	}
}
