// Package monitor runs the background scan loop: scheduled rescans,
// config reload on file change, and debounced arrival/departure
// logging.
package monitor

import (
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/openlabtools/gosmu/config"
	"github.com/openlabtools/gosmu/session"
	"github.com/openlabtools/gosmu/utils"
)

// EventDebounce suppresses repeated arrival/departure log events for
// a unit that is flapping on the bus.
const EventDebounce = 30 * time.Second

type Monitor struct {
	mu       sync.Mutex
	session  *session.Session
	schedule string
	cron     *cron.Cron
	entryID  cron.EntryID
	events   *ttlcache.Cache
	watcher  *fsnotify.Watcher
	present  map[string]bool
}

func New(s *session.Session, cfg *config.Config) *Monitor {
	return &Monitor{
		session:  s,
		schedule: cfg.ScanSchedule,
		events:   ttlcache.NewCache(),
		present:  map[string]bool{},
	}
}

// Start runs an immediate scan, then rescans on the configured cron
// schedule and watches the config file for schedule changes.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.cron != nil {
		m.mu.Unlock()
		return nil
	}
	m.cron = cron.New()
	entryID, err := m.cron.AddFunc(m.schedule, m.Rescan)
	if err != nil {
		m.cron = nil
		m.mu.Unlock()
		return err
	}
	m.entryID = entryID
	m.cron.Start()
	m.mu.Unlock()

	watcher, err := utils.NewFileWatcher(config.Path(), m.reloadSchedule)
	if err != nil {
		log.WithError(err).Warn("Config watcher unavailable")
	} else {
		m.watcher = watcher
	}

	m.Rescan()
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	watcher := m.watcher
	m.cron = nil
	m.watcher = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	// A cron-fired Rescan may be waiting on m.mu, so the mutex must
	// not be held while waiting for jobs to drain.
	<-c.Stop().Done()
	if watcher != nil {
		_ = watcher.Close()
	}
}

// Rescan runs one scan and logs debounced arrival/departure events.
func (m *Monitor) Rescan() {
	if err := m.session.Scan(); err != nil {
		log.WithError(err).Error("Scan failed")
		return
	}
	current := map[string]bool{}
	for _, device := range m.session.AvailableDevices() {
		current[device.Serial()] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for serial := range current {
		if !m.present[serial] {
			m.logEvent("arrived", serial)
		}
	}
	for serial := range m.present {
		if !current[serial] {
			m.logEvent("departed", serial)
		}
	}
	m.present = current
}

func (m *Monitor) logEvent(event, serial string) {
	key := event + ":" + serial
	if _, found := m.events.Get(key); found {
		return
	}
	m.events.SetWithTTL(key, true, EventDebounce)
	log.WithFields(log.Fields{
		"serial": serial,
		"event":  event,
	}).Info("Device " + event)
}

func (m *Monitor) reloadSchedule() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Error("Config reload failed")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron == nil || cfg.ScanSchedule == m.schedule {
		return
	}
	entryID, err := m.cron.AddFunc(cfg.ScanSchedule, m.Rescan)
	if err != nil {
		log.WithFields(log.Fields{
			"schedule": cfg.ScanSchedule,
			"error":    err,
		}).Error("Invalid scan schedule")
		return
	}
	m.cron.Remove(m.entryID)
	m.entryID = entryID
	m.schedule = cfg.ScanSchedule
	log.WithField("schedule", m.schedule).Info("Scan schedule updated")
}
