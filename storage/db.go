// Package storage keeps an on-disk history of device sightings and
// flash attempts, so operators can answer "when did this unit last
// enumerate and what firmware was it running" after the fact.
package storage

import (
	"bytes"
	"encoding/gob"
	"path"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/openlabtools/gosmu/calibration"
	"github.com/openlabtools/gosmu/utils"
)

const DBPath = "db"

var (
	devicesBucket = []byte("devices")
	flashesBucket = []byte("flashes")
)

func GetDBPath() string {
	return path.Join(utils.GetSubFolder(DBPath), "devices.db")
}

// Sighting is the last known state of one unit.
type Sighting struct {
	Serial      string
	FwVer       string
	HwVer       string
	Mode        string
	Calibration calibration.Document
	LastSeen    time.Time
}

// FlashRecord journals one flash attempt, successful or not.
type FlashRecord struct {
	Target string
	Bytes  int
	Phase  string
	Error  string
	Time   time.Time
}

type Store struct {
	db *bbolt.DB
}

func Open() (*Store, error) {
	return OpenPath(GetDBPath())
}

func OpenPath(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening device history")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(devicesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(flashesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating buckets")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RecordSighting(sighting Sighting) error {
	raw, err := encode(sighting)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(devicesBucket).Put([]byte(sighting.Serial), raw)
	})
}

func (s *Store) GetSighting(serial string) (*Sighting, error) {
	var sighting *Sighting
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(devicesBucket).Get([]byte(serial))
		if raw == nil {
			return nil
		}
		sighting = &Sighting{}
		return decode(raw, sighting)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading sighting for %s", serial)
	}
	return sighting, nil
}

// Serials lists every unit ever sighted, in key order.
func (s *Store) Serials() ([]string, error) {
	var serials []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(devicesBucket).ForEach(func(k, v []byte) error {
			serials = append(serials, string(k))
			return nil
		})
	})
	return serials, err
}

func (s *Store) RecordFlash(record FlashRecord) error {
	raw, err := encode(record)
	if err != nil {
		return err
	}
	key := []byte(record.Time.Format(time.RFC3339Nano))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(flashesBucket).Put(key, raw)
	})
}

// Flashes returns the journal in chronological order.
func (s *Store) Flashes() ([]FlashRecord, error) {
	var records []FlashRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(flashesBucket).ForEach(func(k, v []byte) error {
			var record FlashRecord
			if err := decode(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

func encode(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return nil, errors.Wrap(err, "encoding record")
	}
	return buf.Bytes(), nil
}

func decode(raw []byte, value interface{}) error {
	return gob.NewDecoder(bytes.NewBuffer(raw)).Decode(value)
}
