// Package usb abstracts the bulk/control transfer primitives the
// rest of the system consumes. The production backend sits on gousb;
// tests use the in-memory emulator from test_utils.go.
package usb

import (
	"fmt"
	"time"
)

// Entry describes one enumerated USB device.
type Entry struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
	Bus       int
	Address   int
}

// Key is the registry identity for an entry: the serial number when
// the device reports one, bus:address otherwise. SAM-BA bootloaders
// enumerate without a usable serial.
func (e Entry) Key() string {
	if e.Serial != "" {
		return e.Serial
	}
	return fmt.Sprintf("%03d:%03d", e.Bus, e.Address)
}

func (e Entry) String() string {
	return fmt.Sprintf("%04x:%04x %s", e.VendorID, e.ProductID, e.Key())
}

// Transport enumerates and opens supported devices. Implementations
// must be safe for use from a single goroutine at a time; callers
// serialize access.
type Transport interface {
	// Enumerate lists supported devices in bus order. The ordering is
	// stable across calls while the hardware topology is unchanged.
	Enumerate() ([]Entry, error)
	// Open claims the device at the given entry and returns a handle
	// owning it exclusively until Close.
	Open(entry Entry) (Handle, error)
	// Close releases the transport and any backing context.
	Close() error
}

// Handle is an open, exclusively-owned device. All transfers block
// for at most the supplied timeout.
type Handle interface {
	// Control performs a control transfer. Direction is encoded in
	// requestType; for IN transfers the response lands in data.
	Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	// Read performs a bulk IN transfer.
	Read(buf []byte, timeout time.Duration) (int, error)
	// Write performs a bulk OUT transfer.
	Write(data []byte, timeout time.Duration) (int, error)
	Close() error
}
