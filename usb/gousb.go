package usb

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Endpoint numbers used by the units in both modes.
const (
	inEndpointNumber  = 1
	outEndpointNumber = 2
)

// GousbTransport is the production Transport on top of a dedicated
// gousb context, so external users of libusb are not disturbed.
type GousbTransport struct {
	ctx *gousb.Context
}

func NewGousbTransport() *GousbTransport {
	return &GousbTransport{ctx: gousb.NewContext()}
}

func (t *GousbTransport) Enumerate() ([]Entry, error) {
	devs, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return Supported(uint16(desc.Vendor), uint16(desc.Product))
	})
	for _, dev := range devs {
		defer func(d *gousb.Device) {
			_ = d.Close()
		}(dev)
	}
	if err != nil {
		return nil, errors.Wrap(err, "enumerating devices")
	}
	var entries []Entry
	for _, dev := range devs {
		entry := Entry{
			VendorID:  uint16(dev.Desc.Vendor),
			ProductID: uint16(dev.Desc.Product),
			Bus:       dev.Desc.Bus,
			Address:   dev.Desc.Address,
		}
		if serial, err := dev.SerialNumber(); err != nil {
			// SAM-BA units enumerate without a serial descriptor.
			log.WithFields(log.Fields{
				"entry": entry.String(),
				"error": err,
			}).Debug("No serial descriptor")
		} else {
			entry.Serial = serial
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (t *GousbTransport) Open(entry Entry) (Handle, error) {
	devs, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == entry.Bus && desc.Address == entry.Address
	})
	if err != nil || len(devs) == 0 {
		for _, dev := range devs {
			_ = dev.Close()
		}
		if err == nil {
			err = errors.New("device no longer present")
		}
		return nil, &OpenError{Entry: entry, Err: err}
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	handle, err := newGousbHandle(entry, dev)
	if err != nil {
		_ = dev.Close()
		return nil, &OpenError{Entry: entry, Err: err}
	}
	return handle, nil
}

func (t *GousbTransport) Close() error {
	return t.ctx.Close()
}

type gousbHandle struct {
	entry Entry
	dev   *gousb.Device
	done  func()
	in    *gousb.InEndpoint
	out   *gousb.OutEndpoint
}

func newGousbHandle(entry Entry, dev *gousb.Device) (*gousbHandle, error) {
	h := &gousbHandle{entry: entry, dev: dev}
	var err error
	var iface *gousb.Interface
	if err = dev.SetAutoDetach(true); err != nil {
		return nil, err
	}
	if iface, h.done, err = dev.DefaultInterface(); err != nil {
		return nil, err
	}
	if h.in, err = iface.InEndpoint(inEndpointNumber); err != nil {
		h.done()
		return nil, err
	}
	if h.out, err = iface.OutEndpoint(outEndpointNumber); err != nil {
		h.done()
		return nil, err
	}
	return h, nil
}

func (h *gousbHandle) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	h.dev.ControlTimeout = timeout
	n, err := h.dev.Control(requestType, request, value, index, data)
	if err != nil {
		return n, mapTransferError("control", err)
	}
	return n, nil
}

func (h *gousbHandle) Read(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := h.in.ReadContext(ctx, buf)
	if err != nil {
		return n, mapTransferError("bulk read", err)
	}
	return n, nil
}

func (h *gousbHandle) Write(data []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := h.out.WriteContext(ctx, data)
	if err != nil {
		return n, mapTransferError("bulk write", err)
	}
	return n, nil
}

func (h *gousbHandle) Close() error {
	if h.done != nil {
		h.done()
		h.done = nil
	}
	if h.dev != nil {
		err := h.dev.Close()
		h.dev = nil
		return err
	}
	return nil
}

func mapTransferError(op string, err error) error {
	if err == gousb.ErrorTimeout || err == context.DeadlineExceeded {
		return &TimeoutError{Op: op}
	}
	return &IOError{Op: op, Err: err}
}
