package usb

// Products is the set of supported product IDs under one vendor.
type Products []uint16

func (ps Products) Contains(pid uint16) bool {
	for _, p := range ps {
		if p == pid {
			return true
		}
	}
	return false
}

// DeviceMap indexes supported product IDs by vendor ID.
type DeviceMap map[uint16]Products

func (dm DeviceMap) Contains(vid, pid uint16) bool {
	if productIds, found := dm[vid]; found {
		return productIds.Contains(pid)
	}
	return false
}

// NormalDevices lists the vendor/product IDs units expose while
// running operating firmware.
var NormalDevices = DeviceMap{
	0x0456: {0xcee2},
	0x064b: {0x784c},
}

// SambaDevices lists the IDs units re-enumerate under after
// switching into SAM-BA bootloader mode (a CDC identity class).
var SambaDevices = DeviceMap{
	0x03eb: {0x6124},
}

// Supported reports whether the IDs belong to a unit in either mode.
func Supported(vid, pid uint16) bool {
	return NormalDevices.Contains(vid, pid) || SambaDevices.Contains(vid, pid)
}

// IsSamba reports whether the IDs belong to a bootloader-mode unit.
func IsSamba(vid, pid uint16) bool {
	return SambaDevices.Contains(vid, pid)
}
