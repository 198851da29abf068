package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoBootloaderDevice is returned by FlashFirmware when no
// registered device is in SAM-BA mode.
var ErrNoBootloaderDevice = errors.New("no device in bootloader mode")

// AmbiguousTargetError is returned when more than one registered
// device is in SAM-BA mode; the caller must disambiguate, the
// session never picks one silently.
type AmbiguousTargetError struct {
	Targets []string
}

func (e *AmbiguousTargetError) Error() string {
	return fmt.Sprintf("%d devices in bootloader mode (%s), flash target is ambiguous",
		len(e.Targets), strings.Join(e.Targets, ", "))
}
