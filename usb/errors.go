package usb

import (
	"errors"
	"fmt"
)

// OpenError reports a failure to claim an enumerated device.
type OpenError struct {
	Entry Entry
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Entry, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a transfer that did not complete within its
// deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: transfer timed out", e.Op)
}

// IOError reports a failed transfer other than a timeout.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a transfer timeout anywhere in
// its chain.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}
