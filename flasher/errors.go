package flasher

import "fmt"

// WriteError reports a failed or short transfer while streaming the
// image. The attempt is terminal: partial writes are not resumed and
// a retry restarts the whole sequence.
type WriteError struct {
	Offset int
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("flash write failed at offset %d: %v", e.Offset, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// VerificationError reports a device-side image check that did not
// match the bytes sent.
type VerificationError struct {
	ExpectedCRC uint16
	ActualCRC   uint16
	ExpectedLen uint32
	ActualLen   uint32
	Err         error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flash verification failed: %v", e.Err)
	}
	return fmt.Sprintf("flash verification failed: expected crc 0x%04X length %d, device reports crc 0x%04X length %d",
		e.ExpectedCRC, e.ExpectedLen, e.ActualCRC, e.ActualLen)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}
