package calibration

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

const (
	// Channels is the number of analog front end channels carrying
	// a correction record.
	Channels = 8
	// Coefficients per channel: offset plus two gain terms.
	Coefficients = 3
)

// Record holds the correction coefficients for one channel.
type Record [Coefficients]float64

// Document is the full calibration set for one device. It is always
// exactly Channels records; a device without valid calibration data
// reports the identity set from Default.
type Document [Channels]Record

// FileError reports a missing or structurally invalid calibration
// file. It is distinct from device communication failures so callers
// can tell a bad input apart from a bad transfer.
type FileError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FileError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("calibration data: %s", e.Reason)
	}
	return fmt.Sprintf("calibration file %s: %s", e.Path, e.Reason)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Default returns the identity calibration written when a caller
// resets a device: zero offset, unity gains on every channel.
func Default() Document {
	var doc Document
	for i := range doc {
		doc[i] = Record{0.0, 1.0, 1.0}
	}
	return doc
}

// Parse reads the textual calibration format: one line per channel,
// three whitespace-separated floating point fields, fixed channel
// order. Blank lines and lines starting with '#' are skipped.
func Parse(r io.Reader) (Document, error) {
	var doc Document
	var rows int
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rows >= Channels {
			rows++
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != Coefficients {
			return Document{}, &FileError{
				Reason: fmt.Sprintf("row %d has %d fields, expected %d", rows+1, len(fields), Coefficients),
			}
		}
		for i, field := range fields {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return Document{}, &FileError{
					Reason: fmt.Sprintf("row %d field %d is not a number", rows+1, i+1),
					Err:    err,
				}
			}
			doc[rows][i] = value
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return Document{}, &FileError{Reason: "read failed", Err: err}
	}
	if rows != Channels {
		return Document{}, &FileError{
			Reason: fmt.Sprintf("found %d data rows, expected %d", rows, Channels),
		}
	}
	return doc, nil
}

// ParseFile reads and parses a calibration file from disk. A missing
// file reports a FileError, matching malformed content.
func ParseFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, &FileError{Path: path, Reason: "cannot open", Err: err}
	}
	defer func() {
		_ = f.Close()
	}()
	doc, err := Parse(f)
	if err != nil {
		if fileErr, ok := err.(*FileError); ok {
			fileErr.Path = path
		}
		return Document{}, err
	}
	return doc, nil
}

// WriteTo serializes the document in the same format Parse accepts.
// Values round-trip exactly through FormatFloat's shortest
// representation.
func (d Document) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, record := range d {
		fields := make([]string, Coefficients)
		for i, value := range record {
			fields[i] = strconv.FormatFloat(value, 'g', -1, 64)
		}
		n, err := fmt.Fprintln(w, strings.Join(fields, " "))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (d Document) String() string {
	var b strings.Builder
	_, _ = d.WriteTo(&b)
	return b.String()
}

// Flatten returns the coefficients in channel order as a single
// slice.
func (d Document) Flatten() []float64 {
	flat := make([]float64, 0, Channels*Coefficients)
	for _, record := range d {
		flat = append(flat, record[:]...)
	}
	return flat
}

// Equal reports exact coefficient equality.
func (d Document) Equal(other Document) bool {
	return floats.Equal(d.Flatten(), other.Flatten())
}
