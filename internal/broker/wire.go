package broker

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// The TWS API frames every message as a 4-byte big-endian length prefix
// followed by NUL-delimited UTF-8 fields. Both directions use the same
// framing; field meaning depends on the leading message code.

// maxFrameSize rejects frames the API would never legitimately produce.
const maxFrameSize = 1 << 20

// writeFrame encodes fields into a single framed message.
func writeFrame(w io.Writer, fields ...string) error {
	payload := strings.Join(fields, "\x00") + "\x00"
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := io.WriteString(w, payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// readFrame reads one framed message and splits it into fields. The trailing
// NUL produces an empty final token which is dropped.
func readFrame(r *bufio.Reader) ([]string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	fields := strings.Split(string(payload), "\x00")
	if n := len(fields); n > 0 && fields[n-1] == "" {
		fields = fields[:n-1]
	}
	return fields, nil
}

// fieldReader walks the fields of a decoded frame with typed accessors.
// Out-of-range reads return zero values and latch an error, so decoders can
// read an entire message and check the error once.
type fieldReader struct {
	fields []string
	pos    int
	err    error
}

func newFieldReader(fields []string) *fieldReader {
	return &fieldReader{fields: fields}
}

func (f *fieldReader) next() string {
	if f.err != nil {
		return ""
	}
	if f.pos >= len(f.fields) {
		f.err = fmt.Errorf("frame truncated at field %d", f.pos)
		return ""
	}
	v := f.fields[f.pos]
	f.pos++
	return v
}

func (f *fieldReader) str() string { return f.next() }

func (f *fieldReader) int() int {
	s := f.next()
	if f.err != nil || s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		f.err = fmt.Errorf("field %d: parsing int %q: %w", f.pos-1, s, err)
		return 0
	}
	return n
}

func (f *fieldReader) int64() int64 {
	s := f.next()
	if f.err != nil || s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f.err = fmt.Errorf("field %d: parsing int64 %q: %w", f.pos-1, s, err)
		return 0
	}
	return n
}

func (f *fieldReader) float() float64 {
	s := f.next()
	if f.err != nil || s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		f.err = fmt.Errorf("field %d: parsing float %q: %w", f.pos-1, s, err)
		return 0
	}
	return v
}

// date parses the YYYYMMDD expiration format the wire uses.
func (f *fieldReader) date() time.Time {
	s := f.next()
	if f.err != nil || s == "" {
		return time.Time{}
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		f.err = fmt.Errorf("field %d: parsing date %q: %w", f.pos-1, s, err)
		return time.Time{}
	}
	return t
}

// Error returns the first accessor error, if any.
func (f *fieldReader) Error() error { return f.err }

// formatFloat renders a float the way the wire expects, dropping trailing zeros.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatWireDate renders a time as YYYYMMDD.
func formatWireDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("20060102")
}
