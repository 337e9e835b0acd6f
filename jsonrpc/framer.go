package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
)

// DefaultMaxRecordSize bounds a single newline-delimited record.
const DefaultMaxRecordSize = 16 << 20

// ErrRecordTooLarge is reported when a record grows past the decoder limit
// before its separator arrives.
var ErrRecordTooLarge = errors.New("jsonrpc: record exceeds maximum size")

// FrameError reports a record that could not be decoded. The decoder has
// already resynchronized on the next separator when it is returned.
type FrameError struct {
	Err  error
	Line []byte
}

func (e *FrameError) Error() string {
	const max = 120
	line := e.Line
	if len(line) > max {
		line = line[:max]
	}
	if len(line) == 0 {
		return fmt.Sprintf("malformed frame: %v", e.Err)
	}
	return fmt.Sprintf("malformed frame %q: %v", line, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Encode serializes m as one compact JSON object followed by '\n'. Raw
// params and results are compacted by encoding/json, so a separator can
// never appear unescaped inside the record.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return append(data, '\n'), nil
}

// Decode parses a single record without its separator.
func Decode(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Decoder turns an arbitrarily chunked byte stream into messages. It is not
// safe for concurrent use; one reader goroutine owns it.
type Decoder struct {
	buf        []byte
	start      int
	discarding bool

	// MaxRecordSize overrides DefaultMaxRecordSize when positive.
	MaxRecordSize int
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Buffered returns the number of bytes held for an incomplete record.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.start
}

// Feed appends p to the internal buffer and returns a sequence over every
// record that is now complete. Malformed records are yielded as a
// *FrameError paired with a nil message. If the caller stops ranging early,
// the remaining records stay buffered for the next Feed.
func (d *Decoder) Feed(p []byte) iter.Seq2[*Message, error] {
	d.compact()
	d.buf = append(d.buf, p...)
	return func(yield func(*Message, error) bool) {
		for {
			line, ok, err := d.nextRecord()
			if !ok {
				return
			}
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if line == nil {
				continue
			}
			msg, derr := Decode(line)
			if derr != nil {
				if !yield(nil, &FrameError{Line: bytes.Clone(line), Err: derr}) {
					return
				}
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (d *Decoder) maxRecord() int {
	if d.MaxRecordSize > 0 {
		return d.MaxRecordSize
	}
	return DefaultMaxRecordSize
}

// nextRecord pops the next record. ok is false when no complete record is
// buffered. A nil line with nil err means a blank or discarded record.
func (d *Decoder) nextRecord() (line []byte, ok bool, err error) {
	pending := d.buf[d.start:]
	idx := bytes.IndexByte(pending, '\n')
	if idx < 0 {
		if len(pending) > d.maxRecord() {
			d.buf = d.buf[:0]
			d.start = 0
			if !d.discarding {
				d.discarding = true
				return nil, true, &FrameError{Err: ErrRecordTooLarge}
			}
		}
		return nil, false, nil
	}

	d.start += idx + 1
	if d.discarding {
		d.discarding = false
		return nil, true, nil
	}

	line = bytes.TrimSuffix(pending[:idx], []byte{'\r'})
	if len(line) > d.maxRecord() {
		return nil, true, &FrameError{Err: ErrRecordTooLarge}
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, true, nil
	}
	return line, true, nil
}

func (d *Decoder) compact() {
	if d.start == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.start:])
	d.buf = d.buf[:n]
	d.start = 0
}
