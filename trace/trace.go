// Package trace records the frames exchanged with an agent as JSONL, one
// entry per message, and reads such files back for debugging and fixtures.
package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	mathrand "math/rand"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bazelment/acplink/acp"
	"github.com/bazelment/acplink/jsonrpc"
)

// maxLine bounds a single trace line when reading.
const maxLine = 16 << 20

// Entry is a single line of a trace file. It wraps the message with
// metadata.
type Entry struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Direction string          `json:"direction"` // "sent" or "received"
	Method    string          `json:"method,omitempty"`
	Message   json.RawMessage `json:"message"`
}

// Time parses Timestamp.
func (e Entry) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// Decode parses the wrapped message.
func (e Entry) Decode() (*jsonrpc.Message, error) {
	return jsonrpc.Decode(e.Message)
}

// Recorder writes entries to a file or writer. It implements
// acp.FrameTap. Write errors are kept and reported by Err and Close;
// recording continues to be attempted.
type Recorder struct {
	w       *bufio.Writer
	closer  io.Closer
	entropy io.Reader
	err     error
	now     func() time.Time
	mu      sync.Mutex
}

var _ acp.FrameTap = (*Recorder)(nil)

// Create opens path for appending and returns a recorder writing to it.
func Create(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	r := NewRecorder(f)
	r.closer = f
	return r, nil
}

// NewRecorder returns a recorder writing to w. Close flushes but does not
// close w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{
		w:       bufio.NewWriter(w),
		entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
	}
}

// Record appends one entry and flushes it.
func (r *Recorder) Record(dir acp.Direction, msg *jsonrpc.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		r.fail(fmt.Errorf("marshal %s message: %w", dir, err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry := Entry{
		ID:        ulid.MustNew(ulid.Timestamp(now), r.entropy).String(),
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Direction: string(dir),
		Method:    msg.Method,
		Message:   raw,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		r.setErrLocked(err)
		return
	}
	line = append(line, '\n')
	if _, err := r.w.Write(line); err != nil {
		r.setErrLocked(err)
		return
	}
	if err := r.w.Flush(); err != nil {
		r.setErrLocked(err)
	}
}

func (r *Recorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setErrLocked(err)
}

func (r *Recorder) setErrLocked(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Err returns the first error hit while recording.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close flushes pending output and closes the file opened by Create.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	errs := []error{r.err, r.w.Flush()}
	if r.closer != nil {
		errs = append(errs, r.closer.Close())
		r.closer = nil
	}
	return errors.Join(errs...)
}

// Read yields the entries of a trace stream in order. A line that is not
// an entry is treated as a bare message with no metadata. Blank lines are
// skipped.
func Read(rd io.Reader) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		sc := bufio.NewScanner(rd)
		sc.Buffer(make([]byte, 0, 64<<10), maxLine)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			entry, err := parseLine(line)
			if !yield(entry, err) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(Entry{}, fmt.Errorf("read trace: %w", err))
		}
	}
}

// ReadFile is Read over the file at path, collected into a slice.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	for entry, err := range Read(f) {
		if err != nil {
			return out, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// parseLine accepts an Entry, or falls back to a raw protocol message when
// the line has no "message" field.
func parseLine(line []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(line, &entry); err == nil && len(entry.Message) > 0 {
		return entry, nil
	}
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		return Entry{}, fmt.Errorf("parse trace line: %w", err)
	}
	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	return Entry{Method: msg.Method, Message: raw}, nil
}
