package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Recorder streams events to a writer as a sequence of msgpack values.
type Recorder struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *msgpack.Encoder
	closer io.Closer
	err    error
}

// NewRecorder returns a recorder writing to w. If w is an io.Closer, Close
// closes it.
func NewRecorder(w io.Writer) *Recorder {
	buf := bufio.NewWriter(w)
	r := &Recorder{
		buf: buf,
		enc: msgpack.NewEncoder(buf),
	}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// CreateRecorder creates (or truncates) path and records into it.
func CreateRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace output: %w", err)
	}
	return NewRecorder(f), nil
}

// Emit implements Sink. The first encoding error is kept and reported by
// Flush and Close; later events are dropped.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.err = r.enc.Encode(&ev)
}

// Flush writes buffered events to the underlying writer.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return r.buf.Flush()
}

// Close flushes and closes the underlying writer when it is closable.
func (r *Recorder) Close() error {
	err := r.Flush()
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
	}
	return err
}

// ReadAll decodes every event recorded in r.
func ReadAll(r io.Reader) ([]Event, error) {
	dec := msgpack.NewDecoder(bufio.NewReader(r))
	var out []Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("failed to decode trace event %d: %w", len(out), err)
		}
		out = append(out, ev)
	}
}

// ReadFile decodes every event recorded at path.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}
