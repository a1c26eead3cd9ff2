// Package logger records terminal sessions in the asciinema v2 cast format.
package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types of an asciinema v2 cast.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of a cast file.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one line after the header: [offset, type, data].
type Event struct {
	Offset float64
	Type   string
	Data   string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Offset, e.Type, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}
	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	typ, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid event type")
	}
	payload, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data type")
	}
	e.Offset, e.Type, e.Data = offset, typ, payload
	return nil
}

// Recorder appends terminal events to a cast. It is safe for concurrent use.
// A nil *Recorder records nothing, so callers need not check whether
// recording is enabled.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	start  time.Time
}

// Create opens <dir>/<sessionID>.cast and writes its header.
func Create(dir, sessionID string, cols, rows int, env map[string]string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, sessionID+".cast"))
	if err != nil {
		return nil, fmt.Errorf("create cast: %w", err)
	}
	r := newRecorder(f, f)
	if err := r.writeHeader(cols, rows, sessionID, env); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewRecorder records to w without owning it.
func NewRecorder(w io.Writer, cols, rows int) (*Recorder, error) {
	r := newRecorder(w, nil)
	if err := r.writeHeader(cols, rows, "", nil); err != nil {
		return nil, err
	}
	return r, nil
}

func newRecorder(w io.Writer, c io.Closer) *Recorder {
	return &Recorder{w: bufio.NewWriter(w), closer: c, start: time.Now()}
}

func (r *Recorder) writeHeader(cols, rows int, title string, env map[string]string) error {
	data, err := json.Marshal(Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.start.Unix(),
		Title:     title,
		Env:       env,
	})
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return r.w.Flush()
}

// Output records bytes produced by the shell.
func (r *Recorder) Output(data []byte) error {
	return r.event(EventOutput, string(data))
}

// Input records bytes typed by the client.
func (r *Recorder) Input(data []byte) error {
	return r.event(EventInput, string(data))
}

// Resize records a window size change as "COLSxROWS".
func (r *Recorder) Resize(cols, rows int) error {
	return r.event(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) event(typ, data string) error {
	if r == nil {
		return nil
	}
	line, err := json.Marshal(Event{Offset: time.Since(r.start).Seconds(), Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close flushes the cast and closes the file it owns.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.w.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
		r.closer = nil
	}
	return err
}
