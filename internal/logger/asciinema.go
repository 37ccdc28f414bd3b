// Package logger records terminal sessions as asciinema v2 casts.
package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Event types of the asciicast v2 format.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of an asciicast v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is a single recorded event, serialized as [offset, type, data].
type Event struct {
	TimeOffset float64
	EventType  string
	Data       string
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.TimeOffset, e.EventType, e.Data})
}

// UnmarshalJSON implements json.Unmarshaler.
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
	eventType, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid event type")
	}
	eventData, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data type")
	}

	e.TimeOffset = offset
	e.EventType = eventType
	e.Data = eventData
	return nil
}

// Recorder appends events to an asciicast v2 stream. It is safe for
// concurrent use; events are written in the order the calls are made.
type Recorder struct {
	mu        sync.Mutex
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	now       func() time.Time
	err       error
}

// Create records into a new file at path, truncating any existing one.
func Create(path string, h Header) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	rec, err := NewRecorder(file, h)
	if err != nil {
		file.Close()
		return nil, err
	}
	rec.file = file
	return rec, nil
}

// NewRecorder writes the header to w and returns a recorder appending to it.
func NewRecorder(w io.Writer, h Header) (*Recorder, error) {
	return newRecorder(w, h, time.Now)
}

func newRecorder(w io.Writer, h Header, now func() time.Time) (*Recorder, error) {
	start := now()
	h.Version = 2
	if h.Timestamp == 0 {
		h.Timestamp = start.Unix()
	}

	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	return &Recorder{writer: w, startTime: start, now: now}, nil
}

// Output records bytes the terminal displayed.
func (r *Recorder) Output(data []byte) error {
	return r.write(EventOutput, string(data))
}

// Input records bytes typed into the terminal.
func (r *Recorder) Input(data []byte) error {
	return r.write(EventInput, string(data))
}

// Resize records a geometry change as "COLSxROWS".
func (r *Recorder) Resize(cols, rows int) error {
	return r.write(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) write(eventType, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The first failure sticks so a full disk does not spam the log.
	if r.err != nil {
		return r.err
	}

	event := Event{
		TimeOffset: r.now().Sub(r.startTime).Seconds(),
		EventType:  eventType,
		Data:       data,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		r.err = fmt.Errorf("failed to write event: %w", err)
		return r.err
	}
	return nil
}

// Close closes the underlying file when the recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err == nil {
		r.err = fmt.Errorf("recorder closed")
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// StartTime returns the start time of the recording.
func (r *Recorder) StartTime() time.Time {
	return r.startTime
}

// ReadCast parses an asciicast v2 stream.
func ReadCast(rd io.Reader) (Header, []Event, error) {
	var h Header
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return h, nil, fmt.Errorf("failed to read header: %w", err)
		}
		return h, nil, fmt.Errorf("empty recording")
	}
	if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
		return h, nil, fmt.Errorf("invalid header: %w", err)
	}
	if h.Version != 2 {
		return h, nil, fmt.Errorf("unsupported asciicast version %d", h.Version)
	}

	var events []Event
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return h, events, fmt.Errorf("invalid event %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return h, events, fmt.Errorf("failed to read events: %w", err)
	}
	return h, events, nil
}
