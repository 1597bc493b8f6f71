package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/haasonsaas/strand/pkg/models"
)

// TraceSink appends every event as one JSON line to a file. Useful for
// replaying a run through the adapter or feeding cross-language
// consumers.
type TraceSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewTraceSink opens (or creates) the trace file in append mode.
func NewTraceSink(path string) (*TraceSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &TraceSink{file: f, enc: json.NewEncoder(f)}, nil
}

// Emit writes the event as one JSONL record. Write failures are logged,
// never propagated; tracing must not disturb a run.
func (s *TraceSink) Emit(ctx context.Context, e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if err := s.enc.Encode(e); err != nil {
		slog.Warn("trace sink write failed", "error", err)
	}
}

// Close flushes and closes the trace file.
func (s *TraceSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Replay reads a JSONL trace and feeds each event to the adapter in
// order. Malformed lines abort the replay.
func Replay(path string, adapter *Adapter) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for dec.More() {
		var e models.Event
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("decode trace event: %w", err)
		}
		adapter.HandleEvent(e)
	}
	adapter.Flush()
	return nil
}
