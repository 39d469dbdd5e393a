package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sawpanic/liqradar/internal/dispatch"
	"github.com/sawpanic/liqradar/internal/domain"
)

// FileSink appends alerts to a JSON-lines file.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create alerts directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open alerts file: %w", err)
	}
	return &FileSink{path: path, file: file, enc: json.NewEncoder(file)}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Deliver(ctx context.Context, alert domain.Alert) (dispatch.Ack, error) {
	if err := ctx.Err(); err != nil {
		return dispatch.Ack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return dispatch.Ack{}, fmt.Errorf("alerts file %s is closed", s.path)
	}
	if err := s.enc.Encode(alert); err != nil {
		return dispatch.Ack{}, fmt.Errorf("failed to encode alert: %w", err)
	}
	return dispatch.Ack{AlertID: alert.ID, Sink: s.Name(), At: time.Now()}, nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
