package paper

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"statemax-go/internal/exchange"
)

// JSONLRecorder appends fills to a JSON lines file, one object per fill.
type JSONLRecorder struct {
	mu    sync.Mutex
	file  *os.File
	buf   *bufio.Writer
	log   zerolog.Logger
	count int
}

// NewJSONLRecorder opens path for appending, creating parent directories.
func NewJSONLRecorder(path string, log zerolog.Logger) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{file: file, buf: bufio.NewWriter(file), log: log.With().Str("component", "fill_recorder").Logger()}, nil
}

// Record writes fill and flushes so a crashed backtest keeps its trades.
func (r *JSONLRecorder) Record(fill exchange.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	line, err := json.Marshal(fill)
	if err == nil {
		line = append(line, '\n')
		_, err = r.buf.Write(line)
	}
	if err == nil {
		err = r.buf.Flush()
	}
	if err != nil {
		r.log.Error().Err(err).Str("order_id", fill.OrderID).Msg("record fill")
		return
	}
	r.count++
}

// Count reports how many fills were written.
func (r *JSONLRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close flushes and closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	flushErr := r.buf.Flush()
	err := r.file.Close()
	r.file = nil
	if flushErr != nil {
		return flushErr
	}
	return err
}
