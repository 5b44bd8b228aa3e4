package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"coinflow/models"
)

// Overflow is the append-only JSON-lines file that takes batches the sink
// would not accept. One line per batch, self-describing, replayed on the
// next start once the backend is healthy again.
type Overflow struct {
	mu   sync.Mutex
	path string
}

// OverflowRecord is the line format of the overflow log.
type OverflowRecord struct {
	BatchID   string                `json:"batch_id"`
	SpilledAt time.Time             `json:"spilled_at"`
	Cause     string                `json:"cause,omitempty"`
	Events    []*models.MarketEvent `json:"events,omitempty"`
	Gaps      []*models.GapRecord   `json:"gaps,omitempty"`
}

func NewOverflow(path string) *Overflow {
	return &Overflow{path: path}
}

func (o *Overflow) Path() string {
	return o.path
}

// Spill appends one batch. The file is opened per spill; spills are rare
// and an open handle would pin a deleted file across log rotation.
func (o *Overflow) Spill(batch *models.Batch, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if dir := filepath.Dir(o.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create overflow dir: %w", err)
		}
	}

	file, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open overflow log: %w", err)
	}
	defer file.Close()

	record := OverflowRecord{
		BatchID:   batch.ID,
		SpilledAt: time.Now().UTC(),
		Events:    batch.Events,
		Gaps:      batch.Gaps,
	}
	if cause != nil {
		record.Cause = cause.Error()
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode overflow record: %w", err)
	}
	line = append(line, '\n')

	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("append overflow log: %w", err)
	}
	return file.Sync()
}

// Truncate empties the log once its records have been read for replay.
func (o *Overflow) Truncate() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.Truncate(o.path, 0); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadOverflow loads every spilled record, newest last.
func ReadOverflow(path string) ([]OverflowRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open overflow log: %w", err)
	}
	defer file.Close()

	var records []OverflowRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var record OverflowRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return records, fmt.Errorf("corrupt overflow line: %w", err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read overflow log: %w", err)
	}
	return records, nil
}
