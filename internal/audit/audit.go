// Package audit persists tool-call and token-usage records as daily JSONL
// files. One record per line, written with a single O_APPEND write so
// concurrent writers never interleave.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/llm"
)

// Record is one audited tool call. The result itself is not stored, only its
// length; results can contain file contents and message bodies.
type Record struct {
	Timestamp    time.Time       `json:"ts"`
	Tool         string          `json:"tool"`
	Args         json.RawMessage `json:"args"`
	ResultLength int             `json:"result_length"`
	IsError      bool            `json:"is_error"`
}

// Log appends tool-call records to audit-YYYY-MM-DD.jsonl under dir.
type Log struct {
	dir string
	mu  sync.Mutex
}

func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

// ToolCall records one dispatch. Persistence failures are logged and
// swallowed: audit must never break the loop.
func (l *Log) ToolCall(name string, args json.RawMessage, result string, isError bool) {
	rec := Record{
		Timestamp:    time.Now().UTC(),
		Tool:         name,
		Args:         normalizeArgsJSON(args),
		ResultLength: len(result),
		IsError:      isError,
	}
	if err := l.append(rec); err != nil {
		slog.Error("failed to write audit record", "tool", name, "error", err)
	}
}

func (l *Log) append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, "audit-"+rec.Timestamp.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(line)
	return err
}

// ReadRecords loads every record from the daily files under dir, oldest file
// first. Malformed lines are skipped.
func ReadRecords(dir string) ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, path := range paths {
		entries, err := readJSONLines[Record](path)
		if err != nil {
			return nil, err
		}
		records = append(records, entries...)
	}
	return records, nil
}

func normalizeArgsJSON(args json.RawMessage) json.RawMessage {
	if len(args) == 0 || !json.Valid(args) {
		return json.RawMessage("{}")
	}
	return args
}

var _ llm.AuditLog = (*Log)(nil)
