package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/llm"
)

// UsageEntry is one backend call's token accounting.
type UsageEntry struct {
	Timestamp           time.Time `json:"ts"`
	Model               string    `json:"model"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
	CacheReadTokens     int       `json:"cache_read_input_tokens"`
	CacheCreationTokens int       `json:"cache_creation_input_tokens"`
}

// UsageLog appends usage entries to usage-YYYY-MM-DD.jsonl under dir.
type UsageLog struct {
	dir string
	mu  sync.Mutex
}

func NewUsageLog(dir string) (*UsageLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create usage dir: %w", err)
	}
	return &UsageLog{dir: dir}, nil
}

func (l *UsageLog) Usage(model string, u llm.Usage) {
	entry := UsageEntry{
		Timestamp:           time.Now().UTC(),
		Model:               model,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		slog.Error("failed to marshal usage entry", "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, "usage-"+entry.Timestamp.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("failed to open usage log", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		slog.Error("failed to write usage entry", "error", err)
	}
}

// ReadUsage loads usage entries recorded between since and until, inclusive.
func ReadUsage(dir string, since, until time.Time) ([]UsageEntry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "usage-*.jsonl"))
	if err != nil {
		return nil, err
	}

	var entries []UsageEntry
	for _, path := range paths {
		fileEntries, err := readJSONLines[UsageEntry](path)
		if err != nil {
			return nil, err
		}
		for _, e := range fileEntries {
			if e.Timestamp.Before(since) || e.Timestamp.After(until) {
				continue
			}
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// DailyUsage aggregates one day's entries.
type DailyUsage struct {
	Date                string
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	Calls               int
	ModelsUsed          []string
}

// AggregateDaily groups usage entries by day, sorted ascending by date.
func AggregateDaily(entries []UsageEntry) []DailyUsage {
	if len(entries) == 0 {
		return nil
	}

	byDate := make(map[string]*DailyUsage)
	for _, e := range entries {
		date := e.Timestamp.Format("2006-01-02")
		daily, ok := byDate[date]
		if !ok {
			daily = &DailyUsage{Date: date}
			byDate[date] = daily
		}

		daily.InputTokens += e.InputTokens
		daily.OutputTokens += e.OutputTokens
		daily.CacheReadTokens += e.CacheReadTokens
		daily.CacheCreationTokens += e.CacheCreationTokens
		daily.Calls++

		found := false
		for _, m := range daily.ModelsUsed {
			if m == e.Model {
				found = true
				break
			}
		}
		if !found && e.Model != "" {
			daily.ModelsUsed = append(daily.ModelsUsed, e.Model)
		}
	}

	result := make([]DailyUsage, 0, len(byDate))
	for _, daily := range byDate {
		result = append(result, *daily)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Date < result[j].Date
	})
	return result
}

// ModelBreakdown aggregates usage per model.
type ModelBreakdown struct {
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	Calls               int
}

// AggregateByModel returns per-model totals sorted by total tokens descending.
func AggregateByModel(entries []UsageEntry) []ModelBreakdown {
	byModel := make(map[string]*ModelBreakdown)
	for _, e := range entries {
		model := e.Model
		if model == "" {
			model = "unknown"
		}
		mb, ok := byModel[model]
		if !ok {
			mb = &ModelBreakdown{Model: model}
			byModel[model] = mb
		}
		mb.InputTokens += e.InputTokens
		mb.OutputTokens += e.OutputTokens
		mb.CacheReadTokens += e.CacheReadTokens
		mb.CacheCreationTokens += e.CacheCreationTokens
		mb.Calls++
	}

	result := make([]ModelBreakdown, 0, len(byModel))
	for _, mb := range byModel {
		result = append(result, *mb)
	}
	sort.Slice(result, func(i, j int) bool {
		iTotal := result[i].InputTokens + result[i].OutputTokens
		jTotal := result[j].InputTokens + result[j].OutputTokens
		return iTotal > jTotal
	})
	return result
}

// DefaultDateRange returns the default reporting window: the last 7 days
// including today.
func DefaultDateRange() (since, until time.Time) {
	now := time.Now()
	until = time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, now.Location())
	since = until.AddDate(0, 0, -6)
	since = time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, since.Location())
	return since, until
}

func readJSONLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			slog.Debug("skipping malformed record", "path", path, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}

var _ llm.UsageLog = (*UsageLog)(nil)
