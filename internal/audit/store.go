package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// maxLineBytes caps one decoded line. Longer lines count as malformed.
var maxLineBytes = 16 << 20

const (
	maxDaysBack     = 366
	defaultPageSize = 50
	maxPageSize     = 500
)

// Store reads and prunes the day partitions under one directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore returns a reader for dir. now defaults to time.Now.
func NewStore(dir string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{dir: dir, now: now}
}

// Dir returns the partition directory.
func (st *Store) Dir() string { return st.dir }

// DailyStats aggregates one UTC day.
type DailyStats struct {
	Date          string         `json:"date"`
	Requests      int            `json:"requests"`
	Errors        int            `json:"errors"`
	TokensIn      int            `json:"tokens_in"`
	TokensOut     int            `json:"tokens_out"`
	CachedTokens  int            `json:"cached_tokens"`
	ToolCalls     int            `json:"tool_calls"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
	MaxDurationMs int64          `json:"max_duration_ms"`
	Models        map[string]int `json:"models"`
	Statuses      map[int]int    `json:"statuses"`
	Malformed     int            `json:"malformed,omitempty"`
}

// Page is one slice of RecentEntries.
type Page struct {
	Entries  []Entry `json:"entries"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	Total    int     `json:"total"`
	HasMore  bool    `json:"has_more"`
}

// DailyStats folds the last daysBack UTC days (today included), oldest
// first. Days without a partition appear with zero counts.
func (st *Store) DailyStats(daysBack int) ([]DailyStats, error) {
	if daysBack < 1 {
		daysBack = 1
	}
	if daysBack > maxDaysBack {
		daysBack = maxDaysBack
	}

	today := truncateDay(st.now())
	out := make([]DailyStats, 0, daysBack)
	for i := daysBack - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i)
		ds, err := st.foldDay(day)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

func (st *Store) foldDay(day time.Time) (DailyStats, error) {
	ds := DailyStats{
		Date:     day.Format(dayLayout),
		Models:   map[string]int{},
		Statuses: map[int]int{},
	}
	var totalDuration int64
	malformed, err := scanFile(dayFile(st.dir, day), func(e Entry) {
		ds.Requests++
		if e.Status >= 400 {
			ds.Errors++
		}
		ds.TokensIn += e.TokensIn
		ds.TokensOut += e.TokensOut
		ds.CachedTokens += e.CachedTokens
		ds.ToolCalls += e.ToolCalls
		totalDuration += e.DurationMs
		if e.DurationMs > ds.MaxDurationMs {
			ds.MaxDurationMs = e.DurationMs
		}
		if e.Model != "" {
			ds.Models[e.Model]++
		}
		ds.Statuses[e.Status]++
	})
	if err != nil {
		return DailyStats{}, err
	}
	ds.Malformed = malformed
	if ds.Requests > 0 {
		ds.AvgDurationMs = float64(totalDuration) / float64(ds.Requests)
	}
	return ds, nil
}

// RecentEntries pages through all partitions newest first. page is 1-based.
// Partitions are decoded only until the requested page is filled; older
// ones are just counted, so Total includes their malformed lines.
func (st *Store) RecentEntries(page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	days, err := st.partitions()
	if err != nil {
		return nil, err
	}

	start := (page - 1) * pageSize
	need := start + pageSize

	// Newest partition first, newest line first within a partition.
	var (
		recent []Entry
		total  int
	)
	for i := len(days) - 1; i >= 0; i-- {
		if len(recent) >= need {
			n, err := countLines(days[i].path)
			if err != nil {
				return nil, err
			}
			total += n
			continue
		}
		var dayEntries []Entry
		if _, err := scanFile(days[i].path, func(e Entry) {
			dayEntries = append(dayEntries, e)
		}); err != nil {
			return nil, err
		}
		total += len(dayEntries)
		for j := len(dayEntries) - 1; j >= 0 && len(recent) < need; j-- {
			recent = append(recent, dayEntries[j])
		}
	}

	p := &Page{Page: page, PageSize: pageSize, Total: total, Entries: []Entry{}}
	if start >= len(recent) {
		return p, nil
	}
	end := min(need, len(recent))
	p.Entries = recent[start:end]
	p.HasMore = end < total
	return p, nil
}

// PurgeOlderThan removes partitions dated more than retentionDays before
// today (UTC) and returns how many were removed. retentionDays <= 0 keeps
// everything.
func (st *Store) PurgeOlderThan(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := truncateDay(st.now()).AddDate(0, 0, -retentionDays)

	days, err := st.partitions()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, d := range days {
		if !d.day.Before(cutoff) {
			continue
		}
		if err := os.Remove(d.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove %s: %w", d.path, err)
		}
		removed++
	}
	return removed, nil
}

type partition struct {
	day  time.Time
	path string
}

// partitions lists day files oldest first. A missing directory has none.
func (st *Store) partitions() ([]partition, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list audit dir: %w", err)
	}
	var out []partition
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		day, ok := parseDayFile(de.Name())
		if !ok {
			continue
		}
		out = append(out, partition{day: day, path: filepath.Join(st.dir, de.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day.Before(out[j].day) })
	return out, nil
}

// scanFile decodes each line of path into fn and returns the number of
// malformed lines skipped. A missing file is empty.
func scanFile(path string, fn func(Entry)) (int, error) {
	malformed := 0
	err := eachLine(path, func(line []byte, tooLong bool) {
		var e Entry
		if tooLong || json.Unmarshal(line, &e) != nil {
			malformed++
			return
		}
		fn(e)
	})
	return malformed, err
}

// countLines counts the non-empty lines of path without decoding them.
func countLines(path string) (int, error) {
	n := 0
	err := eachLine(path, func([]byte, bool) { n++ })
	return n, err
}

// eachLine hands every non-empty line of path to fn. A line longer than
// maxLineBytes is consumed and passed as tooLong with no content.
func eachLine(path string, fn func(line []byte, tooLong bool)) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var buf []byte
	for {
		buf = buf[:0]
		tooLong := false
		var readErr error
		for {
			chunk, err := r.ReadSlice('\n')
			if !tooLong {
				if len(buf)+len(chunk) > maxLineBytes+1 {
					tooLong, buf = true, buf[:0]
				} else {
					buf = append(buf, chunk...)
				}
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			readErr = err
			break
		}
		line := bytes.TrimRight(buf, "\r\n")
		if tooLong || len(line) > 0 {
			fn(line, tooLong)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read %s: %w", path, readErr)
		}
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
