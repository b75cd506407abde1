package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

const defaultRecentLimit = 100

// remember stores ev in the ring buffer, evicting the oldest entry
func (l *Logger) remember(ev Event) {
	l.ringMu.Lock()
	defer l.ringMu.Unlock()

	l.ring[l.head] = ev
	l.head = (l.head + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
}

// Recent returns in-memory events newest first
func (l *Logger) Recent(f Filter) []Event {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	l.ringMu.Lock()
	defer l.ringMu.Unlock()

	out := make([]Event, 0, min(limit, l.count))
	for i := 0; i < l.count && len(out) < limit; i++ {
		idx := (l.head - 1 - i + len(l.ring)) % len(l.ring)
		ev := &l.ring[idx]
		if f.match(ev) {
			out = append(out, ev.clone())
		}
	}
	return out
}

// Search reads events in [from, to] from this logger's directory
func (l *Logger) Search(from, to time.Time, f Filter) ([]Event, error) {
	return Search(l.dir, from, to, f)
}

// Search reads the daily partitions under dir covering [from, to] and
// returns matching events oldest first. Malformed lines are skipped.
func Search(dir string, from, to time.Time, f Filter) ([]Event, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("search range end %s is before start %s", to, from)
	}

	var results []Event
	start := from.UTC().Truncate(24 * time.Hour)
	for day := start; !day.After(to.UTC()); day = day.Add(24 * time.Hour) {
		events, err := readPartition(PartitionPath(dir, day), from, to, f)
		if err != nil {
			return nil, err
		}
		results = append(results, events...)
		if f.Limit > 0 && len(results) >= f.Limit {
			return results[:f.Limit], nil
		}
	}
	return results, nil
}

func readPartition(path string, from, to time.Time, f Filter) ([]Event, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close() //nolint:errcheck // read-only

	var out []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
			continue
		}
		if f.match(&ev) {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}
