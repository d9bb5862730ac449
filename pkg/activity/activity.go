// Package activity keeps a plain-text, append-only activity log per
// site. Each line carries a timestamp prefix so the log can be trimmed
// by age without any index.
package activity

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// Log writes and reads per-site activity files under a base directory.
type Log struct {
	dir       string
	retention time.Duration

	mu sync.Mutex
}

// New creates an activity log rooted at dir. Lines older than
// retentionDays are dropped by Trim.
func New(dir string, retentionDays int) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create activity directory: %w", err)
	}
	return &Log{
		dir:       dir,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}, nil
}

// Append records a timestamped line for the given site.
func (l *Log) Append(site, format string, args ...interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path(site), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open activity log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s\n", time.Now().Format(timeLayout), fmt.Sprintf(format, args...))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append activity line: %w", err)
	}
	return nil
}

// Tail returns the most recent n lines for a site, oldest first. A
// missing log yields an empty slice.
func (l *Log) Tail(site string, n int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := l.readLines(site)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Trim drops lines older than the retention window for a site. Lines
// without a parseable timestamp prefix are kept.
func (l *Log) Trim(site string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines, err := l.readLines(site)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}

	cutoff := time.Now().Add(-l.retention)
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		ts, ok := parseTimestamp(line)
		if ok && ts.Before(cutoff) {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) == len(lines) {
		return nil
	}

	var b strings.Builder
	for _, line := range kept {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(l.path(site), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to rewrite activity log: %w", err)
	}
	return nil
}

// Remove deletes a site's log file entirely.
func (l *Log) Remove(site string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path(site)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove activity log: %w", err)
	}
	return nil
}

func (l *Log) readLines(site string) ([]string, error) {
	f, err := os.Open(l.path(site))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read activity log: %w", err)
	}
	return lines, nil
}

func (l *Log) path(site string) string {
	return filepath.Join(l.dir, sanitize(site)+".log")
}

func parseTimestamp(line string) (time.Time, bool) {
	if len(line) < len(timeLayout) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(timeLayout, line[:len(timeLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// sanitize maps a site name to a safe file name.
func sanitize(site string) string {
	var b strings.Builder
	for _, r := range site {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "site"
	}
	return b.String()
}
