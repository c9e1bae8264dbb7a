package snapshot

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// componentPrefix is stripped from log file names to get the agent ID.
const componentPrefix = "com.fyrsmith.agents."

// LogSource reads agent log files from a directory. Each *.log file holds
// one agent's stream; the agent ID is the file name minus extension and
// the well-known prefix.
type LogSource struct {
	dir string
}

// NewLogSource creates a log-directory source.
func NewLogSource(dir string) *LogSource {
	return &LogSource{dir: dir}
}

// Name implements Source.
func (s *LogSource) Name() string {
	return "logdir:" + s.dir
}

var (
	lineTimestamp = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})`)
	lineItemID    = regexp.MustCompile(`\bitem=([A-Za-z0-9_-]+)`)
)

// Read implements Source. Lines outside the window, traceback frames and
// oversized structured dumps are dropped; error lines are always kept so
// long-running failures survive narrow windows.
func (s *LogSource) Read(ctx context.Context, window Window) ([]Event, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read log directory %s: %w", s.dir, err)
	}

	var events []Event
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		component := strings.TrimSuffix(entry.Name(), ".log")
		component = strings.TrimPrefix(component, componentPrefix)

		fileEvents, err := s.readFile(filepath.Join(s.dir, entry.Name()), component, window)
		if err != nil {
			return nil, err
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func (s *LogSource) readFile(path, component string, window Window) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || excludeLine(line) {
			continue
		}

		ts, ok := extractTimestamp(line)
		if !ok || !window.Contains(ts) {
			continue
		}

		ev := Event{
			ComponentID: component,
			Timestamp:   ts,
			Message:     line,
		}
		if m := lineItemID.FindStringSubmatch(line); m != nil {
			ev.ItemID = m[1]
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file %s: %w", path, err)
	}
	return events, nil
}

// excludeLine filters traceback frames and large structured dumps.
func excludeLine(line string) bool {
	if strings.Contains(line, "ERROR") || strings.Contains(line, "CRITICAL") {
		return false
	}
	if len(line) > 200 && (strings.Count(line, "{") > 3 || strings.Count(line, "[") > 3) {
		return true
	}
	if strings.Contains(line, "Traceback (most recent call last):") {
		return true
	}
	if strings.Contains(line, `  File "`) && strings.Contains(line, "line ") {
		return true
	}
	return false
}

func extractTimestamp(line string) (time.Time, bool) {
	m := lineTimestamp.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	ts, err := time.Parse("2006-01-02 15:04:05", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
