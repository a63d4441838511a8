// Package eventlog journals task events to daily rotated JSONL files.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"a2arunner/pkg/eventbus"
	"a2arunner/pkg/resilience"
	"a2arunner/pkg/task"
)

// Record kinds.
const (
	KindStatus   = "status"
	KindArtifact = "artifact"
)

// Record is one line of the journal.
type Record struct {
	Time     time.Time  `json:"time"`
	TaskID   string     `json:"task_id"`
	Kind     string     `json:"kind"`
	State    task.State `json:"state,omitempty"`
	Final    bool       `json:"final,omitempty"`
	Artifact string     `json:"artifact,omitempty"`
	Text     string     `json:"text,omitempty"`
}

// RecordFor flattens ev into a Record stamped with now.
func RecordFor(ev task.Event, now time.Time) Record {
	r := Record{Time: now.UTC(), TaskID: ev.TaskID()}
	switch e := ev.(type) {
	case *task.StatusEvent:
		r.Kind = KindStatus
		r.State = e.Status.State
		r.Final = e.Final
		if e.Status.Message != nil {
			r.Text = e.Status.Message.Text()
		}
	case *task.ArtifactEvent:
		r.Kind = KindArtifact
		r.Artifact = e.Artifact.Name
		r.Text = e.Artifact.Text()
	}
	return r
}

// Writer appends records to events-YYYY-MM-DD.jsonl in its directory,
// switching files when the UTC date changes.
type Writer struct {
	logDir      string
	clock       resilience.Clock
	currentFile *os.File
	currentDate string
	written     int64
	mu          sync.Mutex
}

// NewWriter creates the directory if needed and opens today's file. A nil
// clock uses the system clock.
func NewWriter(logDir string, clock resilience.Clock) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if clock == nil {
		clock = resilience.SystemClock()
	}

	w := &Writer{logDir: logDir, clock: clock}
	if err := w.rotateIfNeeded(w.clock.Now()); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return w, nil
}

// WriteEvent journals ev.
func (w *Writer) WriteEvent(ev task.Event) error {
	return w.WriteRecord(RecordFor(ev, w.clock.Now()))
}

// WriteRecord appends r as one JSON line.
func (w *Writer) WriteRecord(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(r.Time); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.written++
	return nil
}

// Follow journals every event from sub until its channel closes. Write
// errors are passed to onError, which may be nil.
func (w *Writer) Follow(sub *eventbus.Subscription, onError func(error)) {
	for ev := range sub.Events() {
		if err := w.WriteEvent(ev); err != nil && onError != nil {
			onError(err)
		}
	}
}

// Written counts records written since NewWriter.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) rotateIfNeeded(now time.Time) error {
	date := now.UTC().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		w.currentFile = nil
	}

	path := filepath.Join(w.logDir, fileName(date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = date
	return nil
}

// Close syncs and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	syncErr := w.currentFile.Sync()
	err := w.currentFile.Close()
	w.currentFile = nil
	if err == nil {
		err = syncErr
	}
	if err != nil {
		return fmt.Errorf("failed to close event log file: %w", err)
	}
	return nil
}

// CurrentLogFile returns the active file's path, or "" after Close.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileName(w.currentDate))
}

func fileName(date string) string {
	return "events-" + date + ".jsonl"
}

// ReadRecords parses a journal file. Blank lines are skipped.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("failed to parse %s line %d: %w", path, line, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return records, nil
}

// ListLogFiles returns the journal files in logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
