// Package activity is the append-only log of everything steward and its
// operator did. The log file is the only source of truth: one JSON object per
// line, never rewritten, read back in full on every query.
package activity

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Actor names who caused a side effect.
type Actor string

const (
	ActorUser    Actor = "user"
	ActorDaemon  Actor = "daemon"
	ActorCommand Actor = "command"
)

// Valid reports whether a is one of the known actors.
func (a Actor) Valid() bool {
	switch a {
	case ActorUser, ActorDaemon, ActorCommand:
		return true
	}
	return false
}

// TimeFormat is the on-disk timestamp layout (UTC, millisecond precision).
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Entry is one immutable log record.
type Entry struct {
	TS     time.Time      `json:"ts"`
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Target string         `json:"target,omitempty"`
	By     Actor          `json:"by"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// line is the wire shape: target and meta are written as null when empty.
type line struct {
	TS     string         `json:"ts"`
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Target *string        `json:"target"`
	By     Actor          `json:"by"`
	Meta   map[string]any `json:"meta"`
}

// MarshalJSON writes the log line form of e.
func (e Entry) MarshalJSON() ([]byte, error) {
	l := line{
		TS:     e.TS.UTC().Format(TimeFormat),
		Tool:   e.Tool,
		Action: e.Action,
		By:     e.By,
		Meta:   e.Meta,
	}
	if e.Target != "" {
		t := e.Target
		l.Target = &t
	}
	if len(l.Meta) == 0 {
		l.Meta = nil
	}
	return json.Marshal(l)
}

// UnmarshalJSON reads the log line form. Timestamps are advisory, so an
// unparseable ts leaves TS zero instead of rejecting the line.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var l line
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}
	if l.Tool == "" && l.Action == "" && l.By == "" {
		return errors.New("not a log entry")
	}
	ts, err := time.Parse(time.RFC3339Nano, l.TS)
	if err != nil {
		ts = time.Time{}
	}
	*e = Entry{TS: ts, Tool: l.Tool, Action: l.Action, By: l.By, Meta: l.Meta}
	if l.Target != nil {
		e.Target = *l.Target
	}
	return nil
}

// MetaString returns meta[key] rendered as a string, or "" when absent.
func (e Entry) MetaString(key string) string {
	v, ok := e.Meta[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Record returns e as a generic record for rule evaluation.
func (e Entry) Record() map[string]any {
	rec := map[string]any{
		"ts":     e.TS.UTC().Format(TimeFormat),
		"tool":   e.Tool,
		"action": e.Action,
		"by":     string(e.By),
	}
	if e.Target != "" {
		rec["target"] = e.Target
	}
	if len(e.Meta) > 0 {
		rec["meta"] = e.Meta
	}
	return rec
}

// Log appends to and reads from a JSONL file.
type Log struct {
	path string
	log  *zap.Logger
	now  func() time.Time
}

// Open returns a Log backed by path. The file is created lazily on first write.
func Open(path string, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{path: path, log: logger, now: time.Now}
}

// Path returns the backing file path.
func (l *Log) Path() string { return l.path }

// Record stamps e with the current time and appends it. A failed write is
// returned to the caller; nothing is retried.
func (l *Log) Record(e Entry) (Entry, error) {
	if !e.By.Valid() {
		return Entry{}, fmt.Errorf("invalid actor %q (want user, daemon or command)", e.By)
	}
	if e.Tool == "" || e.Action == "" {
		return Entry{}, fmt.Errorf("log entry needs tool and action")
	}
	e.TS = l.now().UTC().Truncate(time.Millisecond)

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encode log entry: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return Entry{}, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("open activity log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return Entry{}, fmt.Errorf("append activity log: %w", err)
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("close activity log: %w", err)
	}
	return e, nil
}

// ReadAll returns every well-formed entry in write order. A missing file reads
// as empty; malformed lines are skipped with a warning.
func (l *Log) ReadAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			l.log.Warn("skipping malformed activity line",
				zap.String("path", l.path),
				zap.Int("line", lineNum),
				zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read activity log: %w", err)
	}
	return entries, nil
}

// Filter selects entries; every non-empty field must match.
type Filter struct {
	Tool   string
	By     Actor
	Action string
	// Since is an absolute timestamp or a relative duration such as "30m".
	Since string
}

// Query returns the entries matching all of f's non-empty fields.
func (l *Log) Query(f Filter) ([]Entry, error) {
	var cutoff time.Time
	if f.Since != "" {
		var err error
		cutoff, err = ParseSince(f.Since, l.now())
		if err != nil {
			return nil, err
		}
	}

	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, e := range entries {
		if f.Tool != "" && e.Tool != f.Tool {
			continue
		}
		if f.By != "" && e.By != f.By {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Since != "" && e.TS.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Since returns entries stamped at or after cutoff.
func (l *Log) Since(cutoff time.Time) ([]Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if !e.TS.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Search does a case-insensitive substring match against each entry's
// serialized form.
func (l *Log) Search(text string) ([]Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(text)
	var out []Entry
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(data)), needle) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tail returns the last n entries in write order. n <= 0 returns everything.
func (l *Log) Tail(n int) ([]Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
