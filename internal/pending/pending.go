// Package pending is the approval queue: a hand-editable markdown checklist of
// proposed actions. Every operation re-reads the file, so edits made in an
// editor between calls are picked up.
package pending

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Metadata keys the daemon writes.
const (
	MetaAction = "action"
	MetaKey    = "key"
	MetaRule   = "rule"
	MetaOrigin = "origin"
	MetaTarget = "target"
	MetaStatus = "status"
	MetaExit   = "exit"
)

// Settle statuses.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

const (
	header            = "# Pending Actions"
	queuedHeading     = "## Queued"
	completedHeading  = "## Completed"
	queuedPlaceholder = "_No pending actions_"
	complPlaceholder  = "_Nothing completed yet_"
)

// ErrNotFound is returned by Settle when no matching completed item exists.
var ErrNotFound = errors.New("pending action not found")

// ErrEmptyText is returned by Add for text with nothing but whitespace.
var ErrEmptyText = errors.New("pending action text is empty")

// InvalidIDError reports an approve or reject of an ID outside the queue.
type InvalidIDError struct {
	ID    int
	Count int
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid action ID: %d (%d queued)", e.ID, e.Count)
}

// Action is one checklist item. ID is its index in Queue.Queued and is only
// valid until the next mutation.
type Action struct {
	ID       int               `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Checked  bool              `json:"checked"`
}

// Queue is the parsed document.
type Queue struct {
	Queued    []Action `json:"queued"`
	Completed []Action `json:"completed"`
}

// Store reads and rewrites the queue document at a fixed path.
type Store struct {
	path string
}

// Open returns a store for path. The file is not touched.
func Open(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Ensure creates the document with empty sections when it does not exist.
func (s *Store) Ensure() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat queue: %w", err)
	}
	return s.write(&Queue{})
}

// Read parses the document. A missing file is an empty queue.
func (s *Store) Read() (*Queue, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Queue{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	q, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("read queue %s: %w", s.path, err)
	}
	return q, nil
}

// Add appends an unchecked item to the queued section.
func (s *Store) Add(text string, meta map[string]string) (Action, error) {
	text = oneLine(text)
	if text == "" {
		return Action{}, ErrEmptyText
	}
	for k := range meta {
		if k == "" {
			return Action{}, errors.New("pending action metadata key is empty")
		}
	}
	q, err := s.Read()
	if err != nil {
		return Action{}, err
	}
	a := Action{
		ID:       len(q.Queued),
		Text:     text,
		Metadata: copyMeta(meta),
	}
	q.Queued = append(q.Queued, a)
	if err := s.write(q); err != nil {
		return Action{}, err
	}
	return a, nil
}

// Approve checks item id and moves it to the completed section.
func (s *Store) Approve(id int) (Action, error) {
	q, err := s.Read()
	if err != nil {
		return Action{}, err
	}
	if id < 0 || id >= len(q.Queued) {
		return Action{}, &InvalidIDError{ID: id, Count: len(q.Queued)}
	}
	a := q.Queued[id]
	a.Checked = true
	q.Queued = append(q.Queued[:id], q.Queued[id+1:]...)
	q.Completed = append(q.Completed, a)
	if err := s.write(q); err != nil {
		return Action{}, err
	}
	return a, nil
}

// ApproveAll approves every queued item in order with a single rewrite.
func (s *Store) ApproveAll() ([]Action, error) {
	q, err := s.Read()
	if err != nil {
		return nil, err
	}
	approved := make([]Action, 0, len(q.Queued))
	for _, a := range q.Queued {
		a.Checked = true
		approved = append(approved, a)
	}
	if len(approved) == 0 {
		return approved, nil
	}
	q.Completed = append(q.Completed, approved...)
	q.Queued = nil
	if err := s.write(q); err != nil {
		return nil, err
	}
	return approved, nil
}

// Reject removes item id from the document.
func (s *Store) Reject(id int) (Action, error) {
	q, err := s.Read()
	if err != nil {
		return Action{}, err
	}
	if id < 0 || id >= len(q.Queued) {
		return Action{}, &InvalidIDError{ID: id, Count: len(q.Queued)}
	}
	a := q.Queued[id]
	q.Queued = append(q.Queued[:id], q.Queued[id+1:]...)
	if err := s.write(q); err != nil {
		return Action{}, err
	}
	return a, nil
}

// RejectAll empties the queued section and returns the removed items.
func (s *Store) RejectAll() ([]Action, error) {
	q, err := s.Read()
	if err != nil {
		return nil, err
	}
	rejected := q.Queued
	if len(rejected) == 0 {
		return nil, nil
	}
	q.Queued = nil
	if err := s.write(q); err != nil {
		return nil, err
	}
	return rejected, nil
}

// Count returns the number of queued items.
func (s *Store) Count() (int, error) {
	q, err := s.Read()
	if err != nil {
		return 0, err
	}
	return len(q.Queued), nil
}

// Pending returns approved items that have an action and have not been run.
func (s *Store) Pending() ([]Action, error) {
	q, err := s.Read()
	if err != nil {
		return nil, err
	}
	var out []Action
	for _, a := range q.Completed {
		if a.Metadata[MetaAction] != "" && a.Metadata[MetaStatus] == "" {
			out = append(out, a)
		}
	}
	return out, nil
}

// Settle marks the first unsettled completed item with the same text as a
// with status and merges extra into its metadata.
func (s *Store) Settle(a Action, status string, extra map[string]string) error {
	q, err := s.Read()
	if err != nil {
		return err
	}
	for i := range q.Completed {
		c := &q.Completed[i]
		if c.Text != a.Text || c.Metadata[MetaStatus] != "" {
			continue
		}
		if c.Metadata == nil {
			c.Metadata = make(map[string]string)
		}
		for k, v := range extra {
			c.Metadata[k] = v
		}
		c.Metadata[MetaStatus] = status
		return s.write(q)
	}
	return fmt.Errorf("settle %q: %w", a.Text, ErrNotFound)
}

// HasKey reports whether any item carries key:<key> in its metadata.
func (s *Store) HasKey(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	q, err := s.Read()
	if err != nil {
		return false, err
	}
	for _, list := range [][]Action{q.Queued, q.Completed} {
		for _, a := range list {
			if a.Metadata[MetaKey] == key {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Store) write(q *Queue) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".pending-*.md")
	if err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write queue: %w", err)
	}
	if _, err := tmp.Write(q.Render()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write queue: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace queue: %w", err)
	}
	return nil
}

var itemPattern = regexp.MustCompile(`^- \[([ xX])\] (.+?)(?:<!--(.+?)-->)?$`)

// Parse reads a queue document. Lines that are not checklist items are
// ignored, so placeholders and prose parse to nothing.
func Parse(r io.Reader) (*Queue, error) {
	q := &Queue{}
	inQueued, inCompleted := false, false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")

		if strings.HasPrefix(line, "## ") {
			title := strings.TrimSpace(line[3:])
			inQueued = strings.HasPrefix(title, "Queued")
			inCompleted = strings.HasPrefix(title, "Completed")
			continue
		}

		m := itemPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		a := Action{
			Checked:  m[1] != " ",
			Text:     strings.TrimSpace(m[2]),
			Metadata: parseMeta(m[3]),
		}
		switch {
		case inQueued && !a.Checked:
			a.ID = len(q.Queued)
			q.Queued = append(q.Queued, a)
		case inCompleted || a.Checked:
			q.Completed = append(q.Completed, a)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return q, nil
}

// Render writes the queue in its document form.
func (q *Queue) Render() []byte {
	var b bytes.Buffer
	b.WriteString(header + "\n\n")

	b.WriteString(queuedHeading + "\n")
	if len(q.Queued) == 0 {
		b.WriteString(queuedPlaceholder + "\n")
	}
	for _, a := range q.Queued {
		writeItem(&b, a, false)
	}

	b.WriteString("\n" + completedHeading + "\n")
	if len(q.Completed) == 0 {
		b.WriteString(complPlaceholder + "\n")
	}
	for _, a := range q.Completed {
		writeItem(&b, a, true)
	}
	return b.Bytes()
}

func writeItem(b *bytes.Buffer, a Action, checked bool) {
	box := " "
	if checked {
		box = "x"
	}
	fmt.Fprintf(b, "- [%s] %s", box, a.Text)
	if meta := formatMeta(a.Metadata); meta != "" {
		fmt.Fprintf(b, " <!-- %s -->", meta)
	}
	b.WriteString("\n")
}

var metaEscaper = strings.NewReplacer(
	"%", "%25",
	" ", "%20",
	"\t", "%09",
	"\n", "%0A",
	"\r", "%0D",
	">", "%3E",
)

// keyEscaper also escapes the key/value separator.
var keyEscaper = strings.NewReplacer(
	"%", "%25",
	" ", "%20",
	"\t", "%09",
	"\n", "%0A",
	"\r", "%0D",
	">", "%3E",
	":", "%3A",
)

func formatMeta(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, keyEscaper.Replace(k)+":"+metaEscaper.Replace(meta[k]))
	}
	return strings.Join(parts, " ")
}

func parseMeta(s string) map[string]string {
	meta := make(map[string]string)
	for _, part := range strings.Fields(s) {
		k, v, ok := strings.Cut(part, ":")
		if !ok || k == "" {
			continue
		}
		if dec, err := url.PathUnescape(k); err == nil {
			k = dec
		}
		if dec, err := url.PathUnescape(v); err == nil {
			v = dec
		}
		meta[k] = v
	}
	return meta
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
