package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sbenjam1n/steward/internal/dispatch"
)

// Command runs a tool command and decodes its stdout as records.
type Command struct {
	name    string
	command string
	tools   map[string]string
	runner  dispatch.Runner
}

func NewCommand(name, command string, tools map[string]string, runner dispatch.Runner) *Command {
	return &Command{name: name, command: command, tools: tools, runner: runner}
}

func (c *Command) Name() string { return c.name }

func (c *Command) Gather(ctx context.Context) ([]Record, error) {
	cmd := dispatch.Specialize(c.command, nil, c.tools)
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("command exited with code %d: %s", res.Code, res.Stderr)
	}
	return DecodeRecords([]byte(res.Stdout))
}

// DecodeRecords accepts a JSON array of objects, a single object, or one
// object per line.
func DecodeRecords(data []byte) ([]Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	switch data[0] {
	case '[':
		var recs []Record
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("decode record array: %w", err)
		}
		return recs, nil
	case '{':
		var single Record
		if err := json.Unmarshal(data, &single); err == nil {
			return []Record{single}, nil
		}
	}

	var recs []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decode record on line %d: %w", n, err)
		}
		recs = append(recs, rec)
	}
	return recs, scanner.Err()
}
