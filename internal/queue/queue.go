// Package queue mirrors steward events onto a Redis stream so other processes
// can follow what the daemon logs and proposes. The activity log and the
// pending document stay authoritative; the stream is a best-effort copy.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sbenjam1n/steward/internal/activity"
	"github.com/sbenjam1n/steward/internal/pending"
)

const (
	// DefaultStream is the stream name used when none is configured.
	DefaultStream = "steward_events"
	// GroupWatchers is the consumer group created for downstream readers.
	GroupWatchers = "steward_watchers"

	KindEntry    = "entry"
	KindProposal = "proposal"
)

// Event is one stream message.
type Event struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Tick    string          `json:"tick,omitempty"`
	TS      time.Time       `json:"ts"`
	Summary string          `json:"summary"`
	Payload json.RawMessage `json:"payload"`
}

// Stream publishes events to a single Redis stream.
type Stream struct {
	client *redis.Client
	name   string
	maxLen int64
}

// New creates a Stream. An empty name selects DefaultStream. maxLen > 0 caps
// the stream approximately.
func New(client *redis.Client, name string, maxLen int64) *Stream {
	if name == "" {
		name = DefaultStream
	}
	return &Stream{client: client, name: name, maxLen: maxLen}
}

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *Stream) Name() string { return s.name }

// Ping checks the connection.
func (s *Stream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// EnsureStream creates the stream and its watcher group if they don't exist.
func (s *Stream) EnsureStream(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.name, GroupWatchers, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", GroupWatchers, s.name, err)
	}
	return nil
}

// PublishEntry mirrors an activity log entry.
func (s *Stream) PublishEntry(ctx context.Context, tick string, e activity.Entry) (string, error) {
	ev, err := EntryEvent(tick, e)
	if err != nil {
		return "", err
	}
	return s.publish(ctx, ev)
}

// PublishProposal mirrors a newly queued proposal.
func (s *Stream) PublishProposal(ctx context.Context, tick string, a pending.Action) (string, error) {
	ev, err := ProposalEvent(tick, a, time.Now())
	if err != nil {
		return "", err
	}
	return s.publish(ctx, ev)
}

func (s *Stream) publish(ctx context.Context, ev Event) (string, error) {
	args := &redis.XAddArgs{
		Stream: s.name,
		Values: values(ev),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	return id, nil
}

// Recent returns up to n of the newest events, newest first.
func (s *Stream) Recent(ctx context.Context, n int64) ([]Event, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.name, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.name, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, fromValues(m.ID, m.Values))
	}
	return out, nil
}

// Status reports the stream length and the watcher group's pending count.
func (s *Stream) Status(ctx context.Context) (length, pendingCount int64, err error) {
	length, err = s.client.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, 0, err
	}
	p, err := s.client.XPending(ctx, s.name, GroupWatchers).Result()
	if errors.Is(err, redis.Nil) {
		return length, 0, nil
	}
	if err != nil {
		// no group yet
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return length, 0, nil
		}
		return 0, 0, err
	}
	return length, p.Count, nil
}

// EntryEvent builds the stream event for an activity entry.
func EntryEvent(tick string, e activity.Entry) (Event, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("encode entry: %w", err)
	}
	summary := e.Tool + " " + e.Action
	if e.Target != "" {
		summary += " " + e.Target
	}
	return Event{Kind: KindEntry, Tick: tick, TS: e.TS, Summary: summary, Payload: payload}, nil
}

// ProposalEvent builds the stream event for a queued proposal.
func ProposalEvent(tick string, a pending.Action, now time.Time) (Event, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return Event{}, fmt.Errorf("encode proposal: %w", err)
	}
	return Event{Kind: KindProposal, Tick: tick, TS: now.UTC(), Summary: a.Text, Payload: payload}, nil
}

func values(ev Event) map[string]any {
	return map[string]any{
		"kind":    ev.Kind,
		"tick":    ev.Tick,
		"ts":      ev.TS.UTC().Format(activity.TimeFormat),
		"summary": ev.Summary,
		"payload": string(ev.Payload),
	}
}

func fromValues(id string, v map[string]any) Event {
	ev := Event{
		ID:      id,
		Kind:    getString(v, "kind"),
		Tick:    getString(v, "tick"),
		Summary: getString(v, "summary"),
		Payload: json.RawMessage(getString(v, "payload")),
	}
	if ts, err := time.Parse(time.RFC3339Nano, getString(v, "ts")); err == nil {
		ev.TS = ts
	}
	return ev
}

func getString(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
