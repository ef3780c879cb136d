// Package source gathers the records rules are evaluated against.
package source

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sbenjam1n/steward/internal/activity"
)

// Record is one gathered item.
type Record = map[string]any

// Key is the record field naming the source a record came from.
const Key = "source"

// ActivityName is the name of the built-in activity source.
const ActivityName = "activity"

// Source produces records on demand.
type Source interface {
	Name() string
	Gather(ctx context.Context) ([]Record, error)
}

// Closer is implemented by sources holding connections.
type Closer interface {
	Close() error
}

// Failure is a source that could not be gathered this time.
type Failure struct {
	Source string
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("source %s: %v", f.Source, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Collect gathers every source in order and tags each record with its source
// name. A failing source is logged and reported; the others still run.
func Collect(ctx context.Context, sources []Source, logger *zap.Logger) ([]Record, []Failure) {
	var (
		out      []Record
		failures []Failure
	)
	for _, s := range sources {
		recs, err := s.Gather(ctx)
		if err != nil {
			logger.Warn("source failed", zap.String("source", s.Name()), zap.Error(err))
			failures = append(failures, Failure{Source: s.Name(), Err: err})
			continue
		}
		for _, r := range recs {
			if r == nil {
				continue
			}
			r[Key] = s.Name()
			out = append(out, r)
		}
		logger.Debug("source gathered", zap.String("source", s.Name()), zap.Int("records", len(recs)))
	}
	return out, failures
}

// CloseAll closes every source that holds resources.
func CloseAll(sources []Source) {
	for _, s := range sources {
		if c, ok := s.(Closer); ok {
			c.Close()
		}
	}
}

// Activity exposes recent activity log entries as records.
type Activity struct {
	Log    *activity.Log
	Window time.Duration
	now    func() time.Time
}

func NewActivity(log *activity.Log, window time.Duration) *Activity {
	return &Activity{Log: log, Window: window, now: time.Now}
}

func (a *Activity) Name() string { return ActivityName }

func (a *Activity) Gather(ctx context.Context) ([]Record, error) {
	entries, err := a.Log.Since(a.now().Add(-a.Window))
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Record())
	}
	return out, nil
}
