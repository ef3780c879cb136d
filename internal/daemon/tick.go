package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/sbenjam1n/steward/internal/activity"
	"github.com/sbenjam1n/steward/internal/dispatch"
	"github.com/sbenjam1n/steward/internal/pending"
	"github.com/sbenjam1n/steward/internal/rules"
	"github.com/sbenjam1n/steward/internal/source"
)

// Report summarizes one tick.
type Report struct {
	Tick     string        `json:"tick"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Rules    int `json:"rules"`
	Records  int `json:"records"`
	Matches  int `json:"matches"`
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
	Queued   int `json:"queued"`
	Skipped  int `json:"skipped"`
	Drained  int `json:"drained"`

	Warnings []string `json:"warnings,omitempty"`
}

func (r *Report) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) log(logger *zap.Logger) {
	logger.Info("tick complete",
		zap.String("tick", r.Tick),
		zap.Duration("took", r.Duration),
		zap.Int("rules", r.Rules),
		zap.Int("records", r.Records),
		zap.Int("matches", r.Matches),
		zap.Int("executed", r.Executed),
		zap.Int("failed", r.Failed),
		zap.Int("queued", r.Queued),
		zap.Int("skipped", r.Skipped),
		zap.Int("drained", r.Drained),
		zap.Int("warnings", len(r.Warnings)))
}

// Match pairs a rule with a record it holds for.
type Match struct {
	Rule   rules.Rule
	Record source.Record
}

// Evaluate returns every rule/record match, rules in the given (priority)
// order. A rule with a Source only sees records from that source.
func Evaluate(rs []rules.Rule, records []source.Record) []Match {
	var out []Match
	for _, r := range rs {
		for _, rec := range records {
			if r.Source != "" && rules.Stringify(rec[source.Key]) != r.Source {
				continue
			}
			if rules.Evaluate(r, rec) {
				out = append(out, Match{Rule: r, Record: rec})
			}
		}
	}
	return out
}

var keyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/sbenjam1n/steward/dedupe"))

// DedupeKey identifies a proposal or auto action across ticks.
func DedupeKey(rule, action, target string) string {
	return uuid.NewSHA1(keyNamespace, []byte(rule+"\x00"+action+"\x00"+target)).String()
}

// ActionReject is the logged action for a rejected proposal.
const ActionReject = "reject"

// RejectionEntry records that a was rejected. Its key keeps the same proposal
// out of the queue until the dedupe window passes.
func RejectionEntry(a pending.Action, by activity.Actor) activity.Entry {
	meta := map[string]any{"text": a.Text}
	for _, k := range []string{pending.MetaKey, pending.MetaRule, pending.MetaAction} {
		if v := a.Metadata[k]; v != "" {
			meta[k] = v
		}
	}
	return activity.Entry{
		Tool:   "steward",
		Action: ActionReject,
		Target: a.Metadata[pending.MetaTarget],
		By:     by,
		Meta:   meta,
	}
}

// Target returns the identifier of the thing a record describes.
func Target(rec source.Record) string {
	for _, k := range []string{"id", "target", "key"} {
		if v, ok := rules.Lookup(rec, k); ok {
			if s := rules.Stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// ProposalText renders the line shown in the approval queue.
func ProposalText(action string, rec source.Record) string {
	for _, k := range []string{"subject", "title", "name", "id"} {
		if v, ok := rules.Lookup(rec, k); ok {
			if s := rules.Stringify(v); s != "" {
				return action + ": " + s
			}
		}
	}
	return action
}

// RunOnce runs a single tick outside the timer. Only activity log and queue
// file failures are returned; everything else is counted in the report.
func (d *Daemon) RunOnce(ctx context.Context) (*Report, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	rep := &Report{Tick: ulid.Make().String(), Started: d.now()}
	defer func() { rep.Duration = d.now().Sub(rep.Started) }()
	log := d.log.With(zap.String("tick", rep.Tick))

	set := rules.Load(d.opts.RulePaths, log)
	rep.Rules = len(set.Rules)
	for _, err := range set.Errors {
		rep.warn("%v", err)
	}
	for _, doc := range set.Documents {
		for _, w := range doc.Warnings {
			rep.warn("%s: %s", doc.Path, w)
		}
	}
	disp := d.dispatcher(set, log)

	records, failures := source.Collect(ctx, d.opts.Sources, log)
	rep.Records = len(records)
	for _, f := range failures {
		rep.warn("%v", f)
	}

	matches := Evaluate(set.Rules, records)
	rep.Matches = len(matches)

	if len(matches) > 0 {
		recent, err := d.recentKeys()
		if err != nil {
			return rep, err
		}
		for _, m := range matches {
			if err := d.handle(ctx, disp, m, recent, rep, log); err != nil {
				return rep, err
			}
		}
	}

	if err := d.drain(ctx, disp, activity.ActorDaemon, rep, log); err != nil {
		return rep, err
	}
	return rep, nil
}

// DrainApproved runs approved queue items without evaluating rules. The CLI
// uses it after "approve" with the command actor.
func (d *Daemon) DrainApproved(ctx context.Context, by activity.Actor) (*Report, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	rep := &Report{Tick: ulid.Make().String(), Started: d.now()}
	defer func() { rep.Duration = d.now().Sub(rep.Started) }()
	log := d.log.With(zap.String("tick", rep.Tick))

	set := rules.Load(d.opts.RulePaths, log)
	err := d.drain(ctx, d.dispatcher(set, log), by, rep, log)
	return rep, err
}

// Registry returns the configured bindings followed by the bindings found in
// set's documents. A document binding replaces a configured one of the same
// name in place.
func Registry(configured *dispatch.Registry, set *rules.Set) *dispatch.Registry {
	docs := dispatch.NewRegistry()
	for _, b := range set.Bindings {
		docs.Add(b.Name, b.Command)
	}
	return configured.Merge(docs)
}

func (d *Daemon) dispatcher(set *rules.Set, log *zap.Logger) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(Registry(d.opts.Actions, set), d.opts.Tools, d.opts.Runner, log)
}

// recentKeys collects dedupe keys logged within the dedupe window.
func (d *Daemon) recentKeys() (map[string]bool, error) {
	keys := make(map[string]bool)
	if d.opts.Log == nil || d.opts.DedupeWindow <= 0 {
		return keys, nil
	}
	entries, err := d.opts.Log.Since(d.now().Add(-d.opts.DedupeWindow))
	if err != nil {
		return nil, fmt.Errorf("read activity log: %w", err)
	}
	for _, e := range entries {
		if k := e.MetaString(pending.MetaKey); k != "" {
			keys[k] = true
		}
	}
	return keys, nil
}

func (d *Daemon) handle(ctx context.Context, disp *dispatch.Dispatcher, m Match, recent map[string]bool, rep *Report, log *zap.Logger) error {
	action := rules.Expand(m.Rule.Action, m.Record)
	target := Target(m.Record)
	key := DedupeKey(m.Rule.Name, action, target)
	origin := filepath.Base(m.Rule.Origin)

	if m.Rule.Approval == rules.ApprovalAuto {
		if recent[key] {
			rep.Skipped++
			return nil
		}
		out := disp.Dispatch(ctx, action)
		meta := map[string]any{
			"rule":     m.Rule.Name,
			"origin":   origin,
			"key":      key,
			"tick":     rep.Tick,
			"approval": string(rules.ApprovalAuto),
			"code":     out.Code,
		}
		if out.Error != "" {
			meta["error"] = out.Error
		}
		entry, err := d.record(ctx, rep.Tick, activity.Entry{
			Tool:   toolName(out, m.Record),
			Action: action,
			Target: target,
			By:     activity.ActorDaemon,
			Meta:   meta,
		})
		if err != nil {
			return err
		}
		recent[key] = true
		if out.Success {
			rep.Executed++
		} else {
			rep.Failed++
		}
		log.Debug("auto action", zap.String("rule", m.Rule.Name), zap.String("action", entry.Action), zap.Bool("ok", out.Success))
		return nil
	}

	if recent[key] {
		rep.Skipped++
		return nil
	}
	has, err := d.opts.Queue.HasKey(key)
	if err != nil {
		return err
	}
	if has {
		rep.Skipped++
		return nil
	}
	meta := map[string]string{
		pending.MetaAction: action,
		pending.MetaRule:   m.Rule.Name,
		pending.MetaOrigin: origin,
		pending.MetaKey:    key,
	}
	if target != "" {
		meta[pending.MetaTarget] = target
	}
	a, err := d.opts.Queue.Add(ProposalText(action, m.Record), meta)
	if err != nil {
		return err
	}
	rep.Queued++
	d.publishProposal(ctx, rep.Tick, a)
	log.Debug("queued proposal", zap.String("rule", m.Rule.Name), zap.String("text", a.Text))
	return nil
}

func (d *Daemon) drain(ctx context.Context, disp *dispatch.Dispatcher, by activity.Actor, rep *Report, log *zap.Logger) error {
	approved, err := d.opts.Queue.Pending()
	if err != nil {
		return err
	}
	for _, a := range approved {
		action := a.Metadata[pending.MetaAction]
		out := disp.Dispatch(ctx, action)

		meta := map[string]any{
			"rule":     a.Metadata[pending.MetaRule],
			"key":      a.Metadata[pending.MetaKey],
			"tick":     rep.Tick,
			"approval": string(rules.ApprovalQueue),
			"code":     out.Code,
		}
		if out.Error != "" {
			meta["error"] = out.Error
		}
		if _, err := d.record(ctx, rep.Tick, activity.Entry{
			Tool:   toolName(out, nil),
			Action: action,
			Target: a.Metadata[pending.MetaTarget],
			By:     by,
			Meta:   meta,
		}); err != nil {
			return err
		}

		status := pending.StatusDone
		if out.Success {
			rep.Executed++
		} else {
			status = pending.StatusFailed
			rep.Failed++
		}
		err := d.opts.Queue.Settle(a, status, map[string]string{pending.MetaExit: strconv.Itoa(out.Code)})
		switch {
		case errors.Is(err, pending.ErrNotFound):
			// edited away while the command ran
			log.Warn("approved item vanished before settle", zap.String("text", a.Text))
		case err != nil:
			return err
		}
		rep.Drained++
	}
	return nil
}

func (d *Daemon) record(ctx context.Context, tick string, e activity.Entry) (activity.Entry, error) {
	entry, err := d.opts.Log.Record(e)
	if err != nil {
		return entry, fmt.Errorf("write activity log: %w", err)
	}
	if d.opts.Publisher != nil {
		if _, err := d.opts.Publisher.PublishEntry(ctx, tick, entry); err != nil {
			d.log.Warn("event mirror failed", zap.Error(err))
		}
	}
	return entry, nil
}

func (d *Daemon) publishProposal(ctx context.Context, tick string, a pending.Action) {
	if d.opts.Publisher == nil {
		return
	}
	if _, err := d.opts.Publisher.PublishProposal(ctx, tick, a); err != nil {
		d.log.Warn("event mirror failed", zap.Error(err))
	}
}

// toolName names the tool an outcome ran: the base name of the command's
// executable, else the record's source.
func toolName(out *dispatch.Outcome, rec source.Record) string {
	if fields := strings.Fields(out.Command); len(fields) > 0 {
		return filepath.Base(fields[0])
	}
	if rec != nil {
		if s := rules.Stringify(rec[source.Key]); s != "" {
			return s
		}
	}
	return "steward"
}
