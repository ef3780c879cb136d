package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/sbenjam1n/steward/internal/activity"
	"github.com/sbenjam1n/steward/internal/dispatch"
	"github.com/sbenjam1n/steward/internal/pending"
	"github.com/sbenjam1n/steward/internal/rules"
	"github.com/sbenjam1n/steward/internal/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingRunner struct {
	mu       sync.Mutex
	commands []string
	fail     bool
}

func (r *recordingRunner) Run(_ context.Context, command string) (*dispatch.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	if r.fail {
		return &dispatch.Result{Code: 1, Stderr: "nope"}, nil
	}
	return &dispatch.Result{Success: true}, nil
}

func (r *recordingRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type staticSource struct {
	name string
	recs []source.Record
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Gather(context.Context) ([]source.Record, error) {
	out := make([]source.Record, len(s.recs))
	for i, r := range s.recs {
		cp := make(source.Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out[i] = cp
	}
	return out, nil
}

type capturePublisher struct {
	mu        sync.Mutex
	entries   []activity.Entry
	proposals []pending.Action
	err       error
}

func (p *capturePublisher) PublishEntry(_ context.Context, _ string, e activity.Entry) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	return "1-0", p.err
}

func (p *capturePublisher) PublishProposal(_ context.Context, _ string, a pending.Action) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proposals = append(p.proposals, a)
	return "1-1", p.err
}

type fixture struct {
	dir       string
	rulesPath string
	log       *activity.Log
	queue     *pending.Store
	runner    *recordingRunner
	publisher *capturePublisher
}

var inbox = staticSource{name: "inbox", recs: []source.Record{
	{"id": "m1", "sender": "news@promo.example.com", "subject": "Weekly digest"},
	{"id": "m2", "sender": "boss@work.example.com", "subject": "Budget"},
}}

func newFixture(t *testing.T, ruleDoc string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:       dir,
		rulesPath: filepath.Join(dir, "rules", "mail.md"),
		log:       activity.Open(filepath.Join(dir, "activity.jsonl"), zap.NewNop()),
		queue:     pending.Open(filepath.Join(dir, "pending.md")),
		runner:    &recordingRunner{},
		publisher: &capturePublisher{},
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(f.rulesPath), 0o755))
	f.writeRules(t, ruleDoc)
	return f
}

func (f *fixture) writeRules(t *testing.T, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.rulesPath, []byte(doc), 0o644))
}

func (f *fixture) daemon(sources ...source.Source) *Daemon {
	return New(Options{
		Interval:     time.Hour,
		RulePaths:    []string{filepath.Join(f.dir, "rules", "*.md")},
		DedupeWindow: 24 * time.Hour,
		Actions:      dispatch.NewRegistry(dispatch.Binding{Name: "archive-*", Command: "gmail archive $1"}),
		Tools:        map[string]string{"gmail": "/bin/gmail"},
		Runner:       f.runner,
		Log:          f.log,
		Queue:        f.queue,
		Sources:      sources,
		Publisher:    f.publisher,
		Logger:       zap.NewNop(),
	})
}

const queueRule = `## Newsletters
Conditions:
- sender domain in [promo.*]
Action: archive-{id}
`

const autoRule = `## Newsletters
Conditions:
- sender domain in [promo.*]
Action: archive-{id}
Approval: auto
`

func TestTickWithoutMatchesChangesNothing(t *testing.T) {
	f := newFixture(t, "## Never\nConditions:\n- sender contains \"nobody\"\nAction: archive-{id}\n")
	d := f.daemon(inbox)

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rules)
	assert.Equal(t, 2, rep.Records)
	assert.Zero(t, rep.Matches)
	assert.NotEmpty(t, rep.Tick)

	n, err := f.queue.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	entries, err := f.log.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, f.runner.Commands())
}

func TestQueueModeProposesOnce(t *testing.T) {
	f := newFixture(t, queueRule)
	d := f.daemon(inbox)

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Queued)

	q, err := f.queue.Read()
	require.NoError(t, err)
	require.Len(t, q.Queued, 1)
	a := q.Queued[0]
	assert.Equal(t, "archive-m1: Weekly digest", a.Text)
	assert.Equal(t, "archive-m1", a.Metadata[pending.MetaAction])
	assert.Equal(t, "Newsletters", a.Metadata[pending.MetaRule])
	assert.Equal(t, "mail.md", a.Metadata[pending.MetaOrigin])
	assert.Equal(t, "m1", a.Metadata[pending.MetaTarget])
	assert.Equal(t, DedupeKey("Newsletters", "archive-m1", "m1"), a.Metadata[pending.MetaKey])
	assert.Len(t, f.publisher.proposals, 1)
	assert.Empty(t, f.runner.Commands(), "queue mode never runs the action")

	rep, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Queued)
	assert.Equal(t, 1, rep.Skipped)
	n, err := f.queue.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAutoModeRunsAndLogsOnce(t *testing.T) {
	f := newFixture(t, autoRule)
	d := f.daemon(inbox)

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Executed)
	assert.Equal(t, []string{"/bin/gmail archive m1"}, f.runner.Commands())

	entries, err := f.log.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "gmail", e.Tool)
	assert.Equal(t, "archive-m1", e.Action)
	assert.Equal(t, "m1", e.Target)
	assert.Equal(t, activity.ActorDaemon, e.By)
	assert.Equal(t, "Newsletters", e.MetaString("rule"))
	assert.Equal(t, rep.Tick, e.MetaString("tick"))
	assert.Len(t, f.publisher.entries, 1)

	n, err := f.queue.Count()
	require.NoError(t, err)
	assert.Zero(t, n, "auto mode has no pending step")

	rep, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Len(t, f.runner.Commands(), 1)
}

func TestAutoModeLogsFailures(t *testing.T) {
	f := newFixture(t, "## Missing\nAction: unbound-{id}\nApproval: auto\nSource: inbox\n")
	d := f.daemon(inbox)

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Failed)

	entries, err := f.log.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].MetaString("error"), "not found")
	assert.Equal(t, "inbox", entries[0].Tool)
}

func TestDrainApprovedItems(t *testing.T) {
	f := newFixture(t, queueRule)
	d := f.daemon(inbox)

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = f.queue.Approve(0)
	require.NoError(t, err)

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Drained)
	assert.Equal(t, []string{"/bin/gmail archive m1"}, f.runner.Commands())

	waiting, err := f.queue.Pending()
	require.NoError(t, err)
	assert.Empty(t, waiting)

	q, err := f.queue.Read()
	require.NoError(t, err)
	require.Len(t, q.Completed, 1)
	assert.Equal(t, pending.StatusDone, q.Completed[0].Metadata[pending.MetaStatus])
	assert.Equal(t, "0", q.Completed[0].Metadata[pending.MetaExit])

	entries, err := f.log.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, activity.ActorDaemon, entries[0].By)

	rep, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Drained)
	assert.Zero(t, rep.Queued, "settled items still dedupe")
}

func TestDrainApprovedFromCommand(t *testing.T) {
	f := newFixture(t, queueRule)
	f.runner.fail = true
	d := f.daemon(inbox)

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = f.queue.ApproveAll()
	require.NoError(t, err)

	rep, err := d.DrainApproved(context.Background(), activity.ActorCommand)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	q, err := f.queue.Read()
	require.NoError(t, err)
	assert.Equal(t, pending.StatusFailed, q.Completed[0].Metadata[pending.MetaStatus])
	assert.Equal(t, "1", q.Completed[0].Metadata[pending.MetaExit])

	entries, err := f.log.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, activity.ActorCommand, entries[0].By)
	assert.Equal(t, "command exited with code 1", entries[0].MetaString("error"))
}

func TestHotReload(t *testing.T) {
	f := newFixture(t, queueRule)
	d := f.daemon(inbox)

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Matches)

	f.writeRules(t, "## Work\nConditions:\n- sender domain in [work.*]\nAction: archive-{id}\n")
	rep, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Queued)

	q, err := f.queue.Read()
	require.NoError(t, err)
	require.Len(t, q.Queued, 2)
	assert.Equal(t, "archive-m2: Budget", q.Queued[1].Text)
}

func TestBrokenDocumentDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, queueRule)
	d := New(Options{
		RulePaths: []string{filepath.Join(f.dir, "missing.md"), f.rulesPath},
		Log:       f.log,
		Queue:     f.queue,
		Runner:    f.runner,
		Sources:   []source.Source{inbox},
	})

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Warnings, 1)
	assert.Equal(t, 1, rep.Queued)
}

func TestRuleSourceRestriction(t *testing.T) {
	f := newFixture(t, "## Only other\nSource: other\nAction: archive-{id}\n")
	d := f.daemon(inbox, staticSource{name: "other", recs: []source.Record{{"id": "o1"}}})

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Matches)
	assert.Equal(t, 3, rep.Records)
}

func TestQueueFailureAbortsTick(t *testing.T) {
	f := newFixture(t, queueRule)
	require.NoError(t, os.Mkdir(filepath.Join(f.dir, "pending.md"), 0o755))
	d := f.daemon(inbox)

	_, err := d.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestPublisherFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, autoRule)
	f.publisher.err = errors.New("redis down")
	d := f.daemon(inbox)

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Executed)
}

func TestActivityWindowFeedsRecords(t *testing.T) {
	f := newFixture(t, "## Echo\nConditions:\n- tool = linear\nAction: archive-{target}\n")
	_, err := f.log.Record(activity.Entry{Tool: "linear", Action: "close", Target: "L-9", By: activity.ActorUser})
	require.NoError(t, err)

	d := New(Options{
		RulePaths:      []string{f.rulesPath},
		ActivityWindow: time.Hour,
		Log:            f.log,
		Queue:          f.queue,
		Runner:         f.runner,
	})
	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Records)
	assert.Equal(t, 1, rep.Queued)
}

func TestLoopLifecycle(t *testing.T) {
	f := newFixture(t, queueRule)
	d := f.daemon(inbox)
	assert.Equal(t, Idle, d.State())

	d.Stop()
	assert.Equal(t, Idle, d.State(), "stop before start is a no-op")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx)
	assert.Equal(t, Running, d.State())
	d.Start(ctx)

	require.Eventually(t, func() bool {
		n, err := f.queue.Count()
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond, "first tick runs immediately")

	f.writeRules(t, "## Work\nConditions:\n- sender domain in [work.*]\nAction: archive-{id}\n")
	d.Trigger()
	d.Trigger()
	require.Eventually(t, func() bool {
		n, err := f.queue.Count()
		return err == nil && n == 2
	}, 5*time.Second, 10*time.Millisecond, "trigger runs an early tick")

	d.Stop()
	assert.Equal(t, Stopped, d.State())
	<-d.Done()
	d.Stop()
}

func TestLoopExitsOnCancel(t *testing.T) {
	f := newFixture(t, queueRule)
	d := f.daemon()

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()

	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit")
	}
	assert.Equal(t, Stopped, d.State())
}

func TestRegistryAppendsDocumentBindings(t *testing.T) {
	configured := dispatch.NewRegistry(
		dispatch.Binding{Name: "archive-*", Command: "gmail archive $1"},
		dispatch.Binding{Name: "ping", Command: "echo ping"},
	)
	set := &rules.Set{Bindings: []rules.ActionDef{
		{Name: "label-*", Command: "gmail label $1"},
		{Name: "ping", Command: "echo pong"},
	}}

	reg := Registry(configured, set)
	assert.Equal(t, []dispatch.Binding{
		{Name: "archive-*", Command: "gmail archive $1"},
		{Name: "ping", Command: "echo pong"},
		{Name: "label-*", Command: "gmail label $1"},
	}, reg.Bindings())
	assert.Equal(t, 2, configured.Len(), "configured registry is not modified")
}

func TestRejectedProposalStaysOutOfQueue(t *testing.T) {
	f := newFixture(t, queueRule)
	d := f.daemon(inbox)

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Queued)

	a, err := f.queue.Reject(0)
	require.NoError(t, err)
	_, err = f.log.Record(RejectionEntry(a, activity.ActorUser))
	require.NoError(t, err)

	rep, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Queued)
	assert.Equal(t, 1, rep.Skipped)
	n, err := f.queue.Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := f.log.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, ActionReject, e.Action)
	assert.Equal(t, activity.ActorUser, e.By)
	assert.Equal(t, "m1", e.Target)
	assert.Equal(t, a.Metadata[pending.MetaKey], e.MetaString(pending.MetaKey))
	assert.Equal(t, "archive-m1", e.MetaString(pending.MetaAction))
}

func TestRecordFieldsCannotInjectShell(t *testing.T) {
	f := newFixture(t, "[#label-*]: !echo labelled $1\n\n## Label\nAction: label-{subject}\nApproval: auto\n")
	marker := filepath.Join(f.dir, "pwned")
	d := New(Options{
		RulePaths: []string{f.rulesPath},
		Runner:    &dispatch.ShellRunner{Dir: f.dir},
		Log:       f.log,
		Queue:     f.queue,
		Sources: []source.Source{staticSource{name: "inbox", recs: []source.Record{
			{"id": "m9", "subject": "x; touch " + marker},
		}}},
	})

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Executed)
	assert.NoFileExists(t, marker)

	entries, err := f.log.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "echo", entries[0].Tool)
}

func TestTickReportsParseWarnings(t *testing.T) {
	f := newFixture(t, queueRule+"\n## No action\nConditions:\n- label = old\n")
	d := f.daemon(inbox)

	rep, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Warnings, 1)
	assert.Contains(t, rep.Warnings[0], "mail.md")
	assert.Contains(t, rep.Warnings[0], "rule dropped")
	assert.Equal(t, 1, rep.Queued)
}
