package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func TestResolveWildcard(t *testing.T) {
	reg := NewRegistry(Binding{Name: "archive-*", Command: "gmail archive $1"})

	res, err := Resolve("archive-123", reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"123"}, res.Params)
	assert.Equal(t, "gmail archive 123", Specialize(res.Command, res.Params, nil))
}

func TestResolveExactBeatsWildcard(t *testing.T) {
	reg := NewRegistry(
		Binding{Name: "archive-*", Command: "wild $1"},
		Binding{Name: "archive-all", Command: "exact"},
	)
	res, err := Resolve("archive-all", reg)
	require.NoError(t, err)
	assert.Equal(t, "exact", res.Command)
	assert.Empty(t, res.Params)
}

func TestResolveFirstWildcardWins(t *testing.T) {
	reg := NewRegistry(
		Binding{Name: "label-*-*", Command: "first $1 $2"},
		Binding{Name: "label-*", Command: "second $1"},
	)
	res, err := Resolve("label-a-b", reg)
	require.NoError(t, err)
	assert.Equal(t, "label-*-*", res.Pattern)
	assert.Equal(t, []string{"a", "b"}, res.Params)

	res, err = Resolve("label-x", reg)
	require.NoError(t, err)
	assert.Equal(t, "label-*", res.Pattern)
}

func TestResolveIsAnchoredAndLiteral(t *testing.T) {
	reg := NewRegistry(
		Binding{Name: "a.b-*", Command: "dots"},
		Binding{Name: "run(*)", Command: "parens $1"},
	)

	_, err := Resolve("axb-1", reg)
	assert.ErrorIs(t, err, ErrActionNotFound, "dot must be literal")

	_, err = Resolve("xa.b-1", reg)
	assert.ErrorIs(t, err, ErrActionNotFound, "pattern must be anchored")

	res, err := Resolve("run(fast)", reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"fast"}, res.Params)
}

func TestResolveNotFoundSuggests(t *testing.T) {
	reg := NewRegistry(
		Binding{Name: "archive", Command: "a"},
		Binding{Name: "label", Command: "l"},
	)
	_, err := Resolve("archiv", reg)
	require.Error(t, err)

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "archiv", nf.Name)
	assert.Equal(t, []string{"archive"}, nf.Suggestions)
	assert.True(t, errors.Is(err, ErrActionNotFound))
	assert.Equal(t, "action 'archiv' not found (did you mean archive?)", err.Error())

	_, err = Resolve("x", nil)
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestSpecialize(t *testing.T) {
	tools := map[string]string{"gmail": "/opt/bin/gmail", "linear": "/usr/local/bin/linear"}

	tests := []struct {
		template string
		params   []string
		want     string
	}{
		{"gmail archive $1", []string{"9"}, "/opt/bin/gmail archive 9"},
		{"[linear] close $1 --note $2", []string{"L-1", "done"}, "/usr/local/bin/linear close L-1 --note done"},
		{"echo $3", []string{"a"}, "echo $3"},
		{"notify gmail $1", []string{"x"}, "notify gmail x"},
		{"gmail", nil, "/opt/bin/gmail"},
		{"gmail label $1", []string{"x; rm -rf ~"}, "/opt/bin/gmail label 'x; rm -rf ~'"},
		{"echo $1", []string{"it's $(id)"}, `echo 'it'"'"'s $(id)'`},
		{"echo [$1]", []string{"[gmail]"}, "echo '[gmail]'"},
		{"echo $1", []string{""}, "echo ''"},
	}
	for _, tt := range tests {
		if got := Specialize(tt.template, tt.params, tools); got != tt.want {
			t.Errorf("Specialize(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestShellRunnerParamsStayLiteral(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(Binding{Name: "label-*", Command: "echo labelled $1"})
	d := NewDispatcher(reg, nil, &ShellRunner{Dir: dir}, nil)

	out := d.Dispatch(context.Background(), "label-x; touch pwned")
	require.True(t, out.Success, out.Error)
	assert.Equal(t, "labelled x; touch pwned", out.Stdout)
	assert.NoFileExists(t, filepath.Join(dir, "pwned"))
}

func TestRegistryYAMLKeepsOrder(t *testing.T) {
	src := `
zeta: echo z
archive-*: "!gmail archive $1"
alpha: echo a
`
	var reg Registry
	require.NoError(t, yaml.Unmarshal([]byte(src), &reg))

	var names []string
	for _, b := range reg.Bindings() {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"zeta", "archive-*", "alpha"}, names)
	cmd, ok := reg.Get("archive-*")
	require.True(t, ok)
	assert.Equal(t, "gmail archive $1", cmd)

	out, err := yaml.Marshal(reg)
	require.NoError(t, err)
	var again Registry
	require.NoError(t, yaml.Unmarshal(out, &again))
	assert.Equal(t, reg.Bindings(), again.Bindings())

	assert.Error(t, yaml.Unmarshal([]byte("- a\n- b\n"), &reg))
}

func TestRegistryMergeReplacesInPlace(t *testing.T) {
	base := NewRegistry(Binding{Name: "a", Command: "1"}, Binding{Name: "b", Command: "2"})
	merged := base.Merge(NewRegistry(Binding{Name: "c", Command: "3"}, Binding{Name: "a", Command: "override"}))

	assert.Equal(t, []Binding{{"a", "override"}, {"b", "2"}, {"c", "3"}}, merged.Bindings())
	assert.Equal(t, 2, base.Len(), "merge must not modify the receiver")
}

type fakeRunner struct {
	commands []string
	result   *Result
	err      error
}

func (f *fakeRunner) Run(_ context.Context, command string) (*Result, error) {
	f.commands = append(f.commands, command)
	return f.result, f.err
}

func TestDispatch(t *testing.T) {
	reg := NewRegistry(Binding{Name: "archive-*", Command: "gmail archive $1"})
	tools := map[string]string{"gmail": "/bin/gmail"}

	t.Run("success", func(t *testing.T) {
		runner := &fakeRunner{result: &Result{Success: true, Stdout: "ok"}}
		out := NewDispatcher(reg, tools, runner, zap.NewNop()).Dispatch(context.Background(), "archive-7")
		assert.True(t, out.Success)
		assert.Equal(t, "/bin/gmail archive 7", out.Command)
		assert.Equal(t, []string{"7"}, out.Params)
		assert.Equal(t, "ok", out.Stdout)
		assert.Empty(t, out.Error)
		assert.Equal(t, []string{"/bin/gmail archive 7"}, runner.commands)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		runner := &fakeRunner{result: &Result{Code: 2, Stderr: "boom"}}
		out := NewDispatcher(reg, tools, runner, nil).Dispatch(context.Background(), "archive-7")
		assert.False(t, out.Success)
		assert.Equal(t, 2, out.Code)
		assert.Equal(t, "boom", out.Stderr)
		assert.Equal(t, "command exited with code 2", out.Error)
		assert.Len(t, runner.commands, 1, "no retries")
	})

	t.Run("not found", func(t *testing.T) {
		runner := &fakeRunner{}
		out := NewDispatcher(reg, tools, runner, nil).Dispatch(context.Background(), "delete-7")
		assert.False(t, out.Success)
		assert.Contains(t, out.Error, "not found")
		assert.Empty(t, runner.commands)
	})

	t.Run("runner cannot start", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("no such file")}
		out := NewDispatcher(reg, tools, runner, nil).Dispatch(context.Background(), "archive-7")
		assert.False(t, out.Success)
		assert.Equal(t, -1, out.Code)
		assert.Equal(t, "no such file", out.Error)
	})
}

func TestShellRunner(t *testing.T) {
	dir := t.TempDir()
	r := &ShellRunner{Dir: dir, Env: []string{"STEWARD_TEST_VALUE=hello"}}

	res, err := r.Run(context.Background(), "echo $STEWARD_TEST_VALUE; pwd")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Stdout, "hello")
	assert.Contains(t, res.Stdout, dir)

	res, err = r.Run(context.Background(), "echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Code)
	assert.Equal(t, "oops", res.Stderr)

	_, err = r.Run(context.Background(), "   ")
	assert.Error(t, err)

	_, err = (&ShellRunner{Dir: dir + "/missing"}).Run(context.Background(), "true")
	assert.Error(t, err)
}
