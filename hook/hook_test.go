package hook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsStopword(t *testing.T) {
	assert.True(t, IsStopword("the"))
	assert.True(t, IsStopword("with"))
	assert.False(t, IsStopword("capsule"))
}

func TestBuildExpansions(t *testing.T) {
	// Single-token queries do not expand.
	assert.Equal(t, []string{"hello"}, BuildExpansions("hello", 3))

	// max == 0 keeps only the base.
	assert.Equal(t, []string{"how to fly"}, BuildExpansions("how to fly", 0))

	got := BuildExpansions("the quick fox", 3)
	assert.Equal(t, []string{"the quick fox", "quick fox", `"the quick fox"`}, got)

	// The cap truncates in order.
	got = BuildExpansions("the quick fox", 2)
	assert.Equal(t, []string{"the quick fox", "quick fox"}, got)

	// Already-quoted queries are not quoted again.
	got = BuildExpansions(`"quick brown fox"`, 3)
	for _, e := range got {
		assert.NotContains(t, e, `""`)
	}

	// No stopwords means no reduced variant.
	got = BuildExpansions("quick brown fox", 3)
	assert.Equal(t, []string{"quick brown fox", `"quick brown fox"`}, got)
}

func TestHeuristicAugmenter(t *testing.T) {
	ctx := context.Background()

	resp, err := Heuristic{}.Expand(ctx, &ExpandRequest{Query: "the quick fox", MaxExpansions: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"the quick fox", "quick fox"}, resp.Lex)
	assert.Empty(t, resp.Vec)

	rr, err := Heuristic{}.Rerank(ctx, &RerankRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, rr.Scores)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestSubprocessExpand(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"lex":["alpha","beta","alpha"],"vec":["gamma"],"warnings":["w1"]}'`)

	s := NewSubprocess(&Command{Argv: []string{script}}, nil, nil)

	resp, err := s.Expand(context.Background(), &ExpandRequest{Query: "alpha", MaxExpansions: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, resp.Lex)
	assert.Equal(t, []string{"gamma"}, resp.Vec)
	assert.Equal(t, []string{"w1"}, resp.Warnings)
}

func TestSubprocessEnvAndStdin(t *testing.T) {
	// The hook echoes what it observed so the test can assert on the
	// protocol from the child's point of view.
	script := writeScript(t, `q=$(cat | tr '"' "'")
echo "{\"lex\":[\"$CAPSULE_HOOK\"],\"vec\":[],\"warnings\":[\"$q\"]}"`)

	s := NewSubprocess(&Command{Argv: []string{script}}, nil, nil)

	resp, err := s.Expand(context.Background(), &ExpandRequest{Query: "probe", MaxExpansions: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"expansion"}, resp.Lex)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "'query':'probe'")
}

func TestSubprocessRerank(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"scores":{"capsule://n/a":0.9},"snippets":{"capsule://n/a":"better snippet"}}'`)

	s := NewSubprocess(nil, &Command{Argv: []string{script}}, nil)
	require.True(t, s.HasRerank())
	assert.False(t, s.FullText())

	resp, err := s.Rerank(context.Background(), &RerankRequest{
		Query:      "q",
		Candidates: []Candidate{{Key: "capsule://n/a", URI: "capsule://n/a", Seq: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.9, resp.Scores["capsule://n/a"])
	assert.Equal(t, "better snippet", resp.Snippets["capsule://n/a"])
}

func TestSubprocessFallsBackToHeuristic(t *testing.T) {
	s := NewSubprocess(nil, nil, nil)
	assert.False(t, s.HasRerank())

	resp, err := s.Expand(context.Background(), &ExpandRequest{Query: "the quick fox", MaxExpansions: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"the quick fox", "quick fox"}, resp.Lex)
}

func TestSubprocessTimeout(t *testing.T) {
	script := writeScript(t, `sleep 5`)

	s := NewSubprocess(&Command{Argv: []string{script}, Timeout: 100 * time.Millisecond}, nil, nil)

	_, err := s.Expand(context.Background(), &ExpandRequest{Query: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var hookErr *Error
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, "expansion", hookErr.Kind)
}

func TestSubprocessFailure(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2
exit 3`)

	s := NewSubprocess(&Command{Argv: []string{script}}, nil, nil)

	_, err := s.Expand(context.Background(), &ExpandRequest{Query: "q"})
	var hookErr *Error
	require.ErrorAs(t, err, &hookErr)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestSubprocessBadJSON(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo 'not json'`)

	s := NewSubprocess(&Command{Argv: []string{script}}, nil, nil)

	_, err := s.Expand(context.Background(), &ExpandRequest{Query: "q"})
	var hookErr *Error
	require.ErrorAs(t, err, &hookErr)
}
