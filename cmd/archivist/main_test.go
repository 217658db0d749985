package main

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/poiesic/archivist"
	"github.com/poiesic/archivist/ai/mock"
	"github.com/poiesic/archivist/config"
	"github.com/poiesic/archivist/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes one CLI invocation against the database in dir with a fresh
// mock embedding provider.
func run(t *testing.T, dir string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp(&out, archivist.WithProvider(mock.NewMockProvider()))
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"archivist", "--db", dir, "--log-level", "error"}, args...))
	return out.String(), errOut.String(), err
}

func TestCLI_EndToEnd(t *testing.T) {
	dir := t.TempDir()

	out, _, err := run(t, dir, "org", "create", "--name", "Acme", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "created org acme")

	out, _, err = run(t, dir, "org", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "Acme")

	out, _, err = run(t, dir, "collection", "create", "--org", "acme", "--model", "mock", "--dim", "8",
		"--field", "lang:string", "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "created collection docs in org acme")

	out, _, err = run(t, dir, "collection", "get", "--org", "acme", "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "field:      lang string")
	assert.Contains(t, out, "chunking:   fixed, max 800 chars, overlap 120")

	out, _, err = run(t, dir, "collection", "list", "--org", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "docs")

	text := "alpha page\fbeta page\fgamma page"
	out, progress, err := run(t, dir, "ingest", "--org", "acme", "--collection", "docs",
		"--text", text, "--meta", "lang=en", "--poll", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "status:     COMPLETED")
	assert.Contains(t, out, "chunks:     3 committed, 0 failed")
	assert.Contains(t, out, "segments:   0 failed")
	assert.Contains(t, progress, "COMPLETED - 3 chunks committed")

	m := regexp.MustCompile(`submitted job (\S+)`).FindStringSubmatch(out)
	require.Len(t, m, 2)
	jobID := m[1]

	out, _, err = run(t, dir, "ingest", "--org", "acme", "--collection", "docs", "--text", text, "--meta", "lang=en")
	require.NoError(t, err)
	assert.Contains(t, out, "existing job "+jobID)
	assert.Contains(t, out, "status: COMPLETED")

	out, _, err = run(t, dir, "status", jobID)
	require.NoError(t, err)
	assert.Contains(t, out, "job:        "+jobID)

	out, _, err = run(t, dir, "jobs", "--status", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, jobID)

	_, _, err = run(t, dir, "cancel", jobID)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	out, _, err = run(t, dir, "query", "--org", "acme", "--collection", "docs", "--json", "beta", "page")
	require.NoError(t, err)
	var results []queryResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 3)
	assert.Equal(t, "beta page", results[0].Text)
	assert.Equal(t, core.String("en"), results[0].Metadata["lang"])

	out, _, err = run(t, dir, "query", "--org", "acme", "--collection", "docs", "--filter", "lang=fr", "beta")
	require.NoError(t, err)
	assert.Equal(t, "no results\n", out)

	out, _, err = run(t, dir, "query", "--org", "acme", "--collection", "docs", "-k", "1", "gamma page")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "1. [1.0000] "), out)
	assert.Contains(t, out, "gamma page")
}

func TestCLI_Errors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := run(t, dir, "org", "create")
	assert.ErrorContains(t, err, "expected exactly one org id argument")

	_, _, err = run(t, dir, "ingest", "--org", "acme", "--collection", "docs", "--text", "x", "--url", "http://example.com")
	assert.ErrorContains(t, err, "exactly one of --text, --file or --url")

	_, _, err = run(t, dir, "ingest", "--org", "acme", "--collection", "docs", "--text", "x")
	assert.Error(t, err)

	_, _, err = run(t, dir, "jobs", "--status", "done")
	assert.ErrorContains(t, err, "unknown status")

	_, _, err = run(t, dir, "collection", "create", "--org", "acme", "docs")
	assert.ErrorContains(t, err, "model")

	var out bytes.Buffer
	app := newApp(&out, archivist.WithProvider(mock.NewMockProvider()))
	err = app.Run([]string{"archivist", "--db", dir, "--log-level", "loud", "org", "list"})
	assert.ErrorContains(t, err, "logging.level")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := setupLogger(&buf, config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = setupLogger(&buf, config.LoggingConfig{Level: "verbose"})
	assert.Error(t, err)
}

func TestParseFields(t *testing.T) {
	schema, err := parseFields([]string{"lang:string", "year:number:required", "draft:bool"})
	require.NoError(t, err)
	assert.Equal(t, map[string]core.FieldSpec{
		"lang":  {Kind: core.KindString},
		"year":  {Kind: core.KindNumber, Required: true},
		"draft": {Kind: core.KindBool},
	}, schema.Fields)

	none, err := parseFields(nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	for _, bad := range []string{"lang", ":string", "lang:list", "year:number:optional", "a:b:c:d"} {
		_, err := parseFields([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestParseMetadata(t *testing.T) {
	md, err := parseMetadata([]string{"lang=en", "year=2024", "draft=true", "title=a=b"})
	require.NoError(t, err)
	assert.Equal(t, core.Metadata{
		"lang":  core.String("en"),
		"year":  core.Number(2024),
		"draft": core.Bool(true),
		"title": core.String("a=b"),
	}, md)

	_, err = parseMetadata([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseMetadata([]string{"=x"})
	assert.Error(t, err)
}

func TestProgressTracker(t *testing.T) {
	var buf bytes.Buffer
	tracker := newProgressTracker(&buf, "job-1")

	tracker.Update(core.JobView{Status: core.JobRunning})
	assert.Empty(t, buf.String(), "nothing is reported before Start")

	tracker.Start()
	tracker.Update(core.JobView{Status: core.JobRunning, ChunksCommitted: 2})
	n := buf.Len()
	tracker.Update(core.JobView{Status: core.JobRunning, ChunksCommitted: 2})
	assert.Equal(t, n, buf.Len(), "unchanged progress is not reported again")

	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, tracker.Elapsed(), time.Duration(0))

	tracker.Finish(core.JobView{Status: core.JobCompleted, ChunksCommitted: 5})
	output := buf.String()
	assert.Contains(t, output, "\rjob job-1: RUNNING - 2 chunks committed, 0 failed")
	assert.Contains(t, output, "\rjob job-1: COMPLETED - 5 chunks committed, 0 failed")
	assert.True(t, strings.HasSuffix(output, "\n"), "finish should end the line")
}
