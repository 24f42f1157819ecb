package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/anime-catalog-ingest/internal/app"
	"github.com/JakeFAU/anime-catalog-ingest/internal/config"
	"github.com/JakeFAU/anime-catalog-ingest/internal/pipeline"
	"github.com/JakeFAU/anime-catalog-ingest/internal/proxy"
	"github.com/JakeFAU/anime-catalog-ingest/internal/storage/memory"
)

type fakePages struct {
	n   int
	err error
}

func (p fakePages) Count(context.Context) (int, error) { return p.n, p.err }
func (p fakePages) PageCount(context.Context) int    { return p.n }

type fakeApp struct {
	runner  *pipeline.Runner
	pages   fakePages
	closed  bool
	served  bool
	stopped bool
}

func (a *fakeApp) Logger() *zap.Logger      { return zap.NewNop() }
func (a *fakeApp) Runner() *pipeline.Runner { return a.runner }
func (a *fakeApp) Pages() app.PageCounter   { return a.pages }
func (a *fakeApp) Close()                   { a.closed = true }
func (a *fakeApp) ServeOps(context.Context) func() {
	a.served = true
	return func() { a.stopped = true }
}

func memoryConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  driver: memory\n"), 0o600))
	return path
}

// useApp swaps the factory; tests calling it must not run in parallel.
func useApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) { return fake, nil }
	t.Cleanup(func() { newApp = prev })
}

func execute(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPagesCommandPrintsCount(t *testing.T) {
	fake := &fakeApp{pages: fakePages{n: 212}}
	useApp(t, fake)

	out, err := execute("pages", "--config", memoryConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "212\n", out)
	assert.True(t, fake.closed)
}

func TestPagesCommandStrictFails(t *testing.T) {
	useApp(t, &fakeApp{pages: fakePages{n: 212, err: errors.New("selector matched nothing")}})

	_, err := execute("pages", "--strict", "--config", memoryConfig(t))
	require.ErrorContains(t, err, "selector matched nothing")
}

func TestDetailsCommandAbortsWithoutProxies(t *testing.T) {
	runner, err := pipeline.New(pipeline.Env{Store: memory.NewCatalogStore("")}, pipeline.Config{
		Details: pipeline.StageConfig{URL: "http://catalog.invalid/anime", ChunkSize: 1},
	})
	require.NoError(t, err)
	fake := &fakeApp{runner: runner}
	useApp(t, fake)

	out, err := execute("details", "--config", memoryConfig(t))
	require.ErrorIs(t, err, proxy.ErrNoProxies)
	assert.True(t, fake.served)
	assert.True(t, fake.stopped)
	assert.True(t, fake.closed)

	var s pipeline.Summary
	require.NoError(t, json.NewDecoder(strings.NewReader(out)).Decode(&s))
	assert.Equal(t, pipeline.StageDetails, s.Stage)
}

func TestMissingConfigFileFails(t *testing.T) {
	useApp(t, &fakeApp{})

	_, err := execute("pages", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestStageCommandsRejectArgs(t *testing.T) {
	useApp(t, &fakeApp{})

	_, err := execute("harvest", "extra", "--config", memoryConfig(t))
	require.Error(t, err)
}
