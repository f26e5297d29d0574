package cmd

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnenv/envcrawler/internal/config"
	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/dispatcher"
	"github.com/vnenv/envcrawler/internal/emitter"
	"github.com/vnenv/envcrawler/internal/registry"
	"github.com/vnenv/envcrawler/internal/storage/memory"
)

type fakeApp struct {
	reg     *registry.Registry
	handoff *emitter.Handoff
	job     *crawler.CrawlJob
	err     error
	reqs    []dispatcher.Request
	closed  bool
}

func (f *fakeApp) Close(context.Context) error  { f.closed = true; return nil }
func (f *fakeApp) Run(context.Context) error    { return nil }
func (f *fakeApp) Handoff() *emitter.Handoff    { return f.handoff }
func (f *fakeApp) Registry() *registry.Registry { return f.reg }
func (f *fakeApp) Logger() *zap.Logger          { return zap.NewNop() }
func (f *fakeApp) Handler() http.Handler        { return http.NotFoundHandler() }

func (f *fakeApp) Crawl(ctx context.Context, req dispatcher.Request) (crawler.JobRecord, error) {
	f.reqs = append(f.reqs, req)
	if req.OnItemDone != nil {
		req.OnItemDone(1, 2)
		req.OnItemDone(2, 2)
	}
	if f.job == nil {
		return crawler.JobRecord{}, f.err
	}
	record, err := f.handoff.Deliver(ctx, f.job)
	if err != nil {
		return record, err
	}
	return record, f.err
}

func newFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	reg, err := registry.Default()
	require.NoError(t, err)
	done := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	return &fakeApp{
		reg: reg,
		handoff: emitter.NewHandoff(memory.NewBlobStore(), memory.NewJobStore(), nil, nil, nil,
			emitter.Config{Prefix: "batches"}, zap.NewNop()),
		job: &crawler.CrawlJob{
			ID:          "job-cli",
			Domain:      crawler.DomainClimate,
			Status:      crawler.JobStatusCompletedWithErrors,
			CompletedAt: done,
			Targets:     []crawler.Location{{ID: "hanoi"}},
			Providers:   []string{"open-meteo-climate", "openweather-climate"},
			Records: []crawler.RawRecord{{
				Domain: crawler.DomainClimate, LocationID: "hanoi", ProviderID: "open-meteo-climate",
				ObservedAt: done, Fields: map[string]crawler.Value{"temp_c": crawler.Num(31.5)},
				Status: crawler.FetchOK,
			}},
			Errors: []crawler.ItemError{{
				ProviderID: "openweather-climate", LocationID: "hanoi",
				Kind: crawler.KindRateLimited, Message: "429", Attempts: 3,
			}},
		},
	}
}

// execute runs the root command against app. Tests using it swap the
// package-level factory and so cannot run in parallel.
func execute(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, config.Config) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev; cfgFile = "" })

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlCommandWritesArtifact(t *testing.T) {
	app := newFakeApp(t)
	outFile := filepath.Join(t.TempDir(), "batch.csv")

	out, err := execute(t, app, "crawl",
		"--domain", "climate",
		"--location", "hanoi,hue",
		"--province", "Hanoi",
		"--limit", "5",
		"--deadline", "45s",
		"--out", outFile,
	)
	require.NoError(t, err)
	require.Contains(t, out, "job job-cli completed_with_errors: 1/2 succeeded, 1 failed, 0 from cache")
	require.Contains(t, out, "openweather-climate/hanoi: rate_limited: 429")
	require.Contains(t, out, "artifact: memory://batches/climate/2025/05/01/job-cli.csv")
	require.True(t, app.closed)

	require.Len(t, app.reqs, 1)
	req := app.reqs[0]
	require.Equal(t, crawler.DomainClimate, req.Domain)
	require.Equal(t, registry.Filter{IDs: []string{"hanoi", "hue"}, Provinces: []string{"Hanoi"}, Limit: 5}, req.Filter)
	require.Equal(t, 45*time.Second, req.Deadline)
	require.NotNil(t, req.OnItemDone)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	stored, err := app.handoff.Artifact(context.Background(), "job-cli")
	require.NoError(t, err)
	require.Equal(t, stored, data)
}

func TestCrawlCommandReportsFailedJob(t *testing.T) {
	app := newFakeApp(t)
	app.job.Records = nil
	app.job.Status = crawler.JobStatusFailed
	app.err = crawler.ErrJobFailed

	out, err := execute(t, app, "crawl", "--domain", "climate", "--no-progress")
	require.ErrorIs(t, err, crawler.ErrJobFailed)
	require.Contains(t, out, "job job-cli failed: 0/2 succeeded")
	require.Nil(t, app.reqs[0].OnItemDone)
}

func TestCrawlCommandRejectsUnknownDomain(t *testing.T) {
	app := newFakeApp(t)

	_, err := execute(t, app, "crawl", "--domain", "noise")
	require.ErrorIs(t, err, crawler.ErrUnknownDomain)
	require.Empty(t, app.reqs)
}

func TestCrawlCommandUnknownLocation(t *testing.T) {
	app := newFakeApp(t)
	app.job = nil
	app.err = &crawler.UnknownLocationError{IDs: []string{"atlantis"}}

	out, err := execute(t, app, "crawl", "--domain", "air", "--location", "atlantis", "--no-progress")
	require.ErrorContains(t, err, "atlantis")
	require.Empty(t, out)
}

func TestLocationsCommand(t *testing.T) {
	app := newFakeApp(t)

	out, err := execute(t, app, "locations")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, app.reg.Len()+1)
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, out, "hanoi")

	out, err = execute(t, app, "locations", "--domain", "soil", "--province", "Hanoi")
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], "hanoi")

	_, err = execute(t, app, "locations", "--domain", "noise")
	require.ErrorIs(t, err, crawler.ErrUnknownDomain)
}

func TestRootFailsOnMissingConfigFile(t *testing.T) {
	app := newFakeApp(t)

	_, err := execute(t, app, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "locations")
	require.ErrorContains(t, err, "load config")
}
