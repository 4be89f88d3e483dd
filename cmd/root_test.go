package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/report"
	"github.com/JakeFAU/linkcheck/internal/synch"
	"github.com/JakeFAU/linkcheck/internal/worker"
)

type fakeApp struct {
	ran        bool
	runs       int
	force      bool
	migrated   bool
	closed     int
	migrateErr error
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeApp) RunWorker(context.Context) worker.Result {
	f.runs++
	return worker.Result{RunID: "run-1", Outcome: worker.OutcomeCompleted, LinksChecked: 7}
}

func (f *fakeApp) Resync(_ context.Context, force bool) (synch.Stats, error) {
	f.force = force
	return synch.Stats{Added: 2, Removed: 1}, nil
}

func (f *fakeApp) ExportReport(context.Context) (string, report.Report, error) {
	return "memory://linkcheck/report.json", report.Report{Broken: make([]report.Entry, 3)}, nil
}

func (f *fakeApp) MigrateSchema(context.Context) error {
	f.migrated = true
	return f.migrateErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func execute(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	var gotPath string
	root := newRootCmd(func(_ context.Context, cfgPath string) (App, error) {
		gotPath = cfgPath
		return app, nil
	})
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(append([]string{"--config", "linkcheck.yaml"}, args...))
	err := root.ExecuteContext(context.Background())
	if err == nil {
		require.Equal(t, "linkcheck.yaml", gotPath)
	}
	return out.String(), err
}

func TestRunCommandPrintsResult(t *testing.T) {
	t.Parallel()

	app := &fakeApp{}
	out, err := execute(t, app, "run")
	require.NoError(t, err)
	require.Equal(t, 1, app.runs)
	require.Equal(t, 1, app.closed)
	require.Equal(t, "completed", gjson.Get(out, "outcome").String())
	require.Equal(t, int64(7), gjson.Get(out, "links_checked").Int())
}

func TestResyncCommandForwardsForce(t *testing.T) {
	t.Parallel()

	app := &fakeApp{}
	out, err := execute(t, app, "resync", "--force")
	require.NoError(t, err)
	require.True(t, app.force)
	require.Equal(t, int64(2), gjson.Get(out, "added").Int())
}

func TestReportCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, &fakeApp{}, "report")
	require.NoError(t, err)
	require.Equal(t, "memory://linkcheck/report.json", gjson.Get(out, "uri").String())
	require.Equal(t, int64(3), gjson.Get(out, "broken").Int())
}

func TestServeAndMigrateCommands(t *testing.T) {
	t.Parallel()

	app := &fakeApp{}
	_, err := execute(t, app, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)

	_, err = execute(t, app, "migrate-schema")
	require.NoError(t, err)
	require.True(t, app.migrated)

	failing := &fakeApp{migrateErr: errors.New("no database")}
	_, err = execute(t, failing, "migrate-schema")
	require.ErrorContains(t, err, "no database")
}

func TestFactoryErrorAbortsCommand(t *testing.T) {
	t.Parallel()

	root := newRootCmd(func(context.Context, string) (App, error) {
		return nil, errors.New("bad config")
	})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "bad config")
}
