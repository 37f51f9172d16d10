package benchmark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barista/internal/config"
	"barista/internal/loadgen"
	"barista/internal/results"
	"barista/internal/storage"
	"barista/internal/supervisor"
)

type fakeHistory struct {
	items []storage.HistoryItem
}

func (h *fakeHistory) Save(item storage.HistoryItem) error {
	h.items = append(h.items, item)
	return nil
}

type fakeGenerator struct {
	loadgen.Generator
	measure  func(ctx context.Context, req loadgen.Request) (loadgen.Measurement, error)
	cleanups int
}

func (g *fakeGenerator) Measure(ctx context.Context, req loadgen.Request) (loadgen.Measurement, error) {
	return g.measure(ctx, req)
}

func (g *fakeGenerator) DumpStdout(dir, name, stdout string) error {
	return loadgen.DumpStdout(dir, name, stdout)
}

func (g *fakeGenerator) Cleanup() {
	g.cleanups++
}

func testConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	dir := t.TempDir()
	content := fmt.Sprintf(`{
  "benchmark": "hello",
  "mode": "native",
  "app_executable": %q,
  "app_args": ["30"],
  "endpoint": %q,
  "output": %q,
  "load_generator": "builtin",
  "resource_usage_polling_interval": 0.02,
  "load_testing": {
    "threads": 1,
    "connections": 2,
    "startup": {"iterations": 1, "requests": 2, "timeout": 10},
    "warmup": {"iterations": 1, "iteration_time_seconds": 1},
    "throughput": {"iterations": 1, "iteration_time_seconds": 1},
    "latency_measurement": {
      "iterations": 1,
      "iteration_time_seconds": 1,
      "search_strategy": "fixed",
      "rates": [20]
    }
  }
}`, sleep, endpoint, dir)
	path := filepath.Join(dir, "bench.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := config.Load(config.NewViper(), path)
	require.NoError(t, err)
	return cfg
}

func newServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun(t *testing.T) {
	srv := newServer(t)
	cfg := testConfig(t, srv.URL)
	runDir := t.TempDir()
	history := &fakeHistory{}
	var out bytes.Buffer

	d := New(cfg, runDir, []string{"barista", "run"}, &out, history)
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Nil(t, d.sup.Active())
	assert.Len(t, res.Startup.Measurements, 2)
	require.Len(t, res.Warmup.Measurements, 1)
	require.Len(t, res.Throughput.Measurements, 1)
	assert.Greater(t, res.Throughput.Measurements[0].Throughput, 0.0)
	require.Len(t, res.Latency.Measurements.Final, 1)
	assert.Equal(t, 20, res.Latency.Measurements.Final[0].Rate)

	for _, f := range []string{results.JSONFile, results.StartupFile, results.ThroughputFile, "warmup-1-dump.txt", "throughput-1-dump.txt"} {
		assert.FileExists(t, filepath.Join(runDir, f))
	}
	require.Len(t, history.items, 1)
	assert.Equal(t, res.ID, history.items[0].ID)
	assert.Equal(t, runDir, history.items[0].OutputDir)

	assert.Contains(t, out.String(), "warmup 1/1")
	assert.Contains(t, out.String(), "throughput 1/1")
}

func TestRun_MeasureError(t *testing.T) {
	srv := newServer(t)
	cfg := testConfig(t, srv.URL)
	errBoom := errors.New("boom")
	gen := &fakeGenerator{measure: func(context.Context, loadgen.Request) (loadgen.Measurement, error) {
		return loadgen.Measurement{}, errBoom
	}}

	history := &fakeHistory{}
	d := New(cfg, t.TempDir(), nil, &bytes.Buffer{}, history)
	d.newGenerator = func(loadgen.Kind, loadgen.Options) (loadgen.Generator, error) {
		return gen, nil
	}
	_, err := d.Run(context.Background())
	assert.ErrorIs(t, err, errBoom)

	// the application and the generator are released
	assert.Nil(t, d.sup.Active())
	assert.Equal(t, 1, gen.cleanups)
	assert.Empty(t, history.items)

	// a second cleanup is a no-op
	assert.NoError(t, d.cleanup(nil))
	assert.Equal(t, 1, gen.cleanups)
}

func TestRun_NoThroughput(t *testing.T) {
	srv := newServer(t)
	cfg := testConfig(t, srv.URL)
	var kinds []loadgen.Kind
	gen := &fakeGenerator{measure: func(context.Context, loadgen.Request) (loadgen.Measurement, error) {
		return loadgen.Measurement{Command: "wrk", Stdout: "garbage"}, nil
	}}

	d := New(cfg, t.TempDir(), nil, &bytes.Buffer{}, nil)
	d.newGenerator = func(kind loadgen.Kind, opts loadgen.Options) (loadgen.Generator, error) {
		kinds = append(kinds, kind)
		assert.Equal(t, srv.URL, opts.Endpoint)
		return gen, nil
	}
	_, err := d.Run(context.Background())
	assert.ErrorIs(t, err, loadgen.ErrParse)
	assert.Equal(t, []loadgen.Kind{loadgen.KindBuiltin}, kinds)
	assert.Nil(t, d.sup.Active())
}

func measured(throughput float64) loadgen.Measurement {
	return loadgen.Measurement{Throughput: &throughput, Command: "fake", Stdout: "Requests/sec: 1"}
}

func TestRun_AppExited(t *testing.T) {
	srv := newServer(t)
	cfg := testConfig(t, srv.URL)

	var d *Driver
	var crashed *supervisor.App
	gen := &fakeGenerator{measure: func(context.Context, loadgen.Request) (loadgen.Measurement, error) {
		if crashed == nil {
			// the application dies during warmup
			crashed = d.sup.Active()
			require.NoError(t, crashed.Root().Terminate())
			select {
			case <-crashed.Done():
			case <-time.After(10 * time.Second):
				t.Fatal("application did not exit")
			}
		}
		return measured(100), nil
	}}

	d = New(cfg, t.TempDir(), nil, &bytes.Buffer{}, nil)
	d.newGenerator = func(loadgen.Kind, loadgen.Options) (loadgen.Generator, error) {
		return gen, nil
	}
	_, err := d.Run(context.Background())
	require.ErrorIs(t, err, supervisor.ErrUnexpectedExit)
	var exitErr *supervisor.ExitError
	assert.ErrorAs(t, err, &exitErr)

	// nothing left to terminate: the dead app is still the active one
	require.NotNil(t, crashed)
	assert.Same(t, crashed, d.sup.Active())
	assert.Equal(t, 1, gen.cleanups)

	// the monitor was joined, so its results are readable
	require.NotNil(t, d.mon)
	assert.NoError(t, d.mon.Wait())
	assert.NotNil(t, d.mon.StartupTimes())
}

func TestRun_Canceled(t *testing.T) {
	srv := newServer(t)
	cfg := testConfig(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	gen := &fakeGenerator{measure: func(ctx context.Context, _ loadgen.Request) (loadgen.Measurement, error) {
		calls++
		cancel()
		<-ctx.Done()
		return loadgen.Measurement{}, ctx.Err()
	}}

	history := &fakeHistory{}
	d := New(cfg, t.TempDir(), nil, &bytes.Buffer{}, history)
	d.newGenerator = func(loadgen.Kind, loadgen.Options) (loadgen.Generator, error) {
		return gen, nil
	}
	_, err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, calls)
	assert.Nil(t, d.sup.Active())
	assert.Equal(t, 1, gen.cleanups)
	assert.Empty(t, history.items)
	require.NotNil(t, d.mon)
	assert.NoError(t, d.mon.Wait())

	// cleanup already ran
	assert.NoError(t, d.cleanup(context.Canceled))
	assert.Equal(t, 1, gen.cleanups)
}
