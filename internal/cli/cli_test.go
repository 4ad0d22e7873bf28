package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siloscan/siloscan/internal/api"
	"github.com/siloscan/siloscan/internal/db"
	"github.com/siloscan/siloscan/internal/ingest"
	"github.com/siloscan/siloscan/internal/monitoring"
	"github.com/siloscan/siloscan/internal/testutil"
)

// testEnv is a config file pointing at a fresh database.
type testEnv struct {
	dir    string
	dbPath string
	config string
}

func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{dir: dir, dbPath: filepath.Join(dir, "siloscan.db"), config: filepath.Join(dir, "siloscan.yaml")}
	cfg := fmt.Sprintf("db_path: %q\nlisten: \"127.0.0.1:0\"\npoll_interval: 20ms\nlog:\n  level: error\n%s", env.dbPath, extra)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o644))
	return env
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.runContext(t, context.Background(), args...)
}

func (e *testEnv) runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	prev := monitoring.Logf
	defer func() { monitoring.Logf = prev }()

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (e *testEnv) writeScan(t *testing.T) string {
	t.Helper()
	path := filepath.Join(e.dir, "scan.xyz")
	require.NoError(t, os.WriteFile(path, []byte(testutil.SiloXYZ(testutil.DefaultSilo())), 0o644))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "siloscan", cmd.Use)

	for _, name := range []string{"serve", "worker", "migrate", "device", "queue", "send", "reconstruct", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("with-worker"))
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t, "")
	out, err := env.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "siloscan dev")
}

func TestBadConfig(t *testing.T) {
	env := newTestEnv(t, "max_attempts: 0\n")
	_, err := env.run(t, "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
}

func TestMigrate(t *testing.T) {
	env := newTestEnv(t, "")

	var st db.MigrationStatus
	out, err := env.run(t, "migrate", "status")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, uint(0), st.CurrentVersion)
	assert.Greater(t, st.Pending, 0)
	latest := st.LatestVersion

	out, err = env.run(t, "migrate", "up")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, latest, st.CurrentVersion)
	assert.Equal(t, 0, st.Pending)

	out, err = env.run(t, "migrate", "down")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, latest-1, st.CurrentVersion)

	out, err = env.run(t, "migrate", "to", fmt.Sprint(latest))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, latest, st.CurrentVersion)

	out, err = env.run(t, "migrate", "force", fmt.Sprint(latest))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.False(t, st.Dirty)

	_, err = env.run(t, "migrate", "force", "latest")
	assert.Error(t, err)
}

func TestDeviceAddAndList(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "device", "add", "silo-1", "--capacity", "0.288583", "--diameter", "70", "--rim-height", "75", "--site", "KK01")
	require.NoError(t, err)
	var dev db.Device
	require.NoError(t, json.Unmarshal([]byte(out), &dev))
	assert.Equal(t, "silo-1", dev.DeviceID)
	require.NotNil(t, dev.Diameter)
	assert.Equal(t, 70.0, *dev.Diameter)
	assert.Equal(t, "cm", dev.LengthUnit)
	assert.Equal(t, "KK01", dev.SiteCode)

	_, err = env.run(t, "device", "add", "silo-2")
	assert.Error(t, err, "capacity is required")
	_, err = env.run(t, "device", "add", "silo-2", "--capacity", "1", "--unit", "ft")
	assert.Error(t, err)

	out, err = env.run(t, "device", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "DEVICE")
	assert.Contains(t, out, "silo-1")

	out, err = env.run(t, "device", "list", "--json")
	require.NoError(t, err)
	var devices []db.Device
	require.NoError(t, json.Unmarshal([]byte(out), &devices))
	assert.Len(t, devices, 1)
}

func TestReconstruct(t *testing.T) {
	env := newTestEnv(t, "")
	scan := env.writeScan(t)
	plot := filepath.Join(env.dir, "scan.png")

	out, err := env.run(t, "reconstruct", scan, "--capacity", "0.288583", "--diameter", "70", "--rim-height", "75", "--plot", plot)
	require.NoError(t, err)

	var res struct {
		Percentage float64 `json:"volume_percentage"`
		Method     string  `json:"method"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.InDelta(t, 40, res.Percentage, 2)
	assert.Equal(t, "mesh", res.Method)
	_, err = os.Stat(plot)
	assert.NoError(t, err)

	_, err = env.run(t, "reconstruct", filepath.Join(env.dir, "missing.xyz"), "--capacity", "1")
	assert.Error(t, err)
}

func TestSendQueueAndWorker(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.run(t, "device", "add", "silo-1", "--capacity", "0.288583", "--diameter", "70", "--rim-height", "75")
	require.NoError(t, err)

	store, err := db.NewDB(env.dbPath)
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewServer(ingest.NewService(store, nil), store, api.Options{}).ServeMux())
	defer srv.Close()

	out, err := env.run(t, "send", env.writeScan(t), "--server", srv.URL+"/upload_chunk", "--device", "silo-1", "--batch", "b1", "--lines", "2000")
	require.NoError(t, err)
	var rep struct {
		Chunks int  `json:"chunks"`
		Merged bool `json:"merged"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 3, rep.Chunks)
	assert.True(t, rep.Merged)
	store.Close()

	out, err = env.run(t, "queue", "stats")
	require.NoError(t, err)
	var qs db.QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &qs))
	assert.Equal(t, 1, qs.Pending)

	store, err = db.NewDB(env.dbPath)
	require.NoError(t, err)
	defer store.Close()

	// The worker drains the queue until the context ends.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.runContext(t, ctx, "worker", "--id", "cli-worker")
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, err := store.LatestVolume(context.Background(), "silo-1")
		return err == nil
	}, 30*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, err = env.run(t, "queue", "requeue", "b1")
	assert.ErrorIs(t, err, db.ErrNotFound, "processed scans cannot be requeued")
}

func TestServeStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := env.runContext(t, ctx, "serve", "--with-worker")
	assert.NoError(t, err)
}
