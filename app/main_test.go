package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/prefkeeper/app/store"
)

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "prefkeeper.log")
	opts.Log.Enabled = true
	opts.Log.Filename = logFile
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false
	defer func() {
		opts.Log.Enabled = false
		setupLogs()
	}()

	out := setupLogs()
	require.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, logFile, logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_journalPath(t *testing.T) {
	opts.DataDir = "/srv/data"
	opts.Journal.DB = ""
	assert.Equal(t, "/srv/data/journal.db", journalPath())

	opts.Journal.DB = "/tmp/j.db"
	assert.Equal(t, "/tmp/j.db", journalPath())
	opts.Journal.DB = ""
}

func Test_makeEnricher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts.PlansFile = ""
	enricher, err := makeEnricher(ctx)
	require.NoError(t, err)
	assert.Equal(t, "free", enricher.Config().Default)

	plansFile := filepath.Join(t.TempDir(), "plans.yml")
	require.NoError(t, os.WriteFile(plansFile, []byte(`default: basic
tiers:
  basic:
    title: Basic
    limits: {searchesPerMonth: 5, cvGenerations: 1, coverLetters: 1, savedJobs: 5}
`), 0o600))
	opts.PlansFile = plansFile
	enricher, err = makeEnricher(ctx)
	require.NoError(t, err)
	assert.Equal(t, "basic", enricher.Config().Default)

	opts.PlansFile = filepath.Join(t.TempDir(), "missing.yml")
	_, err = makeEnricher(ctx)
	require.Error(t, err)
	opts.PlansFile = ""
}

func Test_run(t *testing.T) {
	dir := t.TempDir()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	usersFile := filepath.Join(dir, "users.yml")
	require.NoError(t, os.WriteFile(usersFile,
		[]byte(fmt.Sprintf("users:\n  - id: alice\n    password: %q\n    plan: pro\n", string(hash))), 0o600))

	port := chooseRandomUnusedPort(t)
	opts.UsersFile = usersFile
	opts.DataDir = filepath.Join(dir, "data")
	opts.Listen = fmt.Sprintf("127.0.0.1:%d", port)
	opts.PlansFile = ""
	opts.Sweep = "@hourly"
	opts.Store.Retries, opts.Store.RetryDelay, opts.Store.TempAge = 3, time.Millisecond, time.Hour
	opts.Journal.Keep = 10

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/ping")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodPut, base+"/api/v1/prefs", strings.NewReader(`{"settings":{"theme":"dark"}}`))
	require.NoError(t, err)
	req.SetBasicAuth("alice", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"theme":"dark"`)

	docFile, err := store.NewFileStore(filepath.Join(dir, "data", "prefs"), nil).Path("alice")
	require.NoError(t, err)
	data, err := os.ReadFile(docFile) //nolint:gosec // test file
	require.NoError(t, err)
	assert.Contains(t, string(data), `"theme": "dark"`)
	assert.Contains(t, string(data), `"language": "en"`, "merged with defaults")
	assert.FileExists(t, filepath.Join(dir, "data", "journal.db"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}

func Test_runNoUsersFile(t *testing.T) {
	opts.UsersFile = filepath.Join(t.TempDir(), "missing.yml")
	err := run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't read users file")
}

func chooseRandomUnusedPort(t *testing.T) (port int) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port = listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}
