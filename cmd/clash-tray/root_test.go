package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clash-tray/internal/engine"
	"clash-tray/internal/instance"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "clash-tray", cmd.Use)
	assert.NotNil(t, cmd.RunE, "root command runs the host")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{
		"run-engine", "install-service", "uninstall-service", "install-task",
		"uninstall-task", "reload", "engine-version", "refresh", "version",
	}

	for _, name := range commands {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err, "command %s should exist", name)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	cd := cmd.PersistentFlags().Lookup("cd")
	require.NotNil(t, cd)
	assert.Equal(t, "", cd.DefValue)

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)
	assert.Equal(t, "clash-tray.yaml", cfg.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestCommandAnnotations(t *testing.T) {
	cmd := NewRootCommand()
	find := func(name string) *cobra.Command {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		return sub
	}

	for _, name := range []string{"version", "install-service", "uninstall-service", "install-task", "uninstall-task"} {
		assert.NotEmpty(t, find(name).Annotations[annotationNoConfig], name)
	}
	assert.NotEmpty(t, find("run-engine").Annotations[annotationWorker])
	assert.Empty(t, find("reload").Annotations[annotationNoConfig])
}

func TestDaemonLogPath(t *testing.T) {
	assert.Equal(t, filepath.Join("logs", "clash-tray-daemon.log"), daemonLogPath(filepath.Join("logs", "clash-tray.log")))
	assert.Equal(t, "clash-tray-daemon", daemonLogPath("clash-tray"))
}

func TestRegistrationCommand(t *testing.T) {
	sub, err := registrationCommand(engine.ModeInstalledService)
	require.NoError(t, err)
	assert.Equal(t, "install-service", sub)

	sub, err = registrationCommand(engine.ModeScheduledTask)
	require.NoError(t, err)
	assert.Equal(t, "install-task", sub)

	_, err = registrationCommand(engine.ModeDirectProcess)
	assert.Error(t, err)
}

func TestRemoveIfRegistered(t *testing.T) {
	removed := 0
	remove := func() error { removed++; return nil }

	require.NoError(t, removeIfRegistered("Service", func() bool { return false }, remove))
	assert.Zero(t, removed)

	require.NoError(t, removeIfRegistered("Service", func() bool { return true }, remove))
	assert.Equal(t, 1, removed)

	boom := errors.New("access denied")
	err := removeIfRegistered("Service", func() bool { return true }, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestLaunchSpec(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	opts := &RootOptions{ConfigPath: "clash-tray.yaml"}
	require.NoError(t, opts.load(false))
	t.Cleanup(func() { opts.close() })

	spec := launchSpec(opts.Config)
	assert.True(t, filepath.IsAbs(spec.ExePath))
	assert.Equal(t, filepath.Join(spec.HomePath, "config.active.yml"), spec.ConfigPath)
	assert.Equal(t, "127.0.0.1:9090", spec.Controller)
}

// execute runs the command tree with args inside dir and returns its output.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Chdir(dir)

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--cd", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeSettings(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clash-tray.yaml"), []byte(content), 0o644))
}

func TestVersionCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, "version")
	require.NoError(t, err)
	assert.Equal(t, "clash-tray dev (commit=unknown, built=unknown)\n", out)

	_, statErr := os.Stat(filepath.Join(dir, "clash-tray.yaml"))
	assert.True(t, os.IsNotExist(statErr), "version does not create settings")
}

// reloadRecorder is a fake control API that records reload requests.
type reloadRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *reloadRecorder) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /configs", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decode reload body: %v", err)
		}
		r.mu.Lock()
		r.paths = append(r.paths, body.Path)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"version":"v1.18.0","premium":true}`)
	})
	return mux
}

func (r *reloadRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestReloadCommand(t *testing.T) {
	rec := &reloadRecorder{}
	api := httptest.NewServer(rec.handler(t))
	defer api.Close()

	dir := t.TempDir()
	writeSettings(t, dir, "engine:\n  controller: "+api.URL+"\n")

	out, err := execute(t, dir, "reload")
	require.NoError(t, err)

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasSuffix(calls[0], filepath.Join("clash-home", "config.active.yml")), calls[0])
	assert.Contains(t, out, "Reloaded")
}

func TestEngineVersionCommand(t *testing.T) {
	rec := &reloadRecorder{}
	api := httptest.NewServer(rec.handler(t))
	defer api.Close()

	dir := t.TempDir()
	writeSettings(t, dir, "engine:\n  controller: "+api.URL+"\n")

	out, err := execute(t, dir, "engine-version")
	require.NoError(t, err)
	assert.Equal(t, "v1.18.0 (premium)\n", out)
}

func TestRefreshWithoutSubscription(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription.url")

	_, statErr := os.Stat(filepath.Join(dir, "clash-tray.yaml"))
	assert.NoError(t, statErr, "missing settings are created with defaults")
}

func TestRefreshRewritesAndReloads(t *testing.T) {
	rec := &reloadRecorder{}
	api := httptest.NewServer(rec.handler(t))
	defer api.Close()

	lastMod := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	sub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
		io.WriteString(w, "mixed-port: 7890\n")
	}))
	defer sub.Close()

	dir := t.TempDir()
	writeSettings(t, dir, "engine:\n  controller: "+api.URL+"\n  enable_tun: true\nsubscription:\n  url: "+sub.URL+"\n")

	out, err := execute(t, dir, "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "Active config")

	active := filepath.Join(dir, "clash-home", "config.active.yml")
	data, err := os.ReadFile(active)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "mixed-port: 7890\n"))
	assert.Contains(t, string(data), "tun:\n  enable: true")

	fi, err := os.Stat(active)
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(lastMod))

	assert.Len(t, rec.calls(), 1)
}

func TestRefreshRefusesWhileHostRuns(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "subscription:\n  url: http://127.0.0.1:1/sub\n")

	lock, err := instance.Acquire(instanceName)
	require.NoError(t, err)
	defer lock.Release()

	_, err = execute(t, dir, "refresh")
	assert.ErrorIs(t, err, instance.ErrAlreadyRunning)
	_, statErr := os.Stat(filepath.Join(dir, "clash-home", "subscription.yml"))
	assert.True(t, os.IsNotExist(statErr), "nothing is written")
}
