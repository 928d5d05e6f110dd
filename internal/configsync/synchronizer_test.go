package configsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clash-tray/internal/core"
	"clash-tray/internal/subscription"
)

var (
	t1 = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 1, 11, 9, 30, 0, 0, time.UTC)
)

type eventLog struct {
	mu     sync.Mutex
	events []core.ConfigPayload
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func watchUpdates(bus *core.EventBus) *eventLog {
	l := &eventLog{}
	bus.Subscribe(core.EventConfigUpdated, func(e core.Event) {
		l.mu.Lock()
		l.events = append(l.events, e.Payload.(core.ConfigPayload))
		l.mu.Unlock()
	})
	return l
}

func writeSource(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func modTime(t *testing.T, path string) time.Time {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.ModTime()
}

type fixture struct {
	dir    string
	source string
	sync   *Synchronizer
	gate   *core.ReadyGate
	events *eventLog
}

func newFixture(t *testing.T, enableTUN bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	bus := core.NewEventBus()
	gate := core.NewReadyGate()
	f := &fixture{
		dir:    dir,
		source: filepath.Join(dir, "a.yml"),
		gate:   gate,
		events: watchUpdates(bus),
	}
	f.sync = New(Config{
		HomePath:  filepath.Join(dir, "home"),
		LocalPath: f.source,
		EnableTUN: enableTUN,
		Gate:      gate,
		Bus:       bus,
	})
	return f
}

func TestSynchronizeFirstRun(t *testing.T) {
	f := newFixture(t, false)
	writeSource(t, f.source, "proxy: direct\n", t1)

	rewritten, err := f.sync.Synchronize(f.source)
	require.NoError(t, err)
	assert.True(t, rewritten)

	assert.Equal(t, "proxy: direct\n", readFile(t, f.sync.ConfigPath()))
	assert.True(t, modTime(t, f.sync.ConfigPath()).Equal(t1))
	assert.True(t, f.gate.IsSet())
	assert.Zero(t, f.events.count(), "first synchronization must not raise updated")
}

func TestSynchronizeSourceChanged(t *testing.T) {
	f := newFixture(t, false)
	writeSource(t, f.source, "proxy: direct\n", t1)
	_, err := f.sync.Synchronize(f.source)
	require.NoError(t, err)

	writeSource(t, f.source, "proxy: global\nmode: rule\n", t2)
	rewritten, err := f.sync.Synchronize(f.source)
	require.NoError(t, err)
	assert.True(t, rewritten)

	assert.Equal(t, "proxy: global\nmode: rule\n", readFile(t, f.sync.ConfigPath()))
	assert.True(t, modTime(t, f.sync.ConfigPath()).Equal(t2))
	require.Equal(t, 1, f.events.count())

	ev := f.events.events[0]
	assert.Equal(t, f.sync.ConfigPath(), ev.ConfigPath)
	assert.Equal(t, f.source, ev.SourcePath)
	assert.True(t, ev.ModTime.Equal(t2))
}

func TestSynchronizeUnchangedDoesNotRewrite(t *testing.T) {
	f := newFixture(t, false)
	writeSource(t, f.source, "proxy: direct\n", t1)
	_, err := f.sync.Synchronize(f.source)
	require.NoError(t, err)

	// Tamper with the active file but keep its mtime: a rewrite would restore it.
	writeSource(t, f.sync.ConfigPath(), "marker\n", t1)

	for i := 0; i < 3; i++ {
		rewritten, err := f.sync.Synchronize(f.source)
		require.NoError(t, err)
		assert.False(t, rewritten)
	}
	assert.Equal(t, "marker\n", readFile(t, f.sync.ConfigPath()))
	assert.Zero(t, f.events.count())
	assert.True(t, f.gate.IsSet())
}

func TestSynchronizeAlreadyMatchingSetsGate(t *testing.T) {
	f := newFixture(t, false)
	writeSource(t, f.source, "proxy: direct\n", t1)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.sync.ConfigPath()), 0o755))
	writeSource(t, f.sync.ConfigPath(), "proxy: direct\n", t1)

	rewritten, err := f.sync.Synchronize(f.source)
	require.NoError(t, err)
	assert.False(t, rewritten)
	assert.True(t, f.gate.IsSet())
	assert.Zero(t, f.events.count())
}

func TestSynchronizeAppendsOverlay(t *testing.T) {
	f := newFixture(t, true)
	writeSource(t, f.source, "mixed-port: 7890\nmode: rule\n", t1)

	_, err := f.sync.Synchronize(f.source)
	require.NoError(t, err)

	assert.Equal(t, "mixed-port: 7890\nmode: rule\n"+TUNOverlay, readFile(t, f.sync.ConfigPath()))
	assert.True(t, modTime(t, f.sync.ConfigPath()).Equal(t1), "overlay must not move the mtime")
}

func TestSynchronizeRebuildsWhenTUNToggled(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.yml")
	home := filepath.Join(dir, "home")
	writeSource(t, source, "proxy: direct\n", t1)

	run := func(enableTUN bool) (*Synchronizer, bool) {
		s := New(Config{HomePath: home, LocalPath: source, EnableTUN: enableTUN})
		rewritten, err := s.Synchronize(source)
		require.NoError(t, err)
		return s, rewritten
	}

	s, rewritten := run(false)
	assert.True(t, rewritten)
	assert.Equal(t, "proxy: direct\n", readFile(t, s.ConfigPath()))

	s, rewritten = run(true)
	assert.True(t, rewritten, "enabling TUN rebuilds the active file")
	assert.Equal(t, "proxy: direct\n"+TUNOverlay, readFile(t, s.ConfigPath()))
	assert.True(t, modTime(t, s.ConfigPath()).Equal(t1))

	_, rewritten = run(true)
	assert.False(t, rewritten, "same setting keeps the cached file")

	s, rewritten = run(false)
	assert.True(t, rewritten, "disabling TUN drops the overlay")
	assert.Equal(t, "proxy: direct\n", readFile(t, s.ConfigPath()))

	rewritten, err := s.Synchronize(source)
	require.NoError(t, err)
	assert.False(t, rewritten)
}

func TestSynchronizeNormalizesLineEndings(t *testing.T) {
	f := newFixture(t, false)
	writeSource(t, f.source, "a: 1\r\nb: 2", t1)

	_, err := f.sync.Synchronize(f.source)
	require.NoError(t, err)
	assert.Equal(t, "a: 1\nb: 2\n", readFile(t, f.sync.ConfigPath()))
}

func TestSynchronizeMissingSource(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.sync.Synchronize(f.source)
	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "stat", se.Op)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, f.gate.IsSet())
}

func TestNewResolvesSource(t *testing.T) {
	dir := t.TempDir()

	local := New(Config{HomePath: dir})
	assert.Equal(t, SourceLocal, local.Source().Kind)
	assert.Equal(t, LocalConfigName, filepath.Base(local.Source().Path))
	assert.True(t, filepath.IsAbs(local.Source().Path))
	assert.Equal(t, filepath.Join(dir, ActiveConfigName), local.ConfigPath())

	noURL := New(Config{HomePath: dir, Fetcher: subscription.NewFetcher(subscription.Config{HomePath: dir})})
	assert.Equal(t, SourceLocal, noURL.Source().Kind)

	fetcher := subscription.NewFetcher(subscription.Config{URL: "http://example.invalid/sub", HomePath: dir})
	sub := New(Config{HomePath: dir, Fetcher: fetcher})
	assert.Equal(t, SourceSubscription, sub.Source().Kind)
	assert.Equal(t, fetcher.SubscriptionPath(), sub.Source().Path)
	assert.Equal(t, "subscription", sub.Source().Kind.String())
}

func TestStartLocalExistingSource(t *testing.T) {
	f := newFixture(t, false)
	writeSource(t, f.source, "proxy: direct\n", t1)

	require.NoError(t, f.sync.Start(context.Background()))
	defer f.sync.Close()

	assert.True(t, f.gate.IsSet())
	assert.Equal(t, "proxy: direct\n", readFile(t, f.sync.ConfigPath()))

	// Second Start is a no-op.
	require.NoError(t, f.sync.Start(context.Background()))
}

func TestStartLocalWaitsForSource(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.yml")
	bus := core.NewEventBus()
	events := watchUpdates(bus)
	s := New(Config{
		HomePath:  filepath.Join(dir, "home"),
		LocalPath: source,
		Bus:       bus,
		Debounce:  20 * time.Millisecond,
	})

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()
	assert.False(t, s.Gate().IsSet())

	writeSource(t, source, "proxy: direct\n", t1)
	require.Eventually(t, s.Gate().IsSet, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(s.ConfigPath())
		return err == nil && string(data) == "proxy: direct\n"
	}, 3*time.Second, 10*time.Millisecond)

	writeSource(t, source, "proxy: global\n", t2)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(s.ConfigPath())
		return err == nil && string(data) == "proxy: global\n"
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return events.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestStartLocalDebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.yml")
	bus := core.NewEventBus()
	events := watchUpdates(bus)
	writeSource(t, source, "proxy: direct\n", t1)

	const window = 200 * time.Millisecond
	s := New(Config{
		HomePath:  filepath.Join(dir, "home"),
		LocalPath: source,
		Bus:       bus,
		Debounce:  window,
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()
	require.True(t, s.Gate().IsSet())

	for i := 0; i < 5; i++ {
		writeSource(t, source, fmt.Sprintf("rev: %d\n", i), t2.Add(time.Duration(i)*time.Second))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return events.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(2 * window)

	assert.Equal(t, 1, events.count(), "a burst inside the window is one rewrite")
	assert.Equal(t, "rev: 4\n", readFile(t, s.ConfigPath()))
	assert.True(t, modTime(t, s.ConfigPath()).Equal(t2.Add(4*time.Second)))
}

func TestStartSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", t1.Format(http.TimeFormat))
		w.Write([]byte("proxies: []\n"))
	}))
	defer srv.Close()

	home := t.TempDir()
	bus := core.NewEventBus()
	fetcher := subscription.NewFetcher(subscription.Config{
		URL:      srv.URL,
		Interval: time.Hour,
		HomePath: home,
		Bus:      bus,
	})
	s := New(Config{HomePath: home, Bus: bus, Fetcher: fetcher})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, s.Gate().IsSet, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close())

	assert.Equal(t, "proxies: []\n", readFile(t, s.ConfigPath()))
	assert.True(t, modTime(t, s.ConfigPath()).Equal(t1))
}

func TestCloseIdempotent(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.sync.Close())
	require.NoError(t, f.sync.Close())

	// Start after Close does nothing.
	require.NoError(t, f.sync.Start(context.Background()))
	assert.False(t, f.gate.IsSet())
}
