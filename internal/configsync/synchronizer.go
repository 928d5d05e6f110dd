// Package configsync maintains the engine's active config file and gates
// engine startup on its availability.
package configsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"clash-tray/internal/core"
	"clash-tray/internal/metrics"
	"clash-tray/internal/subscription"
)

const (
	// ActiveConfigName is the file the engine is pointed at, inside the home directory.
	ActiveConfigName = "config.active.yml"
	// LocalConfigName is the user-edited source when no subscription is configured.
	LocalConfigName = "clash-config.yml"

	defaultDebounce = 250 * time.Millisecond
)

// TUNOverlay is appended to the active config when TUN mode is enabled.
const TUNOverlay = `
tun:
  enable: true
  stack: gvisor
  macOS-auto-detect-interface: true
  macOS-auto-route: true
  dns-hijack:
    - 198.18.0.2
`

// SourceKind tells where the active config comes from.
type SourceKind int

const (
	SourceLocal SourceKind = iota
	SourceSubscription
)

func (k SourceKind) String() string {
	switch k {
	case SourceLocal:
		return "local"
	case SourceSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// Source is the document the active config is derived from.
type Source struct {
	Kind SourceKind
	Path string
}

// SyncError reports a failed filesystem step during synchronization.
type SyncError struct {
	Op   string
	Path string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("config sync: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Config holds Synchronizer parameters.
type Config struct {
	HomePath string
	// LocalPath defaults to LocalConfigName in the working directory.
	LocalPath string
	EnableTUN bool
	Gate      *core.ReadyGate
	Bus       *core.EventBus
	// Fetcher selects subscription mode when it has a URL.
	Fetcher *subscription.Fetcher
	// Debounce defaults to 250ms.
	Debounce time.Duration
}

// Synchronizer copies the source document into the active config file.
type Synchronizer struct {
	configPath string
	source     Source
	enableTUN  bool
	gate       *core.ReadyGate
	bus        *core.EventBus
	fetcher    *subscription.Fetcher
	debounce   time.Duration

	syncMu sync.Mutex
	// overlayChecked is set once the active file is known to carry the
	// overlay state matching enableTUN. Guarded by syncMu.
	overlayChecked bool

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	watcher *localWatcher
	wg      sync.WaitGroup
}

// New resolves the config source and returns an unstarted Synchronizer.
func New(cfg Config) *Synchronizer {
	gate := cfg.Gate
	if gate == nil {
		gate = core.NewReadyGate()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	s := &Synchronizer{
		configPath: absPath(filepath.Join(cfg.HomePath, ActiveConfigName)),
		enableTUN:  cfg.EnableTUN,
		gate:       gate,
		bus:        cfg.Bus,
		fetcher:    cfg.Fetcher,
		debounce:   debounce,
	}

	if cfg.Fetcher != nil && cfg.Fetcher.HasSubscription() {
		s.source = Source{Kind: SourceSubscription, Path: absPath(cfg.Fetcher.SubscriptionPath())}
	} else {
		local := cfg.LocalPath
		if local == "" {
			local = LocalConfigName
		}
		s.source = Source{Kind: SourceLocal, Path: absPath(local)}
	}
	return s
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// ConfigPath is the active config file path.
func (s *Synchronizer) ConfigPath() string {
	return s.configPath
}

// Source returns the resolved config source.
func (s *Synchronizer) Source() Source {
	return s.source
}

// Gate returns the readiness gate set after the first synchronization.
func (s *Synchronizer) Gate() *core.ReadyGate {
	return s.gate
}

// Start begins tracking the source. Only the first call has any effect.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	switch s.source.Kind {
	case SourceSubscription:
		core.Log.Infof("Config", "Using subscription config %s", s.source.Path)
		if s.bus != nil {
			s.bus.Subscribe(core.EventSubscriptionUpdated, func(core.Event) {
				if ctx.Err() != nil {
					return
				}
				s.syncFromTrigger()
			})
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fetcher.Run(ctx)
		}()

	default:
		core.Log.Infof("Config", "Using local config %s", s.source.Path)
		w, err := newLocalWatcher(s.source.Path, s.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			s.syncFromTrigger()
		})
		if err != nil {
			cancel()
			s.mu.Unlock()
			return fmt.Errorf("watch %s: %w", s.source.Path, err)
		}
		s.watcher = w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run(ctx)
		}()
	}
	s.mu.Unlock()

	if _, err := os.Stat(s.source.Path); err != nil {
		core.Log.Infof("Config", "Source %s not present yet, waiting for it", s.source.Path)
		return nil
	}
	if _, err := s.Synchronize(s.source.Path); err != nil {
		core.Log.Errorf("Config", "Initial synchronization failed: %v", err)
	}
	return nil
}

func (s *Synchronizer) syncFromTrigger() {
	if _, err := os.Stat(s.source.Path); errors.Is(err, os.ErrNotExist) {
		core.Log.Debugf("Config", "Source %s missing, skipping", s.source.Path)
		return
	}
	if _, err := s.Synchronize(s.source.Path); err != nil {
		core.Log.Errorf("Config", "Synchronization failed: %v", err)
	}
}

// Close stops the watcher or fetcher started by Start.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	w := s.watcher
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if w != nil {
		err = w.close()
	}
	s.wg.Wait()
	return err
}

// Synchronize brings the active config in line with sourcePath. It reports
// whether the active file was rewritten. The readiness gate is set on every
// successful call; EventConfigUpdated is published for rewrites that happen
// after the gate was already open.
func (s *Synchronizer) Synchronize(sourcePath string) (bool, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	rewritten, err := s.synchronize(sourcePath)
	switch {
	case err != nil:
		metrics.ConfigSyncs.WithLabelValues(metrics.ResultError).Inc()
	case rewritten:
		metrics.ConfigSyncs.WithLabelValues(metrics.ResultRewritten).Inc()
	default:
		metrics.ConfigSyncs.WithLabelValues(metrics.ResultUnchanged).Inc()
	}
	return rewritten, err
}

func (s *Synchronizer) synchronize(sourcePath string) (bool, error) {
	srcInfo, err := os.Stat(sourcePath)
	if err != nil {
		return false, &SyncError{Op: "stat", Path: sourcePath, Err: err}
	}
	srcTime := srcInfo.ModTime()

	if dstInfo, err := os.Stat(s.configPath); err == nil && dstInfo.ModTime().Equal(srcTime) && s.overlayCurrent() {
		if s.gate.Set() {
			core.Log.Infof("Config", "Active config already up to date")
		}
		return false, nil
	}

	if err := s.rewrite(sourcePath, srcTime); err != nil {
		return false, err
	}
	s.overlayChecked = true
	core.Log.Infof("Config", "Active config rewritten from %s", sourcePath)

	// The first synchronization only opens the gate; the engine is not
	// running yet so there is nothing to reload.
	if opened := s.gate.Set(); !opened && s.bus != nil {
		s.bus.Publish(core.Event{
			Type: core.EventConfigUpdated,
			Payload: core.ConfigPayload{
				ConfigPath: s.configPath,
				SourcePath: sourcePath,
				ModTime:    srcTime,
			},
		})
	}
	return true, nil
}

// overlayCurrent reports whether the active file left by an earlier run has
// the overlay exactly when TUN is enabled. Only the first check reads the file.
func (s *Synchronizer) overlayCurrent() bool {
	if s.overlayChecked {
		return true
	}
	data, err := os.ReadFile(s.configPath)
	if err != nil {
		return false
	}
	if strings.HasSuffix(string(data), TUNOverlay) != s.enableTUN {
		core.Log.Infof("Config", "TUN setting changed, rebuilding %s", s.configPath)
		return false
	}
	s.overlayChecked = true
	return true
}

func (s *Synchronizer) rewrite(sourcePath string, modTime time.Time) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return &SyncError{Op: "open", Path: sourcePath, Err: err}
	}
	defer src.Close()

	dir := filepath.Dir(s.configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &SyncError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return &SyncError{Op: "create", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(op, path string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &SyncError{Op: op, Path: path, Err: err}
	}

	w := bufio.NewWriter(tmp)
	if err := copyLines(w, src); err != nil {
		return fail("copy", sourcePath, err)
	}
	if s.enableTUN {
		if _, err := w.WriteString(TUNOverlay); err != nil {
			return fail("write", tmpName, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fail("write", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &SyncError{Op: "close", Path: tmpName, Err: err}
	}

	if err := os.Rename(tmpName, s.configPath); err != nil {
		os.Remove(tmpName)
		return &SyncError{Op: "rename", Path: s.configPath, Err: err}
	}
	if err := os.Chtimes(s.configPath, modTime, modTime); err != nil {
		return &SyncError{Op: "chtimes", Path: s.configPath, Err: err}
	}
	return nil
}

// copyLines copies r to w line by line, normalizing line endings to "\n"
// and terminating the last line.
func copyLines(w *bufio.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			if _, werr := w.WriteString(line + "\n"); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
