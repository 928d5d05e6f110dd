// Package subscription keeps a local copy of a remote config document current.
package subscription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"clash-tray/internal/core"
	"clash-tray/internal/metrics"
)

// FileName is the subscription cache file inside the engine home directory.
const FileName = "subscription.yml"

// maxDocumentSize caps a downloaded document.
const maxDocumentSize = 32 << 20

// FetchError reports a failed subscription poll.
type FetchError struct {
	StatusCode int // 0 for transport errors
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("subscription: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("subscription: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Config holds Fetcher parameters.
type Config struct {
	URL      string
	Interval time.Duration
	HomePath string
	Bus      *core.EventBus
	// HTTPClient may be nil.
	HTTPClient *http.Client
	UserAgent  string
}

// Fetcher polls the subscription URL and writes the document to SubscriptionPath.
type Fetcher struct {
	url        string
	interval   time.Duration
	path       string
	bus        *core.EventBus
	httpClient *http.Client
	userAgent  string
}

// NewFetcher creates a fetcher. It does not start polling; call Run.
func NewFetcher(cfg Config) *Fetcher {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Duration(core.DefaultSubscriptionInterval) * time.Minute
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "clash-tray"
	}
	return &Fetcher{
		url:        cfg.URL,
		interval:   interval,
		path:       filepath.Join(cfg.HomePath, FileName),
		bus:        cfg.Bus,
		httpClient: httpClient,
		userAgent:  ua,
	}
}

// HasSubscription reports whether a URL is configured.
func (f *Fetcher) HasSubscription() bool {
	return f.url != ""
}

// SubscriptionPath is where the fetched document is stored.
func (f *Fetcher) SubscriptionPath() string {
	return f.path
}

// Run polls until ctx is cancelled. Failed polls are logged and retried on
// the next interval.
func (f *Fetcher) Run(ctx context.Context) {
	if !f.HasSubscription() {
		return
	}

	core.Log.Infof("Sub", "Started, check interval %s", f.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			core.Log.Infof("Sub", "Stopped")
			return
		case <-timer.C:
		}

		f.safeCheck(ctx)
		if ctx.Err() != nil {
			core.Log.Infof("Sub", "Stopped")
			return
		}

		core.Log.Infof("Sub", "Next check at %s", time.Now().Add(f.interval).Format(time.DateTime))
		timer.Reset(f.interval)
	}
}

func (f *Fetcher) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			core.Log.Errorf("Sub", "Check panicked: %v", r)
		}
	}()

	if _, err := f.Check(ctx); err != nil && ctx.Err() == nil {
		core.Log.Warnf("Sub", "Check subscription failed: %v", err)
	}
}

// Check performs a single conditional fetch. It reports whether a new
// document was written; EventSubscriptionUpdated is published in that case.
func (f *Fetcher) Check(ctx context.Context) (bool, error) {
	updated, err := f.check(ctx)
	switch {
	case err != nil:
		metrics.SubscriptionChecks.WithLabelValues(metrics.ResultError).Inc()
	case updated:
		metrics.SubscriptionChecks.WithLabelValues(metrics.ResultUpdated).Inc()
	default:
		metrics.SubscriptionChecks.WithLabelValues(metrics.ResultNotModified).Inc()
	}
	return updated, err
}

func (f *Fetcher) check(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return false, &FetchError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)

	if fi, err := os.Stat(f.path); err == nil {
		req.Header.Set("If-Modified-Since", fi.ModTime().UTC().Format(http.TimeFormat))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return false, &FetchError{Err: fmt.Errorf("HTTP request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		core.Log.Infof("Sub", "Remote config not changed")
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, &FetchError{StatusCode: resp.StatusCode}
	}

	core.Log.Infof("Sub", "Remote config changed")

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return false, &FetchError{Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxDocumentSize {
		return false, &FetchError{Err: fmt.Errorf("document larger than %d bytes", maxDocumentSize)}
	}

	if err := writeAtomic(f.path, body); err != nil {
		return false, fmt.Errorf("save subscription: %w", err)
	}

	modTime := time.Now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			if err := os.Chtimes(f.path, t, t); err != nil {
				return false, fmt.Errorf("set subscription mtime: %w", err)
			}
			modTime = t
		} else {
			core.Log.Debugf("Sub", "Ignoring unparsable Last-Modified %q", lm)
		}
	}

	if f.bus != nil {
		f.bus.Publish(core.Event{
			Type:    core.EventSubscriptionUpdated,
			Payload: core.SubscriptionPayload{Path: f.path, ModTime: modTime},
		})
	}
	return true, nil
}

// writeAtomic replaces path with data via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".subscription-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
