// Package session implements §4.8's Session Manager: SPA route-change
// detection via an exposed callback, DOM delta tracking, and
// rate-limited re-snapshotting. Grounded on original_source's Session
// (pushState/replaceState/popstate/hashchange instrumentation, a
// time-boxed snapshot cache, wait_for_stable_dom polling), but its DOM
// delta is computed per spec.md as 1-Jaccard over frame_hash sets instead
// of the original's char-by-char hash-string diff, and re-snapshot pacing
// uses golang.org/x/time/rate instead of a hand-rolled interval check.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/polzovatel/her/internal/browser"
	"github.com/polzovatel/her/internal/domain"
	"github.com/polzovatel/her/internal/snapshotbuilder"
)

// DefaultReindexThreshold is θ_reindex from spec.md: the Session Manager's
// own trigger for declaring a DOM change significant, independent from
// embedder.DefaultDeltaThreshold which gates the Delta Embedder's reuse
// decision. Spec deliberately favors freshness here (0.3) over the
// embedder's more permissive 0.5.
const DefaultReindexThreshold = 0.3

const routeChangeHistoryLimit = 200

// ReindexFunc is invoked after a reindex-triggering snapshot completes.
type ReindexFunc func(ctx context.Context, snap *domain.Snapshot)

type Manager struct {
	driver  browser.Driver
	builder *snapshotbuilder.Builder
	limiter *rate.Limiter

	mu              sync.Mutex
	state           domain.SessionState
	threshold       float64
	reindexCallback ReindexFunc
	listening       bool
}

// New builds a Session Manager over driver, rate-limiting snapshots to
// ratePerSecond with a burst of 1.
func New(driver browser.Driver, builder *snapshotbuilder.Builder, ratePerSecond float64) *Manager {
	return &Manager{
		driver:    driver,
		builder:   builder,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		threshold: DefaultReindexThreshold,
	}
}

// SetReindexCallback registers the function invoked when a route change's
// DOM delta crosses the reindex threshold.
func (m *Manager) SetReindexCallback(f ReindexFunc) {
	m.mu.Lock()
	m.reindexCallback = f
	m.mu.Unlock()
}

// AttachRouteListeners injects the pushState/replaceState/popstate/
// hashchange instrumentation and wires it to an exposed Go callback, per
// §4.8. It is idempotent.
func (m *Manager) AttachRouteListeners(ctx context.Context) error {
	m.mu.Lock()
	if m.listening {
		m.mu.Unlock()
		return nil
	}
	m.listening = true
	m.mu.Unlock()

	if _, err := m.driver.Evaluate(ctx, routeDetectionScript); err != nil {
		return fmt.Errorf("inject route detection script: %w", err)
	}
	err := m.driver.ExposeCallback(ctx, "__herHandleRouteChange", func(args ...any) (any, error) {
		payload, _ := args[0].(map[string]any)
		m.handleRouteChange(ctx, payload)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("expose route change callback: %w", err)
	}
	if _, err := m.driver.Evaluate(ctx, routeListenerScript); err != nil {
		return fmt.Errorf("attach route change listener: %w", err)
	}
	return nil
}

func (m *Manager) handleRouteChange(ctx context.Context, payload map[string]any) {
	oldURL, _ := payload["oldUrl"].(string)
	newURL, _ := payload["newUrl"].(string)
	kindStr, _ := payload["type"].(string)

	m.mu.Lock()
	oldHashes := copyFrameHashes(m.state.LastSnapshot)
	m.mu.Unlock()

	snap, err := m.builder.Capture(ctx)
	if err != nil {
		return
	}
	delta := jaccardDelta(oldHashes, snap.FrameHashes)

	m.mu.Lock()
	m.state.CurrentURL = snap.URL
	m.state.LastSnapshot = snap
	m.state.TotalSnapshots++
	m.state.RouteChanges = append(m.state.RouteChanges, domain.RouteChangeEvent{
		Timestamp: time.Now(), OldURL: oldURL, NewURL: newURL, Kind: domain.RouteChangeKind(kindStr), DOMDelta: delta,
	})
	if len(m.state.RouteChanges) > routeChangeHistoryLimit {
		m.state.RouteChanges = m.state.RouteChanges[len(m.state.RouteChanges)-routeChangeHistoryLimit:]
	}
	needsReindex := delta > m.threshold
	callback := m.reindexCallback
	if needsReindex {
		m.state.Reindexes++
	}
	m.mu.Unlock()

	if needsReindex && callback != nil {
		callback(ctx, snap)
	}
}

// TakeSnapshot captures a fresh snapshot, rate-limited unless force is set.
// A rate-limited caller receives the last snapshot taken instead of
// blocking, matching the original's "reuse if called too soon" behavior.
func (m *Manager) TakeSnapshot(ctx context.Context, force bool) (*domain.Snapshot, error) {
	// Every capture, forced or not, draws from the limiter so the interval
	// is measured from the last snapshot taken.
	allowed := m.limiter.Allow()
	if !force && !allowed {
		m.mu.Lock()
		last := m.state.LastSnapshot
		m.mu.Unlock()
		if last != nil {
			return last, nil
		}
	}
	snap, err := m.builder.Capture(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.state.CurrentURL = snap.URL
	m.state.LastSnapshot = snap
	m.state.TotalSnapshots++
	m.mu.Unlock()
	return snap, nil
}

// ReindexIfNeeded forces a fresh snapshot when the last recorded route
// change exceeded the threshold, or unconditionally when force is true.
func (m *Manager) ReindexIfNeeded(ctx context.Context, force bool) (bool, error) {
	m.mu.Lock()
	needsReindex := force
	if !needsReindex && len(m.state.RouteChanges) > 0 {
		needsReindex = m.state.RouteChanges[len(m.state.RouteChanges)-1].DOMDelta > m.threshold
	}
	callback := m.reindexCallback
	m.mu.Unlock()
	if !needsReindex {
		return false, nil
	}

	snap, err := m.TakeSnapshot(ctx, true)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	m.state.Reindexes++
	m.mu.Unlock()
	if callback != nil {
		callback(ctx, snap)
	}
	return true, nil
}

// WaitForStableDOM polls the page state hash until it is unchanged across
// three consecutive checks, or until timeout elapses.
func (m *Manager) WaitForStableDOM(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastHash string
	stableCount := 0
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		hash, err := m.pageStateHash(ctx)
		if err == nil {
			if hash == lastHash {
				stableCount++
				if stableCount >= 3 {
					return nil
				}
			} else {
				stableCount = 0
				lastHash = hash
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return fmt.Errorf("dom did not stabilize within %s", timeout)
}

func (m *Manager) pageStateHash(ctx context.Context) (string, error) {
	v, err := m.driver.Evaluate(ctx, pageStateScript)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// State returns a snapshot (copy) of the current session state.
func (m *Manager) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.RouteChanges = append([]domain.RouteChangeEvent{}, m.state.RouteChanges...)
	return s
}

func copyFrameHashes(snap *domain.Snapshot) map[string]string {
	if snap == nil {
		return nil
	}
	out := make(map[string]string, len(snap.FrameHashes))
	for k, v := range snap.FrameHashes {
		out[k] = v
	}
	return out
}

// jaccardDelta computes 1 - |A∩B|/|A∪B| over two frame_hash sets, per
// spec.md's DOM-delta definition (intentionally not a hash-string diff).
func jaccardDelta(old, current map[string]string) float64 {
	if len(old) == 0 && len(current) == 0 {
		return 0.0
	}
	if len(old) == 0 || len(current) == 0 {
		return 1.0
	}
	union := make(map[string]bool, len(old)+len(current))
	intersection := 0
	for k, v := range old {
		union[k+"="+v] = true
	}
	for k, v := range current {
		key := k + "=" + v
		if union[key] {
			intersection++
		}
		union[key] = true
	}
	if len(union) == 0 {
		return 0.0
	}
	return 1.0 - float64(intersection)/float64(len(union))
}

const routeDetectionScript = `
(() => {
	if (window.__herRouteDetectionInstalled) return;
	window.__herRouteDetectionInstalled = true;
	const originalPushState = history.pushState;
	history.pushState = function(...args) {
		const oldUrl = window.location.href;
		originalPushState.apply(history, args);
		window.__herRouteChange = { type: 'pushState', oldUrl, newUrl: window.location.href, timestamp: Date.now() };
		window.dispatchEvent(new CustomEvent('her-route-change'));
	};
	const originalReplaceState = history.replaceState;
	history.replaceState = function(...args) {
		const oldUrl = window.location.href;
		originalReplaceState.apply(history, args);
		window.__herRouteChange = { type: 'replaceState', oldUrl, newUrl: window.location.href, timestamp: Date.now() };
		window.dispatchEvent(new CustomEvent('her-route-change'));
	};
	window.addEventListener('popstate', () => {
		window.__herRouteChange = { type: 'popstate', oldUrl: window.__herLastUrl || '', newUrl: window.location.href, timestamp: Date.now() };
		window.dispatchEvent(new CustomEvent('her-route-change'));
	});
	window.addEventListener('hashchange', (e) => {
		window.__herRouteChange = { type: 'hashchange', oldUrl: e.oldURL, newUrl: e.newURL, timestamp: Date.now() };
		window.dispatchEvent(new CustomEvent('her-route-change'));
	});
	window.__herLastUrl = window.location.href;
})();
`

const routeListenerScript = `
window.addEventListener('her-route-change', async () => {
	if (window.__herRouteChange) {
		await window.__herHandleRouteChange(window.__herRouteChange);
		window.__herLastUrl = window.location.href;
	}
});
`

const pageStateScript = `
(() => {
	const state = {
		url: window.location.href,
		title: document.title,
		bodyClass: document.body ? document.body.className : '',
		formCount: document.querySelectorAll('form').length,
		inputCount: document.querySelectorAll('input, select, textarea').length,
	};
	return JSON.stringify(state);
})();
`
