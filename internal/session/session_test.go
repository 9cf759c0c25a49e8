package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/her/internal/browser"
	"github.com/polzovatel/her/internal/domain"
	"github.com/polzovatel/her/internal/snapshotbuilder"
)

type fakeDriver struct {
	url   string
	calls int
}

func (d *fakeDriver) GetFlattenedDocument(ctx context.Context, pierceShadow bool) ([]browser.RawDOMNode, error) {
	d.calls++
	return nil, nil
}
func (d *fakeDriver) GetFullAccessibilityTree(ctx context.Context) ([]browser.AXNode, error) {
	return nil, nil
}
func (d *fakeDriver) GetFrameTree(ctx context.Context) (*browser.FrameInfo, error) {
	return &browser.FrameInfo{ID: "root"}, nil
}
func (d *fakeDriver) GetBoxModel(ctx context.Context, backendNodeID int) (*domain.BoundingBox, error) {
	return &domain.BoundingBox{}, nil
}
func (d *fakeDriver) Evaluate(ctx context.Context, jsExpr string, args ...any) (any, error) { return nil, nil }
func (d *fakeDriver) ExposeCallback(ctx context.Context, name string, handler func(args ...any) (any, error)) error {
	return nil
}
func (d *fakeDriver) Locator(ctx context.Context, framePath []string, strategy domain.Strategy, selector string) (browser.Locator, error) {
	return nil, nil
}
func (d *fakeDriver) Navigate(ctx context.Context, url string) error { return nil }
func (d *fakeDriver) CurrentURL(ctx context.Context) (string, error) { return d.url, nil }
func (d *fakeDriver) Close(ctx context.Context) error                { return nil }

func newTestManager(url string) (*Manager, *fakeDriver) {
	driver := &fakeDriver{url: url}
	builder := snapshotbuilder.New(driver, zerolog.Nop(), false)
	return New(driver, builder, 1000), driver
}

func TestTakeSnapshotUpdatesState(t *testing.T) {
	m, _ := newTestManager("https://app.example.com/home")
	snap, err := m.TakeSnapshot(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "https://app.example.com/home", snap.URL)
	require.Equal(t, 1, m.State().TotalSnapshots)
}

func TestTakeSnapshotReusesLastWhenRateLimited(t *testing.T) {
	driver := &fakeDriver{url: "https://app.example.com/a"}
	builder := snapshotbuilder.New(driver, zerolog.Nop(), false)
	m := New(driver, builder, 0.001) // effectively never refills within the test

	first, err := m.TakeSnapshot(context.Background(), true)
	require.NoError(t, err)

	driver.url = "https://app.example.com/b"
	second, err := m.TakeSnapshot(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, first.URL, second.URL, "rate-limited call should reuse the previous snapshot")
}

func TestHandleRouteChangeRecordsEventAndComputesDelta(t *testing.T) {
	m, driver := newTestManager("https://app.example.com/a")
	_, err := m.TakeSnapshot(context.Background(), true)
	require.NoError(t, err)

	driver.url = "https://app.example.com/b"
	var reindexed bool
	m.SetReindexCallback(func(ctx context.Context, snap *domain.Snapshot) { reindexed = true })
	m.handleRouteChange(context.Background(), map[string]any{"oldUrl": "https://app.example.com/a", "newUrl": "https://app.example.com/b", "type": "pushState"})

	state := m.State()
	require.Len(t, state.RouteChanges, 1)
	require.Equal(t, domain.RouteChangeKind("pushState"), state.RouteChanges[0].Kind)
	require.False(t, reindexed, "empty snapshots produce zero frame hashes on both sides, so delta is 0")
}

func TestJaccardDeltaIdenticalSetsIsZero(t *testing.T) {
	hashes := map[string]string{"root": "abc", "child": "def"}
	require.Equal(t, 0.0, jaccardDelta(hashes, hashes))
}

func TestJaccardDeltaDisjointSetsIsOne(t *testing.T) {
	a := map[string]string{"root": "abc"}
	b := map[string]string{"root": "xyz"}
	require.Equal(t, 1.0, jaccardDelta(a, b))
}

func TestJaccardDeltaPartialOverlap(t *testing.T) {
	a := map[string]string{"root": "abc", "child": "same"}
	b := map[string]string{"root": "xyz", "child": "same"}
	require.InDelta(t, 2.0/3.0, jaccardDelta(a, b), 1e-9)
}

func TestJaccardDeltaEmptyBothIsZero(t *testing.T) {
	require.Equal(t, 0.0, jaccardDelta(nil, nil))
}

func TestWaitForStableDOMSucceedsOnConsecutiveMatches(t *testing.T) {
	driver := &fakeDriver{url: "https://app.example.com/a"}
	builder := snapshotbuilder.New(driver, zerolog.Nop(), false)
	m := New(driver, builder, 10)
	// Evaluate always returns nil here, so pageStateHash yields "" every
	// poll; three consecutive matches of "" stabilize within a few ticks.
	err := m.WaitForStableDOM(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)
}

func TestWaitForStableDOMTimesOutWhenDeadlineTooShort(t *testing.T) {
	driver := &fakeDriver{url: "https://app.example.com/a"}
	builder := snapshotbuilder.New(driver, zerolog.Nop(), false)
	m := New(driver, builder, 10)
	err := m.WaitForStableDOM(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
}
