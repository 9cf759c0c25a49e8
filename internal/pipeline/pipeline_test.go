package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/her/internal/browser"
	"github.com/polzovatel/her/internal/domain"
	"github.com/polzovatel/her/internal/embedder"
	"github.com/polzovatel/her/internal/healer"
	"github.com/polzovatel/her/internal/promotion"
	"github.com/polzovatel/her/internal/session"
	"github.com/polzovatel/her/internal/snapshotbuilder"
	"github.com/polzovatel/her/internal/vectorcache"
	"github.com/polzovatel/her/internal/verifier"
)

// fakeModel returns a fixed unit vector per call so fusion scoring is
// deterministic without a real embedding service.
type fakeModel struct{ vec []float32 }

func (m *fakeModel) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = m.vec
	}
	return out, nil
}

func (m *fakeModel) Dimension() int { return len(m.vec) }
func (m *fakeModel) ID() string     { return "fake-model" }

type fakeLocator struct {
	count    int
	visible  bool
	atCenter bool
	box      *domain.BoundingBox
	clicked  *bool
}

func (l *fakeLocator) Count(ctx context.Context) (int, error)      { return l.count, nil }
func (l *fakeLocator) IsVisible(ctx context.Context) (bool, error) { return l.visible, nil }
func (l *fakeLocator) IsDisabled(ctx context.Context) (bool, error) { return false, nil }
func (l *fakeLocator) Click(ctx context.Context) error {
	if l.clicked != nil {
		*l.clicked = true
	}
	return nil
}
func (l *fakeLocator) Fill(ctx context.Context, value string) error        { return nil }
func (l *fakeLocator) SelectOption(ctx context.Context, value string) error { return nil }
func (l *fakeLocator) Check(ctx context.Context) error                     { return nil }
func (l *fakeLocator) Uncheck(ctx context.Context) error                   { return nil }
func (l *fakeLocator) Hover(ctx context.Context) error                     { return nil }
func (l *fakeLocator) Focus(ctx context.Context) error                     { return nil }
func (l *fakeLocator) Press(ctx context.Context, key string) error         { return nil }
func (l *fakeLocator) SetInputFiles(ctx context.Context, paths []string) error { return nil }
func (l *fakeLocator) WaitFor(ctx context.Context, timeout time.Duration) error { return nil }
func (l *fakeLocator) ScrollIntoViewIfNeeded(ctx context.Context) error        { return nil }
func (l *fakeLocator) BoundingBox(ctx context.Context) (*domain.BoundingBox, error) {
	return l.box, nil
}
func (l *fakeLocator) IsElementAtCenter(ctx context.Context) (bool, error) { return l.atCenter, nil }

// fakeDriver serves one button element ("Sign in") reachable via its id.
type fakeDriver struct {
	url     string
	clicked bool
}

func (d *fakeDriver) GetFlattenedDocument(ctx context.Context, pierceShadow bool) ([]browser.RawDOMNode, error) {
	return []browser.RawDOMNode{
		{NodeID: 1, BackendNodeID: 100, NodeType: 1, NodeName: "button", Attributes: []string{"id", "sign-in"}},
		{NodeID: 2, ParentID: 1, NodeType: 3, NodeValue: "Sign in"},
	}, nil
}
func (d *fakeDriver) GetFullAccessibilityTree(ctx context.Context) ([]browser.AXNode, error) {
	return []browser.AXNode{{BackendDOMNodeID: 100, Role: "button", Name: "Sign in"}}, nil
}
func (d *fakeDriver) GetFrameTree(ctx context.Context) (*browser.FrameInfo, error) {
	return &browser.FrameInfo{ID: "root"}, nil
}
func (d *fakeDriver) GetBoxModel(ctx context.Context, backendNodeID int) (*domain.BoundingBox, error) {
	return &domain.BoundingBox{Width: 50, Height: 20}, nil
}
func (d *fakeDriver) Evaluate(ctx context.Context, jsExpr string, args ...any) (any, error) { return nil, nil }
func (d *fakeDriver) ExposeCallback(ctx context.Context, name string, handler func(args ...any) (any, error)) error {
	return nil
}
func (d *fakeDriver) Locator(ctx context.Context, framePath []string, strategy domain.Strategy, selector string) (browser.Locator, error) {
	if selector == `//*[@id="sign-in"]` {
		return &fakeLocator{count: 1, visible: true, atCenter: true, box: &domain.BoundingBox{Width: 50, Height: 20}, clicked: &d.clicked}, nil
	}
	return &fakeLocator{count: 0}, nil
}
func (d *fakeDriver) Navigate(ctx context.Context, url string) error { return nil }
func (d *fakeDriver) CurrentURL(ctx context.Context) (string, error) { return d.url, nil }
func (d *fakeDriver) Close(ctx context.Context) error                { return nil }

func newTestPipeline(t *testing.T) (*Pipeline, *fakeDriver) {
	t.Helper()
	driver := &fakeDriver{url: "https://app.example.com/login"}
	builder := snapshotbuilder.New(driver, zerolog.Nop(), false)
	sess := session.New(driver, builder, 1000)

	cache, err := vectorcache.Open(filepath.Join(t.TempDir(), "vec.db"), 100, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	model := &fakeModel{vec: []float32{1, 0, 0}}
	emb := embedder.New(model, cache)

	promo, err := promotion.Open(filepath.Join(t.TempDir(), "promo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { promo.Close() })

	v := verifier.New(driver)
	h := healer.New(v)

	p := New(driver, emb, model, promo, h, v, sess, zerolog.Nop(), DefaultConfig(), nil)
	return p, driver
}

func TestActClicksResolvedElement(t *testing.T) {
	p, driver := newTestPipeline(t)
	result, err := p.Act(context.Background(), `click on "Sign in" button`)
	require.NoError(t, err)
	require.True(t, result.Executed)
	require.Equal(t, `//*[@id="sign-in"]`, result.Selector)
	require.True(t, driver.clicked)
}

func TestQueryDoesNotExecute(t *testing.T) {
	p, driver := newTestPipeline(t)
	result, err := p.Query(context.Background(), `click on "Sign in" button`)
	require.NoError(t, err)
	require.False(t, result.Executed)
	require.False(t, driver.clicked)
}

func TestActRecordsPromotionSuccessOnFirstTry(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Act(context.Background(), `click on "Sign in" button`)
	require.NoError(t, err)

	stats, err := p.promotion.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalEntries)
	require.Equal(t, 1, stats.TotalSuccesses)
}

func TestActFailsWithNoCandidateOnEmptyPage(t *testing.T) {
	driver := &fakeDriver{url: "https://app.example.com/empty"}
	empty := &emptyDocDriver{fakeDriver: driver}
	builder := snapshotbuilder.New(empty, zerolog.Nop(), false)
	sess := session.New(empty, builder, 1000)

	cache, err := vectorcache.Open(filepath.Join(t.TempDir(), "vec.db"), 100, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	model := &fakeModel{vec: []float32{1, 0, 0}}
	emb := embedder.New(model, cache)
	v := verifier.New(empty)

	p := New(empty, emb, model, nil, healer.New(v), v, sess, zerolog.Nop(), DefaultConfig(), nil)
	_, err = p.Act(context.Background(), `click on "Nonexistent" button`)
	require.ErrorIs(t, err, domain.ErrNoCandidate)
}

func TestActFailsWithNoCandidateOnEmptyInstruction(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Act(context.Background(), "   ")
	require.ErrorIs(t, err, domain.ErrNoCandidate)
}

func TestActFailsWithNoCandidateBelowMinConfidence(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.cfg.MinConfidence = 1.1 // unreachable, forces every candidate below threshold
	_, err := p.Act(context.Background(), `click on "Sign in" button`)
	require.ErrorIs(t, err, domain.ErrNoCandidate)
}

type emptyDocDriver struct {
	*fakeDriver
}

func (d *emptyDocDriver) GetFlattenedDocument(ctx context.Context, pierceShadow bool) ([]browser.RawDOMNode, error) {
	return nil, nil
}
func (d *emptyDocDriver) GetFullAccessibilityTree(ctx context.Context) ([]browser.AXNode, error) {
	return nil, nil
}
