package healer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polzovatel/her/internal/browser"
	"github.com/polzovatel/her/internal/domain"
	"github.com/polzovatel/her/internal/verifier"
)

type fakeLocator struct {
	count    int
	visible  bool
	atCenter bool
	box      *domain.BoundingBox
}

func (l *fakeLocator) Count(ctx context.Context) (int, error)              { return l.count, nil }
func (l *fakeLocator) IsVisible(ctx context.Context) (bool, error)          { return l.visible, nil }
func (l *fakeLocator) IsDisabled(ctx context.Context) (bool, error)         { return false, nil }
func (l *fakeLocator) Click(ctx context.Context) error                     { return nil }
func (l *fakeLocator) Fill(ctx context.Context, value string) error        { return nil }
func (l *fakeLocator) SelectOption(ctx context.Context, value string) error { return nil }
func (l *fakeLocator) Check(ctx context.Context) error                     { return nil }
func (l *fakeLocator) Uncheck(ctx context.Context) error                  { return nil }
func (l *fakeLocator) Hover(ctx context.Context) error                     { return nil }
func (l *fakeLocator) Focus(ctx context.Context) error                     { return nil }
func (l *fakeLocator) Press(ctx context.Context, key string) error        { return nil }
func (l *fakeLocator) SetInputFiles(ctx context.Context, paths []string) error { return nil }
func (l *fakeLocator) WaitFor(ctx context.Context, timeout time.Duration) error { return nil }
func (l *fakeLocator) ScrollIntoViewIfNeeded(ctx context.Context) error        { return nil }
func (l *fakeLocator) BoundingBox(ctx context.Context) (*domain.BoundingBox, error) {
	return l.box, nil
}
func (l *fakeLocator) IsElementAtCenter(ctx context.Context) (bool, error) { return l.atCenter, nil }

type fakeDriver struct {
	locators map[string]*fakeLocator
}

func newFakeDriver() *fakeDriver { return &fakeDriver{locators: map[string]*fakeLocator{}} }

func (d *fakeDriver) GetFlattenedDocument(ctx context.Context, pierceShadow bool) ([]browser.RawDOMNode, error) {
	return nil, nil
}
func (d *fakeDriver) GetFullAccessibilityTree(ctx context.Context) ([]browser.AXNode, error) { return nil, nil }
func (d *fakeDriver) GetFrameTree(ctx context.Context) (*browser.FrameInfo, error)            { return nil, nil }
func (d *fakeDriver) GetBoxModel(ctx context.Context, backendNodeID int) (*domain.BoundingBox, error) {
	return nil, nil
}
func (d *fakeDriver) Evaluate(ctx context.Context, jsExpr string, args ...any) (any, error) { return nil, nil }
func (d *fakeDriver) ExposeCallback(ctx context.Context, name string, handler func(args ...any) (any, error)) error {
	return nil
}
func (d *fakeDriver) Locator(ctx context.Context, framePath []string, strategy domain.Strategy, selector string) (browser.Locator, error) {
	loc, ok := d.locators[selector]
	if !ok {
		return &fakeLocator{count: 0}, nil
	}
	return loc, nil
}
func (d *fakeDriver) Navigate(ctx context.Context, url string) error  { return nil }
func (d *fakeDriver) CurrentURL(ctx context.Context) (string, error) { return "", nil }
func (d *fakeDriver) Close(ctx context.Context) error                { return nil }

func TestHealUsesHistoryBeforeResynthesizing(t *testing.T) {
	driver := newFakeDriver()
	driver.locators["#new-submit"] = &fakeLocator{count: 1, visible: true, atCenter: true, box: &domain.BoundingBox{Width: 1, Height: 1}}
	h := New(verifier.New(driver))
	h.history["#old-submit"] = "#new-submit"

	result, err := h.Heal(context.Background(), nil, "#old-submit", domain.StrategyID, nil, &domain.Snapshot{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, MethodHistory, result.Method)
	require.Equal(t, "#new-submit", result.HealedSelector)
}

func TestHealFallsThroughToSynthesis(t *testing.T) {
	driver := newFakeDriver()
	driver.locators[`//*[@id="checkout"]`] = &fakeLocator{count: 1, visible: true, atCenter: true, box: &domain.BoundingBox{Width: 1, Height: 1}}
	h := New(verifier.New(driver))

	candidates := []domain.ElementDescriptor{
		{Index: 0, Tag: "button", Attributes: map[string]string{"id": "checkout"}},
	}
	result, err := h.Heal(context.Background(), nil, "#gone", domain.StrategyID, candidates, &domain.Snapshot{Elements: candidates})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, MethodSynthesis, result.Method)
}

func TestHealExhaustsAllStagesAndFails(t *testing.T) {
	driver := newFakeDriver()
	h := New(verifier.New(driver))
	result, err := h.Heal(context.Background(), nil, "#totally-gone", domain.StrategyID, nil, &domain.Snapshot{})
	require.NoError(t, err)
	require.False(t, result.Success)
}

func TestRelaxSelectorStripsPseudoClassesAndExtraClasses(t *testing.T) {
	relaxed := relaxSelector("button.primary.size-lg:first-child", domain.StrategyClassText)
	require.Equal(t, "button.primary", relaxed)
}

func TestRelaxSelectorStripsXPathPositionPredicate(t *testing.T) {
	relaxed := relaxSelector(`//div[3]/button[@id='go']`, domain.StrategyID)
	require.NotContains(t, relaxed, "[3]")
}

func TestPartialSelectorPrefersID(t *testing.T) {
	require.Equal(t, "#checkout", partialSelector("button#checkout.primary", domain.StrategyID))
}

func TestPartialSelectorFallsBackToTagAndClass(t *testing.T) {
	require.Equal(t, "button.primary", partialSelector("button.primary.size-lg", domain.StrategyClassText))
}

func TestPartialSelectorXPathPrefersID(t *testing.T) {
	require.Equal(t, `//button[@id='go']`, partialSelector(`//button[@id='go']`, domain.StrategyID))
}

func TestExportImportHistoryRoundTrips(t *testing.T) {
	h := New(verifier.New(newFakeDriver()))
	h.remember("#a", "#b")
	exported, err := h.ExportHistory()
	require.NoError(t, err)

	h2 := New(verifier.New(newFakeDriver()))
	require.NoError(t, h2.ImportHistory(exported))
	require.Equal(t, "#b", h2.history["#a"])
}
