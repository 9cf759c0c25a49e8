package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polzovatel/her/internal/domain"
)

func TestSynthesizePrefersDataTestID(t *testing.T) {
	el := domain.ElementDescriptor{
		Tag: "button", Text: "Submit",
		Attributes: map[string]string{"data-testid": "submit-btn", "id": "submit-btn-1"},
	}
	candidates := Synthesize(el, &domain.Snapshot{Elements: []domain.ElementDescriptor{el}})
	require.NotEmpty(t, candidates)
	require.Equal(t, domain.StrategyDataTestID, candidates[0].Strategy)
	require.Equal(t, `//*[@data-testid="submit-btn"]`, candidates[0].Selector)
}

func TestSynthesizeSkipsGeneratedID(t *testing.T) {
	el := domain.ElementDescriptor{Tag: "div", Attributes: map[string]string{"id": "a3f9c21e8b77"}}
	candidates := Synthesize(el, &domain.Snapshot{Elements: []domain.ElementDescriptor{el}})
	for _, c := range candidates {
		require.NotEqual(t, domain.StrategyID, c.Strategy)
	}
}

func TestSynthesizeKeepsStableID(t *testing.T) {
	el := domain.ElementDescriptor{Tag: "input", Attributes: map[string]string{"id": "email"}}
	candidates := Synthesize(el, &domain.Snapshot{Elements: []domain.ElementDescriptor{el}})
	found := false
	for _, c := range candidates {
		if c.Strategy == domain.StrategyID {
			found = true
			require.Equal(t, `//*[@id="email"]`, c.Selector)
		}
	}
	require.True(t, found)
}

func TestEstimateUniquenessScalesConfidenceDown(t *testing.T) {
	el1 := domain.ElementDescriptor{Index: 0, Tag: "div", Attributes: map[string]string{"data-testid": "row"}}
	el2 := domain.ElementDescriptor{Index: 1, Tag: "div", Attributes: map[string]string{"data-testid": "row"}}
	snap := &domain.Snapshot{Elements: []domain.ElementDescriptor{el1, el2}}
	candidates := Synthesize(el1, snap)
	require.NotEmpty(t, candidates)
	require.Less(t, candidates[0].Confidence, domain.StrategyDataTestID.BaseConfidence())
}

func TestXPathLiteralUsesConcatForMixedQuotes(t *testing.T) {
	lit := xpathLiteral(`say "hi" it's me`)
	require.Contains(t, lit, "concat(")
}

func TestXPathLiteralSimpleCase(t *testing.T) {
	require.Equal(t, `"hello"`, xpathLiteral("hello"))
	require.Equal(t, `'say "hi"'`, xpathLiteral(`say "hi"`))
}

func TestFirstStableClassSkipsGenerated(t *testing.T) {
	require.Equal(t, "primary", firstStableClass("css-x7z1k primary sc-abc123"))
}

func TestSynthesizeIDTextStrategyUsesExactMatch(t *testing.T) {
	el := domain.ElementDescriptor{Tag: "div", Text: "Checkout", Attributes: map[string]string{"id": "cta"}}
	candidates := Synthesize(el, &domain.Snapshot{Elements: []domain.ElementDescriptor{el}})
	var found bool
	for _, c := range candidates {
		if c.Strategy == domain.StrategyIDText {
			found = true
			require.Equal(t, `//div[@id="cta" and normalize-space()="Checkout"]`, c.Selector)
			require.NotContains(t, c.Selector, "contains(normalize-space")
		}
	}
	require.True(t, found)
}

func TestSynthesizeTextContainsStrategyIsTheOnlyContainsForm(t *testing.T) {
	el := domain.ElementDescriptor{Tag: "span", Text: "Sign in to continue"}
	candidates := Synthesize(el, &domain.Snapshot{Elements: []domain.ElementDescriptor{el}})
	var found bool
	for _, c := range candidates {
		if c.Strategy == domain.StrategyTextContains {
			found = true
			require.Equal(t, `//span[contains(normalize-space(.),"Sign in to continue")]`, c.Selector)
		}
	}
	require.True(t, found)
}

func TestComboSelectorIncludesTextPredicate(t *testing.T) {
	el := domain.ElementDescriptor{
		Tag: "li", Text: "Row 2",
		Attributes: map[string]string{"id": "row", "class": "list-item"},
	}
	candidates := Synthesize(el, &domain.Snapshot{Elements: []domain.ElementDescriptor{el}})
	var found bool
	for _, c := range candidates {
		if c.Strategy == domain.StrategyCombo {
			found = true
			require.Equal(t, `//li[@id="row" and contains(@class,"list-item") and normalize-space()="Row 2"]`, c.Selector)
		}
	}
	require.True(t, found)
}

func TestComboSelectorRequiresAllThreeComponents(t *testing.T) {
	el := domain.ElementDescriptor{Tag: "li", Attributes: map[string]string{"id": "row", "class": "list-item"}}
	require.Empty(t, comboSelector(el), "no text present, strategy 7 should not fire")
}

func TestSynthesizeOrderRespectsPrecedence(t *testing.T) {
	el := domain.ElementDescriptor{
		Tag: "button", Text: "Go", AriaName: "Go to checkout",
		Attributes: map[string]string{"data-testid": "go", "id": "go-btn"},
	}
	candidates := Synthesize(el, &domain.Snapshot{Elements: []domain.ElementDescriptor{el}})
	for i := 1; i < len(candidates); i++ {
		require.LessOrEqual(t, candidates[i-1].Strategy, candidates[i].Strategy)
	}
}
