// Package selector implements §4.4's Selector Synthesizer: for one
// ElementDescriptor, generate a precedence-ordered list of candidate
// selectors and estimate their uniqueness against a Snapshot. Grounded on
// original_source's synthesize.py strategy ladder, reworked into Go's
// tagged-variant idiom (domain.Strategy) rather than duck-typed strategy
// objects.
package selector

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/polzovatel/her/internal/domain"
)

// Candidate is one synthesized selector with its strategy and confidence.
type Candidate struct {
	Selector   string
	Strategy   domain.Strategy
	Confidence float64
}

var generatedIDPattern = regexp.MustCompile(`^[a-zA-Z]+[-_:]?[0-9a-fA-F]{4,}$|^[a-zA-Z0-9]{16,}$`)
var generatedClassPattern = regexp.MustCompile(`^(css|sc|jsx|emotion|makeStyles)-[a-zA-Z0-9_-]+$`)

// Synthesize generates candidates for el in strategy precedence order,
// skipping strategies whose required attribute is absent, and scales each
// candidate's confidence by its estimated uniqueness within snap.
func Synthesize(el domain.ElementDescriptor, snap *domain.Snapshot) []Candidate {
	var out []Candidate

	if v := el.Attributes["data-testid"]; v != "" {
		xp := fmt.Sprintf(`//*[@data-testid=%s]`, xpathLiteral(v))
		out = append(out, build(domain.StrategyDataTestID, xp, el, snap))
	}
	if v := el.Attributes["id"]; v != "" && !isGeneratedID(v) {
		xp := fmt.Sprintf(`//*[@id=%s]`, xpathLiteral(v))
		out = append(out, build(domain.StrategyID, xp, el, snap))
	}
	if v := el.AriaName; v != "" {
		xp := fmt.Sprintf(`//*[@aria-label=%s]`, xpathLiteral(v))
		out = append(out, build(domain.StrategyAriaLabel, xp, el, snap))
	}
	if href := el.Attributes["href"]; href != "" && el.Text != "" {
		xp := fmt.Sprintf(`//a[@href=%s and %s]`, xpathLiteral(href), xpathTextExact(el.Text))
		out = append(out, build(domain.StrategyHrefText, xp, el, snap))
	}
	if id := el.Attributes["id"]; id != "" && el.Text != "" {
		xp := fmt.Sprintf(`//%s[@id=%s and %s]`, tagOrStar(el.Tag), xpathLiteral(id), xpathTextExact(el.Text))
		out = append(out, build(domain.StrategyIDText, xp, el, snap))
	}
	if cls := firstStableClass(el.Attributes["class"]); cls != "" && el.Text != "" {
		xp := fmt.Sprintf(`//%s[contains(@class,%s) and %s]`, tagOrStar(el.Tag), xpathLiteral(cls), xpathTextExact(el.Text))
		out = append(out, build(domain.StrategyClassText, xp, el, snap))
	}
	if combo := comboSelector(el); combo != "" {
		out = append(out, build(domain.StrategyCombo, combo, el, snap))
	}
	if el.Role != "" && el.AriaName != "" {
		xp := fmt.Sprintf(`//*[@role=%s and @aria-label=%s]`, xpathLiteral(el.Role), xpathLiteral(el.AriaName))
		out = append(out, build(domain.StrategyRoleName, xp, el, snap))
	}
	if el.Text != "" {
		out = append(out, build(domain.StrategyTextExact, fmt.Sprintf(`//%s[%s]`, tagOrStar(el.Tag), xpathTextExact(el.Text)), el, snap))
		out = append(out, build(domain.StrategyTextContains, fmt.Sprintf(`//%s[%s]`, tagOrStar(el.Tag), xpathTextContains(el.Text)), el, snap))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

func build(strategy domain.Strategy, sel string, el domain.ElementDescriptor, snap *domain.Snapshot) Candidate {
	uniqueness := estimateUniqueness(strategy, sel, el, snap)
	return Candidate{Selector: sel, Strategy: strategy, Confidence: strategy.BaseConfidence() * uniqueness}
}

// estimateUniqueness approximates how many elements in snap this selector
// would plausibly match, without a live DOM query: it counts descriptors
// that share the strategy's discriminating attribute/text value.
func estimateUniqueness(strategy domain.Strategy, _ string, el domain.ElementDescriptor, snap *domain.Snapshot) float64 {
	if snap == nil {
		return 1.0
	}
	matches := 0
	for _, other := range snap.Elements {
		if sameDiscriminator(strategy, el, other) {
			matches++
		}
	}
	if matches <= 1 {
		return 1.0
	}
	return 1.0 / float64(matches)
}

func sameDiscriminator(strategy domain.Strategy, a, b domain.ElementDescriptor) bool {
	switch strategy {
	case domain.StrategyDataTestID:
		return a.Attributes["data-testid"] == b.Attributes["data-testid"]
	case domain.StrategyID:
		return a.Attributes["id"] == b.Attributes["id"]
	case domain.StrategyAriaLabel:
		return a.AriaName == b.AriaName
	case domain.StrategyHrefText:
		return a.Attributes["href"] == b.Attributes["href"] && normalizeText(a.Text) == normalizeText(b.Text)
	case domain.StrategyIDText:
		return a.Attributes["id"] == b.Attributes["id"] && normalizeText(a.Text) == normalizeText(b.Text)
	case domain.StrategyClassText:
		return firstStableClass(a.Attributes["class"]) == firstStableClass(b.Attributes["class"]) && normalizeText(a.Text) == normalizeText(b.Text)
	case domain.StrategyCombo:
		return comboSelector(a) == comboSelector(b)
	case domain.StrategyRoleName:
		return a.Role == b.Role && a.AriaName == b.AriaName
	case domain.StrategyTextExact, domain.StrategyTextContains:
		return a.Tag == b.Tag && normalizeText(a.Text) == normalizeText(b.Text)
	default:
		return false
	}
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// comboSelector implements strategy 7, the id+class+text combination: all
// three must be present, since a bare id+class pair is already covered (less
// precisely) by strategies 2 and 6.
func comboSelector(el domain.ElementDescriptor) string {
	id := el.Attributes["id"]
	cls := firstStableClass(el.Attributes["class"])
	if id == "" || isGeneratedID(id) || cls == "" || el.Text == "" {
		return ""
	}
	return fmt.Sprintf(`//%s[@id=%s and contains(@class,%s) and %s]`,
		tagOrStar(el.Tag), xpathLiteral(id), xpathLiteral(cls), xpathTextExact(el.Text))
}

func tagOrStar(tag string) string {
	if tag == "" {
		return "*"
	}
	return strings.ToLower(tag)
}

// firstStableClass returns the first class token that does not look
// machine-generated (CSS-module hash, styled-components hash).
func firstStableClass(classAttr string) string {
	for _, c := range strings.Fields(classAttr) {
		if c == "" || generatedClassPattern.MatchString(c) || generatedIDPattern.MatchString(c) {
			continue
		}
		return c
	}
	return ""
}

func isGeneratedID(id string) bool {
	return generatedIDPattern.MatchString(id)
}

// xpathLiteral renders v as an XPath string literal, switching to concat()
// when v itself mixes single and double quotes.
func xpathLiteral(v string) string {
	if !strings.Contains(v, `"`) {
		return `"` + v + `"`
	}
	if !strings.Contains(v, `'`) {
		return `'` + v + `'`
	}
	parts := strings.Split(v, `"`)
	var pieces []string
	for i, p := range parts {
		if p != "" {
			pieces = append(pieces, `"`+p+`"`)
		}
		if i != len(parts)-1 {
			pieces = append(pieces, `'"'`)
		}
	}
	return "concat(" + strings.Join(pieces, ",") + ")"
}

// xpathTextExact renders an exact-match text predicate, reserved for
// strategies 4-7 and 9; strategy 10 is the only one allowed the looser
// xpathTextContains form.
func xpathTextExact(text string) string {
	norm := strings.TrimSpace(text)
	return fmt.Sprintf("normalize-space()=%s", xpathLiteral(norm))
}

func xpathTextContains(text string) string {
	norm := strings.TrimSpace(text)
	return fmt.Sprintf("contains(normalize-space(.),%s)", xpathLiteral(norm))
}
