// Package fusion implements §4.3's Hybrid Fusion Scorer: a weighted blend of
// semantic similarity and bounded heuristic signals, with deterministic
// tie-breaks. Grounded on the original implementation's HybridScorer
// (cosine + heuristic weighting) and the teacher's scoring-by-struct idiom.
package fusion

import (
	"math"
	"sort"
	"strings"

	"github.com/polzovatel/her/internal/domain"
)

// Weights controls the fusion blend; spec.md leaves w_s/w_h as an open
// question, resolved here by freezing the defaults it proposes.
type Weights struct {
	Semantic  float64
	Heuristic float64
}

// DefaultWeights is the frozen resolution of spec.md's open weighting
// question: semantic signal dominates, heuristics refine.
var DefaultWeights = Weights{Semantic: 0.6, Heuristic: 0.4}

// Candidate is one scored element, ready for selector synthesis.
type Candidate struct {
	Element        domain.ElementDescriptor
	Semantic       float64
	Heuristic      float64
	PromotionBoost float64
	Score          float64
}

// Score computes fusion = w_s*semantic + w_h*heuristic + promotion_boost
// for every element in snap against the query vector, heuristically scored
// against intent, and returns candidates ordered by §4.3's tie-break chain:
// score desc, promotion_boost desc, interactive-first, shallower XPath,
// document order.
func Score(snap *domain.Snapshot, queryVec []float32, matrix [][]float32, intent domain.Intent, weights Weights, promotionBoost map[int]float64) []Candidate {
	candidates := make([]Candidate, len(snap.Elements))
	terms := tokenize(intent.TargetPhrase)
	occluded := computeOcclusion(snap)
	for i, el := range snap.Elements {
		sem := cosineSimilarity(queryVec, matrix[i])
		heur := heuristicScore(el, intent.TargetPhrase, terms, intent.Action, occluded[i])
		boost := promotionBoost[i]
		candidates[i] = Candidate{
			Element:        el,
			Semantic:       sem,
			Heuristic:      heur,
			PromotionBoost: boost,
			Score:          weights.Semantic*sem + weights.Heuristic*heur + boost,
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})
	return candidates
}

// less implements the full tie-break chain, returning true if a should sort
// before b.
func less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.PromotionBoost != b.PromotionBoost {
		return a.PromotionBoost > b.PromotionBoost
	}
	if a.Element.Interactive != b.Element.Interactive {
		return a.Element.Interactive
	}
	da, db := xpathDepth(a.Element.XPath), xpathDepth(b.Element.XPath)
	if da != db {
		return da < db
	}
	return a.Element.Index < b.Element.Index
}

func xpathDepth(xpath string) int {
	return strings.Count(xpath, "/")
}

// cosineSimilarity returns 0 when either vector is empty or zero-length,
// rather than NaN, so a missing embedding never wins on semantic score.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// actionExpectedRoles maps an intent's action to the ARIA roles §4.3's
// "role match with intent's expected role" bonus looks for.
var actionExpectedRoles = map[domain.Action]map[string]bool{
	domain.ActionClick:  {"button": true, "link": true, "menuitem": true},
	domain.ActionHover:  {"button": true, "link": true, "menuitem": true},
	domain.ActionType:   {"textbox": true},
	domain.ActionSelect: {"combobox": true, "listbox": true},
}

// interactionActions are the actions §4.3's "interactive flag matches
// action" bonus applies to; Search/Validate don't act on an element.
var interactionActions = map[domain.Action]bool{
	domain.ActionClick:  true,
	domain.ActionType:   true,
	domain.ActionSelect: true,
	domain.ActionHover:  true,
}

// computeOcclusion flags elements whose bounding box is fully covered by a
// non-ancestor element's box elsewhere in the snapshot — a static proxy for
// "something else is painted on top of this," since the snapshot carries no
// live z-order or hit-test result.
func computeOcclusion(snap *domain.Snapshot) []bool {
	occluded := make([]bool, len(snap.Elements))
	for i, el := range snap.Elements {
		if el.BoundingBox.Area() == 0 {
			continue
		}
		for j, other := range snap.Elements {
			if i == j || other.BoundingBox.Area() <= el.BoundingBox.Area() {
				continue
			}
			if !boxContains(other.BoundingBox, el.BoundingBox) {
				continue
			}
			if isAncestor(snap, other.Index, el.Index) {
				continue
			}
			occluded[i] = true
			break
		}
	}
	return occluded
}

func boxContains(outer, inner *domain.BoundingBox) bool {
	if outer == nil || inner == nil {
		return false
	}
	return outer.X <= inner.X && outer.Y <= inner.Y &&
		outer.X+outer.Width >= inner.X+inner.Width &&
		outer.Y+outer.Height >= inner.Y+inner.Height
}

// isAncestor reports whether snap.Elements[ancestorIdx] is on the parent
// chain of snap.Elements[idx], by ParentIndex, to avoid flagging a normal
// container as "occluding" its own children.
func isAncestor(snap *domain.Snapshot, ancestorIdx, idx int) bool {
	cur := snap.Elements[idx].ParentIndex
	for cur >= 0 && cur < len(snap.Elements) {
		if cur == ancestorIdx {
			return true
		}
		cur = snap.Elements[cur].ParentIndex
	}
	return false
}

// heuristicScore implements §4.3's nine bounded, independently-capped
// contributions literally. No contribution is counted twice.
func heuristicScore(el domain.ElementDescriptor, targetPhrase string, terms []string, action domain.Action, occluded bool) float64 {
	phrase := normalizeSpace(targetPhrase)
	text := normalizeSpace(el.Text)
	ariaName := normalizeSpace(el.AriaName)

	var score float64
	var scored, ariaCounted bool // ariaCounted: aria name already paid for a match above; attribute bonus must not pay it twice

	switch {
	case phrase != "" && text == phrase:
		score += 0.4
		scored = true
	case phrase != "" && ariaName == phrase:
		score += 0.4
		scored, ariaCounted = true, true
	case phrase != "" && strings.Contains(text, phrase):
		score += 0.2
		scored = true
	case phrase != "" && strings.Contains(ariaName, phrase):
		score += 0.2
		scored, ariaCounted = true, true
	}
	if scored && !ariaCounted && ariaName != "" && ariaName == text {
		// Same string scored via the text field already showed up as the
		// aria name too; don't let the attribute check pay for it again.
		ariaCounted = true
	}

	if len(terms) > 0 {
		matched := 0
		for _, t := range terms {
			if strings.Contains(text, t) || strings.Contains(ariaName, t) {
				matched++
			}
		}
		score += 0.2 * float64(matched) / float64(len(terms))
	}

	if roles, ok := actionExpectedRoles[action]; ok && roles[el.Role] {
		score += 0.1
	}

	if interactionActions[action] && el.Interactive {
		score += 0.05
	}

	if phrase != "" {
		attrs := []string{el.Attributes["id"], el.Attributes["name"], el.Attributes["data-testid"]}
		if !ariaCounted {
			attrs = append(attrs, el.AriaName)
		}
		for _, v := range attrs {
			if v != "" && strings.Contains(normalizeSpace(v), phrase) {
				score += 0.15
				break
			}
		}
	}

	if el.Visible {
		score += 0.05
	} else {
		score -= 0.3
	}
	if el.Disabled {
		score -= 0.3
	}
	if occluded {
		score -= 0.1
	}

	return score
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func tokenize(phrase string) []string {
	fields := strings.Fields(strings.ToLower(phrase))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
