// Package healer implements §4.7's self-healing state machine:
// Start -> history lookup -> TrySynthesis (top-K=5) -> Relax -> Partial ->
// Failed. Grounded on original_source's SelfHealer (history map, relax/
// partial string transforms on the selector text), adapted to operate on
// domain.ElementDescriptor candidates and selector.Candidate instead of
// bare strings plus a strategy tag.
package healer

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/polzovatel/her/internal/domain"
	"github.com/polzovatel/her/internal/selector"
	"github.com/polzovatel/her/internal/verifier"
)

// topK is how many ranked candidate elements TrySynthesis considers, per §4.7.
const topK = 5

// Method names the healing method that produced a result.
type Method string

const (
	MethodHistory    Method = "history"
	MethodSynthesis  Method = "synthesis"
	MethodRelaxation Method = "relaxation"
	MethodPartial    Method = "partial"
)

// Result mirrors the original's HealingResult.
type Result struct {
	Success          bool
	OriginalSelector string
	HealedSelector   string
	Strategy         domain.Strategy
	Attempts         int
	Method           Method
	Confidence       float64
}

type Healer struct {
	verifier *verifier.Verifier

	mu      sync.Mutex
	history map[string]string // failed selector -> winning selector
}

func New(v *verifier.Verifier) *Healer {
	return &Healer{verifier: v, history: make(map[string]string)}
}

// Heal attempts to recover from a verification failure on failedSelector.
// rankedCandidates must already be in fusion-score order (best first);
// only the top-K are tried for re-synthesis.
func (h *Healer) Heal(ctx context.Context, framePath []string, failedSelector string, strategy domain.Strategy, rankedCandidates []domain.ElementDescriptor, snap *domain.Snapshot) (Result, error) {
	h.mu.Lock()
	historical, hasHistory := h.history[failedSelector]
	h.mu.Unlock()

	if hasHistory {
		v, err := h.verifier.Verify(ctx, framePath, verifier.Candidate{Selector: historical, Strategy: strategy}, nil)
		if err != nil {
			return Result{}, err
		}
		if v.OK {
			return Result{Success: true, OriginalSelector: failedSelector, HealedSelector: historical,
				Strategy: strategy, Attempts: 1, Method: MethodHistory, Confidence: 0.9}, nil
		}
	}

	attempts := 0
	limit := rankedCandidates
	if len(limit) > topK {
		limit = limit[:topK]
	}
	for _, el := range limit {
		attempts++
		candidates := selector.Synthesize(el, snap)
		if len(candidates) == 0 {
			continue
		}
		primary := verifier.Candidate{Selector: candidates[0].Selector, Strategy: candidates[0].Strategy}
		var alternates []verifier.Candidate
		for _, c := range candidates[1:] {
			alternates = append(alternates, verifier.Candidate{Selector: c.Selector, Strategy: c.Strategy})
		}
		v, err := h.verifier.Verify(ctx, framePath, primary, alternates)
		if err != nil {
			return Result{}, err
		}
		if v.OK {
			h.remember(failedSelector, v.UsedSelector)
			return Result{Success: true, OriginalSelector: failedSelector, HealedSelector: v.UsedSelector,
				Strategy: v.Strategy, Attempts: attempts, Method: MethodSynthesis, Confidence: candidates[0].Confidence}, nil
		}
	}

	if relaxed := relaxSelector(failedSelector, strategy); relaxed != "" && relaxed != failedSelector {
		attempts++
		v, err := h.verifier.Verify(ctx, framePath, verifier.Candidate{Selector: relaxed, Strategy: strategy}, nil)
		if err != nil {
			return Result{}, err
		}
		if v.OK {
			h.remember(failedSelector, relaxed)
			return Result{Success: true, OriginalSelector: failedSelector, HealedSelector: relaxed,
				Strategy: strategy, Attempts: attempts, Method: MethodRelaxation, Confidence: 0.6}, nil
		}
	}

	if partial := partialSelector(failedSelector, strategy); partial != "" && partial != failedSelector {
		attempts++
		v, err := h.verifier.Verify(ctx, framePath, verifier.Candidate{Selector: partial, Strategy: strategy}, nil)
		if err != nil {
			return Result{}, err
		}
		if v.OK && v.Unique {
			h.remember(failedSelector, partial)
			return Result{Success: true, OriginalSelector: failedSelector, HealedSelector: partial,
				Strategy: strategy, Attempts: attempts, Method: MethodPartial, Confidence: 0.5}, nil
		}
	}

	return Result{Success: false, OriginalSelector: failedSelector, Strategy: strategy, Attempts: attempts}, nil
}

func (h *Healer) remember(failed, healed string) {
	h.mu.Lock()
	h.history[failed] = healed
	h.mu.Unlock()
}

// Stats summarizes the in-process healing history, per the original's
// get_healing_stats.
type Stats struct {
	TotalHealed int
	HistorySize int
}

func (h *Healer) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{TotalHealed: len(h.history), HistorySize: len(h.history)}
}

// ExportHistory serializes the failed->healed map, per the original's
// export_healing_history.
func (h *Healer) ExportHistory() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := json.MarshalIndent(h.history, "", "  ")
	return string(b), err
}

// ImportHistory merges a previously exported map back in.
func (h *Healer) ImportHistory(historyJSON string) error {
	var imported map[string]string
	if err := json.Unmarshal([]byte(historyJSON), &imported); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range imported {
		h.history[k] = v
	}
	return nil
}

var (
	attrSelectorPattern = regexp.MustCompile(`\[[^\]]+\]`)
	xpathPositionPattern = regexp.MustCompile(`\[\d+\]`)
	pseudoClasses        = []string{":first", ":last", ":nth-child", ":nth-of-type"}
)

// relaxSelector strips specificity from a CSS or XPath selector, mirroring
// the original's _relax_selector transforms.
func relaxSelector(sel string, strategy domain.Strategy) string {
	if looksLikeXPath(sel) {
		relaxed := xpathPositionPattern.ReplaceAllString(sel, "")
		if strings.Contains(sel, " and ") {
			start := strings.Index(sel, "[")
			end := strings.Index(sel, "]")
			if start >= 0 && end > start {
				conditions := strings.Split(sel[start+1:end], " and ")
				if len(conditions) > 0 {
					relaxed = sel[:start+1] + conditions[0] + sel[end:]
				}
			}
		}
		if relaxed != sel {
			return relaxed
		}
		return ""
	}

	relaxed := sel
	for _, pseudo := range pseudoClasses {
		if idx := strings.Index(relaxed, pseudo); idx >= 0 {
			end := idx + len(pseudo)
			if strings.Contains(relaxed[idx:], "(") {
				if close := strings.Index(relaxed[idx:], ")"); close >= 0 {
					end = idx + close + 1
				}
			}
			relaxed = relaxed[:idx] + relaxed[end:]
		}
	}
	relaxed = attrSelectorPattern.ReplaceAllString(relaxed, "")
	if strings.Contains(relaxed, ".") {
		parts := strings.Split(relaxed, ".")
		if len(parts) > 2 {
			relaxed = parts[0] + "." + parts[1]
		}
	}
	if relaxed != sel {
		return relaxed
	}
	return ""
}

var (
	cssIDPattern  = regexp.MustCompile(`#([\w-]+)`)
	cssTagPattern = regexp.MustCompile(`^(\w+)`)
	cssClassPattern = regexp.MustCompile(`\.([\w-]+)`)
	xpathTagPattern = regexp.MustCompile(`//?(\w+)`)
	xpathIDPattern  = regexp.MustCompile(`@id=['"]([^'"]+)['"]`)
	xpathTextPattern = regexp.MustCompile(`text\(\)[^'"]*['"]([^'"]+)['"]`)
)

// partialSelector reduces a selector to its single most load-bearing
// fragment, mirroring the original's _create_partial_selector.
func partialSelector(sel string, strategy domain.Strategy) string {
	if looksLikeXPath(sel) {
		tagMatch := xpathTagPattern.FindStringSubmatch(sel)
		if tagMatch == nil {
			return ""
		}
		tag := tagMatch[1]
		if m := xpathIDPattern.FindStringSubmatch(sel); m != nil {
			return `//` + tag + `[@id='` + m[1] + `']`
		}
		if m := xpathTextPattern.FindStringSubmatch(sel); m != nil {
			return `//` + tag + `[contains(text(), '` + m[1] + `')]`
		}
		return "//" + tag
	}

	if m := cssIDPattern.FindStringSubmatch(sel); m != nil {
		return "#" + m[1]
	}
	tagMatch := cssTagPattern.FindStringSubmatch(sel)
	classMatch := cssClassPattern.FindStringSubmatch(sel)
	if tagMatch != nil && classMatch != nil {
		return tagMatch[1] + "." + classMatch[1]
	}
	if tagMatch != nil {
		return tagMatch[1]
	}
	return ""
}

func looksLikeXPath(sel string) bool {
	return strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "//")
}
