// Package verifier implements §4.5: resolving a candidate selector against
// the live page and deciding ok = unique ∧ visible ∧ ¬disabled ∧ ¬occluded.
// Grounded on original_source's LocatorVerifier (frame resolution by
// name-or-URL-substring, count/visible/disabled/occlusion checks, alternates
// tried in order), adapted from Playwright's Python async API to the
// browser.Driver/Locator contract.
package verifier

import (
	"context"
	"fmt"

	"github.com/polzovatel/her/internal/browser"
	"github.com/polzovatel/her/internal/domain"
)

// Result mirrors the original VerificationResult, minus its Python-specific
// to_dict helper.
type Result struct {
	OK                bool
	Unique            bool
	Count             int
	Visible           bool
	Occluded          bool
	Disabled          bool
	UsedSelector      string
	Strategy          domain.Strategy
	FramePath         []string
	Explanation       string
	BoundingBox       *domain.BoundingBox
	AlternativesTried []string
}

// Candidate is one selector to attempt, in the order the caller wants it
// tried.
type Candidate struct {
	Selector string
	Strategy domain.Strategy
}

type Verifier struct {
	driver browser.Driver
}

func New(driver browser.Driver) *Verifier {
	return &Verifier{driver: driver}
}

// Verify tries primary, then alternates in order, returning the first
// result with OK true, or the primary's failed result if none succeed.
func (v *Verifier) Verify(ctx context.Context, framePath []string, primary Candidate, alternates []Candidate) (Result, error) {
	result, err := v.verifySingle(ctx, framePath, primary)
	if err != nil {
		return Result{}, err
	}
	if result.OK {
		return result, nil
	}

	var tried []string
	for _, alt := range alternates {
		tried = append(tried, alt.Selector)
		altResult, err := v.verifySingle(ctx, framePath, alt)
		if err != nil {
			return Result{}, err
		}
		if altResult.OK {
			altResult.AlternativesTried = append([]string{}, tried...)
			return altResult, nil
		}
	}
	result.AlternativesTried = tried
	return result, nil
}

// BatchItem is one selector to verify as part of a VerifyBatch call.
type BatchItem struct {
	FramePath  []string
	Primary    Candidate
	Alternates []Candidate
}

// VerifyBatch verifies many (framePath, candidate) pairs independently; a
// per-item error does not abort the batch, it is surfaced as a failed
// Result so the caller can keep triaging the rest. Supplements the
// original's batch_verify by returning structured results even on error.
func (v *Verifier) VerifyBatch(ctx context.Context, items []BatchItem) []Result {
	results := make([]Result, len(items))
	for i, item := range items {
		r, err := v.Verify(ctx, item.FramePath, item.Primary, item.Alternates)
		if err != nil {
			r = Result{OK: false, UsedSelector: item.Primary.Selector, Strategy: item.Primary.Strategy,
				FramePath: item.FramePath, Explanation: fmt.Sprintf("error: %v", err)}
		}
		results[i] = r
	}
	return results
}

func (v *Verifier) verifySingle(ctx context.Context, framePath []string, c Candidate) (Result, error) {
	loc, err := v.driver.Locator(ctx, framePath, c.Strategy, c.Selector)
	if err != nil {
		return Result{OK: false, UsedSelector: c.Selector, Strategy: c.Strategy, FramePath: framePath,
			Explanation: fmt.Sprintf("frame not found: %v", err)}, nil
	}

	count, err := loc.Count(ctx)
	if err != nil {
		return Result{OK: false, UsedSelector: c.Selector, Strategy: c.Strategy, FramePath: framePath,
			Explanation: fmt.Sprintf("count failed: %v", err)}, nil
	}
	if count == 0 {
		return Result{OK: false, Unique: false, Count: 0, UsedSelector: c.Selector, Strategy: c.Strategy,
			FramePath: framePath, Explanation: "no elements found"}, nil
	}

	unique := count == 1
	visible, err := loc.IsVisible(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("check visibility: %w", err)
	}
	disabled, err := loc.IsDisabled(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("check disabled: %w", err)
	}
	occluded := v.checkOcclusion(ctx, loc)
	box, _ := loc.BoundingBox(ctx) // recorded only; a missing box already counts as occluded above

	ok := unique && visible && !disabled && !occluded

	var issues []string
	if !unique {
		issues = append(issues, fmt.Sprintf("found %d elements", count))
	}
	if !visible {
		issues = append(issues, "not visible")
	}
	if disabled {
		issues = append(issues, "disabled")
	}
	if occluded {
		issues = append(issues, "occluded")
	}
	explanation := "OK"
	if !ok {
		explanation = "issues: " + joinComma(issues)
	}

	return Result{
		OK: ok, Unique: unique, Count: count, Visible: visible, Occluded: occluded, Disabled: disabled,
		UsedSelector: c.Selector, Strategy: c.Strategy, FramePath: framePath, Explanation: explanation,
		BoundingBox: box,
	}, nil
}

// checkOcclusion returns true (occluded) if the driver cannot confirm the
// element is the one at its own bounding-box center; a check that itself
// fails is treated as not occluded, per the original's fail-open behavior.
func (v *Verifier) checkOcclusion(ctx context.Context, loc browser.Locator) bool {
	box, err := loc.BoundingBox(ctx)
	if err != nil || box == nil {
		return true
	}
	atCenter, err := loc.IsElementAtCenter(ctx)
	if err != nil {
		return false
	}
	return !atCenter
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
