// Package pipeline wires every component behind the two operations §2/§7
// expose externally: Act (resolve + execute one instruction) and Query
// (resolve without executing). Grounded on the teacher's Orchestrator.Run
// step-loop shape (observe -> decide -> act -> record), generalized from a
// chat-driven planner loop to the deterministic retrieval+verify+heal
// pipeline §4 specifies.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/polzovatel/her/internal/browser"
	"github.com/polzovatel/her/internal/domain"
	"github.com/polzovatel/her/internal/embedder"
	"github.com/polzovatel/her/internal/fusion"
	"github.com/polzovatel/her/internal/healer"
	"github.com/polzovatel/her/internal/intent"
	"github.com/polzovatel/her/internal/modelclient"
	"github.com/polzovatel/her/internal/promotion"
	"github.com/polzovatel/her/internal/selector"
	"github.com/polzovatel/her/internal/session"
	"github.com/polzovatel/her/internal/verifier"
)

// maxCandidatesConsidered bounds how many top-ranked elements get a
// synthesis+verify attempt before the pipeline falls back to the healer,
// matching §4.7's top-K=5.
const maxCandidatesConsidered = 5

type Config struct {
	Weights       fusion.Weights
	MinConfidence float64
}

func DefaultConfig() Config {
	return Config{Weights: fusion.DefaultWeights, MinConfidence: 0.4}
}

// Metrics are the prometheus collectors exposed by the pipeline, per
// SPEC_FULL.md §11's prometheus entry.
type Metrics struct {
	StepsTotal    *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	HealingsTotal *prometheus.CounterVec
}

// NewMetrics registers the pipeline's collectors; callers typically pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "her_steps_total", Help: "Instructions processed by outcome.",
		}, []string{"action", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "her_step_duration_seconds", Help: "End-to-end latency of one Act/Query call.",
		}, []string{"action"}),
		HealingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "her_healings_total", Help: "Self-healing attempts by method and outcome.",
		}, []string{"method", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.StepsTotal, m.StepDuration, m.HealingsTotal)
	}
	return m
}

// Pipeline is one page session's worth of wired collaborators.
type Pipeline struct {
	driver    browser.Driver
	embedder  *embedder.Embedder
	model     modelclient.Model
	promotion *promotion.Store
	healer    *healer.Healer
	verifier  *verifier.Verifier
	session   *session.Manager
	logger    zerolog.Logger
	cfg       Config
	metrics   *Metrics
}

// New assembles a Pipeline from its collaborators. Each is independently
// constructible and independently testable; Pipeline only orchestrates.
func New(driver browser.Driver, emb *embedder.Embedder, model modelclient.Model, promo *promotion.Store,
	heal *healer.Healer, verify *verifier.Verifier, sess *session.Manager, logger zerolog.Logger, cfg Config, metrics *Metrics) *Pipeline {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Pipeline{
		driver: driver, embedder: emb, model: model, promotion: promo,
		healer: heal, verifier: verify, session: sess, logger: logger, cfg: cfg, metrics: metrics,
	}
}

// StepResult is what Act/Query return for one instruction: the resolved
// element, its verified selector, and (for Act) whether the action ran.
type StepResult struct {
	RequestID    string
	Intent       domain.Intent
	Selector     string
	Strategy     domain.Strategy
	FramePath    []string
	Healed       bool
	HealedVia    healer.Method
	Executed     bool
	Explanation  string
}

// Act resolves step to a single verified element and performs its action.
func (p *Pipeline) Act(ctx context.Context, step string) (StepResult, error) {
	return p.run(ctx, step, true)
}

// Query resolves step without executing the action, for validate/search
// style instructions or dry-run tooling.
func (p *Pipeline) Query(ctx context.Context, step string) (StepResult, error) {
	return p.run(ctx, step, false)
}

func (p *Pipeline) run(ctx context.Context, step string, execute bool) (StepResult, error) {
	requestID := uuid.NewString()
	start := time.Now()
	in := intent.Parse(step)
	logger := p.logger.With().Str("request_id", requestID).Str("action", string(in.Action)).Logger()

	defer func() {
		p.metrics.StepDuration.WithLabelValues(string(in.Action)).Observe(time.Since(start).Seconds())
	}()

	if in.TargetPhrase == "" {
		p.metrics.StepsTotal.WithLabelValues(string(in.Action), "no_candidate").Inc()
		return StepResult{}, domain.ErrNoCandidate
	}

	snap, err := p.session.TakeSnapshot(ctx, false)
	if err != nil {
		p.metrics.StepsTotal.WithLabelValues(string(in.Action), "snapshot_failed").Inc()
		return StepResult{}, fmt.Errorf("%w: %v", domain.ErrSnapshotFailed, err)
	}

	// A failed query embedding or Delta Embedder call ends the step with
	// ErrModelUnavailable; no heuristics-only scoring is attempted.
	queryVectors, err := p.model.Embed(ctx, []string{in.TargetPhrase})
	if err != nil || len(queryVectors) == 0 {
		p.metrics.StepsTotal.WithLabelValues(string(in.Action), "model_unavailable").Inc()
		return StepResult{}, fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}
	embedResult, err := p.embedder.Embed(ctx, snap)
	if err != nil {
		p.metrics.StepsTotal.WithLabelValues(string(in.Action), "model_unavailable").Inc()
		return StepResult{}, fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}

	labelKey := in.LabelKey()
	boosts := p.promotionBoosts(ctx, snap, labelKey)
	candidates := fusion.Score(snap, queryVectors[0], embedResult.Matrix, in, p.cfg.Weights, boosts)
	if len(candidates) == 0 || candidates[0].Score < p.cfg.MinConfidence {
		p.metrics.StepsTotal.WithLabelValues(string(in.Action), "no_candidate").Inc()
		return StepResult{}, domain.ErrNoCandidate
	}

	result, err := p.resolveAndMaybeHeal(ctx, snap, candidates, labelKey, logger)
	if err != nil {
		p.metrics.StepsTotal.WithLabelValues(string(in.Action), "verification_failed").Inc()
		return StepResult{}, err
	}
	result.RequestID = requestID
	result.Intent = in

	if execute {
		if err := p.execute(ctx, result, in); err != nil {
			p.metrics.StepsTotal.WithLabelValues(string(in.Action), "action_failed").Inc()
			return result, fmt.Errorf("%w: %v", domain.ErrActionFailed, err)
		}
		result.Executed = true
	}

	p.metrics.StepsTotal.WithLabelValues(string(in.Action), "ok").Inc()
	return result, nil
}

// promotionBoosts looks up the single promoted entry for this label key
// (scoped by page signature and every frame hash present in the snapshot)
// and, if present, gives its boost to every element of that frame so
// fusion.Score can add it; the promoted selector string itself is not
// matched against individual elements.
func (p *Pipeline) promotionBoosts(ctx context.Context, snap *domain.Snapshot, labelKey string) map[int]float64 {
	boosts := make(map[int]float64)
	if p.promotion == nil {
		return boosts
	}
	for frameKey, frameHash := range snap.FrameHashes {
		entry, ok, err := p.promotion.Lookup(ctx, snap.PageSignature, frameHash, labelKey)
		if err != nil || !ok {
			continue
		}
		for i, el := range snap.Elements {
			if joinFramePath(el.FramePath) == frameKey {
				boosts[i] = entry.Confidence * 0.1 // bounded, non-dominant per §4.3
			}
		}
	}
	return boosts
}

// resolveAndMaybeHeal tries the top maxCandidatesConsidered fusion-ranked
// elements in order; the first one to verify ok wins. If none verify, it
// hands the ranked list to the Self-Healer.
func (p *Pipeline) resolveAndMaybeHeal(ctx context.Context, snap *domain.Snapshot, candidates []fusion.Candidate, labelKey string, logger zerolog.Logger) (StepResult, error) {
	limit := candidates
	if len(limit) > maxCandidatesConsidered {
		limit = limit[:maxCandidatesConsidered]
	}

	var lastFailure string
	var lastStrategy domain.Strategy
	var lastFramePath []string
	var rankedElements []domain.ElementDescriptor
	for _, cand := range limit {
		rankedElements = append(rankedElements, cand.Element)
		synth := selector.Synthesize(cand.Element, snap)
		if len(synth) == 0 {
			continue
		}
		primary := verifier.Candidate{Selector: synth[0].Selector, Strategy: synth[0].Strategy}
		var alternates []verifier.Candidate
		for _, s := range synth[1:] {
			alternates = append(alternates, verifier.Candidate{Selector: s.Selector, Strategy: s.Strategy})
		}
		v, err := p.verifier.Verify(ctx, cand.Element.FramePath, primary, alternates)
		if err != nil {
			return StepResult{}, err
		}
		if v.OK {
			p.recordOutcome(ctx, snap, cand.Element, v.UsedSelector, v.Strategy, labelKey, true)
			return StepResult{Selector: v.UsedSelector, Strategy: v.Strategy, FramePath: cand.Element.FramePath, Explanation: v.Explanation}, nil
		}
		lastFailure = v.UsedSelector
		lastStrategy = primary.Strategy
		lastFramePath = cand.Element.FramePath
		p.recordOutcome(ctx, snap, cand.Element, v.UsedSelector, v.Strategy, labelKey, false)
	}

	if p.healer == nil || lastFailure == "" {
		return StepResult{}, fmt.Errorf("%w: no candidate verified", domain.ErrLocatorVerificationFailed)
	}
	logger.Info().Str("failed_selector", lastFailure).Msg("attempting self-heal")
	healResult, err := p.healer.Heal(ctx, lastFramePath, lastFailure, lastStrategy, rankedElements, snap)
	if err != nil {
		return StepResult{}, err
	}
	p.metrics.HealingsTotal.WithLabelValues(string(healResult.Method), outcomeLabel(healResult.Success)).Inc()
	if !healResult.Success {
		return StepResult{}, fmt.Errorf("%w: %s", domain.ErrLocatorVerificationFailed, "self-heal exhausted all strategies")
	}
	p.recordOutcome(ctx, snap, rankedElements[0], healResult.HealedSelector, healResult.Strategy, labelKey, true)
	return StepResult{
		Selector: healResult.HealedSelector, Strategy: healResult.Strategy, FramePath: lastFramePath,
		Healed: true, HealedVia: healResult.Method, Explanation: "healed via " + string(healResult.Method),
	}, nil
}

func outcomeLabel(success bool) string {
	if success {
		return "ok"
	}
	return "failed"
}

func (p *Pipeline) recordOutcome(ctx context.Context, snap *domain.Snapshot, el domain.ElementDescriptor, sel string, strategy domain.Strategy, labelKey string, success bool) {
	if p.promotion == nil {
		return
	}
	frameHash := snap.FrameHashes[joinFramePath(el.FramePath)]
	if success {
		_ = p.promotion.RecordSuccess(ctx, snap.PageSignature, frameHash, labelKey, sel, strategy, "")
	} else {
		_ = p.promotion.RecordFailure(ctx, snap.PageSignature, frameHash, labelKey)
	}
}

func (p *Pipeline) execute(ctx context.Context, result StepResult, in domain.Intent) error {
	loc, err := p.driver.Locator(ctx, result.FramePath, result.Strategy, result.Selector)
	if err != nil {
		return err
	}
	switch in.Action {
	case domain.ActionClick:
		return loc.Click(ctx)
	case domain.ActionType:
		return loc.Fill(ctx, in.Value)
	case domain.ActionSelect:
		return loc.SelectOption(ctx, in.Value)
	case domain.ActionHover:
		return loc.Hover(ctx)
	case domain.ActionSearch, domain.ActionValidate:
		return nil // resolution itself is the outcome; nothing to execute
	default:
		return fmt.Errorf("unsupported action %q", in.Action)
	}
}

func joinFramePath(framePath []string) string {
	out := ""
	for i, f := range framePath {
		if i > 0 {
			out += "/"
		}
		out += f
	}
	return out
}
