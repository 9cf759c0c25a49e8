// Package embedder implements §4.2, the Delta Embedder: it re-embeds only
// the elements whose fingerprint misses the Vector Cache, and otherwise
// reuses cached vectors bitwise-identically. Grounded on the original
// implementation's ElementEmbedder (batch_embed/embed_delta/fallback).
package embedder

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/polzovatel/her/internal/domain"
	"github.com/polzovatel/her/internal/fingerprint"
	"github.com/polzovatel/her/internal/modelclient"
	"github.com/polzovatel/her/internal/vectorcache"
)

// DefaultDeltaThreshold is the fraction of fingerprint-identical descriptors
// below which the embedder treats a snapshot as substantially reindexed.
// Distinct from session.DefaultReindexThreshold: this one gates whether the
// embedder still trusts the Session Manager's "mostly unchanged" signal,
// not whether the Session Manager itself should reindex.
const DefaultDeltaThreshold = 0.5

// DefaultBatchSize bounds how many misses are sent to the model per call.
const DefaultBatchSize = 32

// Result is the Delta Embedder's output: a dense matrix aligned with the
// snapshot's element order, plus how many vectors were reused from cache.
type Result struct {
	Matrix   [][]float32
	Reused   int
	Degraded bool // true if any element fell back to a deterministic hash vector
}

type Embedder struct {
	model     modelclient.Model
	cache     *vectorcache.Cache
	batchSize int
	group     singleflight.Group
}

func New(model modelclient.Model, cache *vectorcache.Cache) *Embedder {
	return &Embedder{model: model, cache: cache, batchSize: DefaultBatchSize}
}

// Embed computes E for snap, consulting the Vector Cache and only calling
// the model for fingerprint misses.
func (e *Embedder) Embed(ctx context.Context, snap *domain.Snapshot) (Result, error) {
	fingerprints := make([]string, len(snap.Elements))
	for i, d := range snap.Elements {
		fingerprints[i] = fingerprint.Element(d)
	}

	hits, err := e.cache.BatchGet(ctx, fingerprints)
	if err != nil {
		return Result{}, fmt.Errorf("vector cache batch get: %w", err)
	}

	matrix := make([][]float32, len(snap.Elements))
	var missIdx []int
	for i, fp := range fingerprints {
		if entry, ok := hits[fp]; ok && entry.ModelID == e.model.ID() {
			matrix[i] = entry.Vector
		} else {
			missIdx = append(missIdx, i)
		}
	}
	reused := len(snap.Elements) - len(missIdx)

	if len(missIdx) == 0 {
		return Result{Matrix: matrix, Reused: reused}, nil
	}

	degraded, err := e.embedMisses(ctx, snap, fingerprints, missIdx, matrix)
	if err != nil {
		return Result{}, err
	}
	return Result{Matrix: matrix, Reused: reused, Degraded: degraded}, nil
}

func (e *Embedder) embedMisses(ctx context.Context, snap *domain.Snapshot, fingerprints []string, missIdx []int, matrix [][]float32) (bool, error) {
	type batch struct {
		indices []int
		inputs  []string
	}
	var batches []batch
	for start := 0; start < len(missIdx); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		b := batch{}
		for _, idx := range missIdx[start:end] {
			b.indices = append(b.indices, idx)
			b.inputs = append(b.inputs, textRepresentation(snap.Elements[idx]))
		}
		batches = append(batches, b)
	}

	degraded := false
	var newEntries []domain.EmbeddingEntry
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	var mu sync.Mutex
	for _, b := range batches {
		b := b
		g.Go(func() error {
			vectors, err := e.singleFlightEmbed(gctx, b.inputs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				for _, idx := range b.indices {
					vec := fallbackVector(snap.Elements[idx], e.model.Dimension())
					matrix[idx] = vec
					newEntries = append(newEntries, domain.EmbeddingEntry{
						Fingerprint: fingerprints[idx], Vector: vec, Dim: len(vec), ModelID: domain.FallbackModelID,
					})
					degraded = true
				}
				return nil // a failed model call degrades, it does not fail the snapshot
			}
			for i, idx := range b.indices {
				vec := vectors[i]
				modelID := e.model.ID()
				if vec == nil {
					vec = fallbackVector(snap.Elements[idx], e.model.Dimension())
					modelID = domain.FallbackModelID
					degraded = true
				}
				matrix[idx] = vec
				newEntries = append(newEntries, domain.EmbeddingEntry{
					Fingerprint: fingerprints[idx], Vector: vec, Dim: len(vec), ModelID: modelID,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return degraded, err
	}
	if err := e.cache.BatchPut(ctx, newEntries); err != nil {
		return degraded, fmt.Errorf("vector cache batch put: %w", err)
	}
	return degraded, nil
}

// singleFlightEmbed collapses concurrent identical-input batches into one
// upstream model call, per §5's single-flight requirement for shared model
// handles.
func (e *Embedder) singleFlightEmbed(ctx context.Context, inputs []string) ([][]float32, error) {
	key := strings.Join(inputs, "\x1e")
	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.model.Embed(ctx, inputs)
	})
	if err != nil {
		return nil, err
	}
	return v.([][]float32), nil
}

// textRepresentation builds the bounded-length model input §4.2 specifies:
// tag + key attributes + ARIA + normalized text.
func textRepresentation(d domain.ElementDescriptor) string {
	var b strings.Builder
	b.WriteString(d.Tag)
	for _, key := range []string{"id", "class", "type", "name", "placeholder", "data-testid", "href"} {
		if v, ok := d.Attributes[key]; ok && v != "" {
			fmt.Fprintf(&b, " %s=%s", key, v)
		}
	}
	if d.AriaName != "" {
		fmt.Fprintf(&b, " aria-label=%s", d.AriaName)
	}
	if d.Role != "" {
		fmt.Fprintf(&b, " role=%s", d.Role)
	}
	text := d.Text
	if len(text) > 200 {
		text = text[:200]
	}
	if text != "" {
		fmt.Fprintf(&b, " text=%s", text)
	}
	s := b.String()
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// fallbackVector is the deterministic hash-derived embedding used when the
// model call fails for an element; marked via domain.FallbackModelID in the
// caller so it is never silently reused as a real-model vector.
func fallbackVector(d domain.ElementDescriptor, dim int) []float32 {
	if dim <= 0 {
		dim = 32
	}
	sum := sha256.Sum256([]byte(textRepresentation(d)))
	vec := make([]float32, dim)
	for i := 0; i < dim; i++ {
		vec[i] = float32(sum[i%len(sum)]) / 255.0
	}
	return vec
}
