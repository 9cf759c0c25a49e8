// Package domain holds the element-retrieval data model: descriptors,
// snapshots, embeddings, promotions, and session state. Nothing in this
// package touches a driver or a model; it is the shared vocabulary every
// other package imports.
package domain

import "time"

// Strategy tags a locator-synthesis approach. Order matters: it is the
// precedence synthesizers must respect (lower value = tried first).
type Strategy int

const (
	StrategyDataTestID Strategy = iota
	StrategyID
	StrategyAriaLabel
	StrategyHrefText
	StrategyIDText
	StrategyClassText
	StrategyCombo
	StrategyRoleName
	StrategyTextExact
	StrategyTextContains
)

func (s Strategy) String() string {
	switch s {
	case StrategyDataTestID:
		return "data-testid"
	case StrategyID:
		return "id"
	case StrategyAriaLabel:
		return "aria-label"
	case StrategyHrefText:
		return "href-text"
	case StrategyIDText:
		return "id-text"
	case StrategyClassText:
		return "class-text"
	case StrategyCombo:
		return "id-class-text-combo"
	case StrategyRoleName:
		return "role-name"
	case StrategyTextExact:
		return "text-exact"
	case StrategyTextContains:
		return "text-contains"
	default:
		return "unknown"
	}
}

// BaseConfidence returns the synthesizer's prior confidence for a strategy,
// before uniqueness scaling. Monotonically non-increasing with precedence.
func (s Strategy) BaseConfidence() float64 {
	switch s {
	case StrategyDataTestID:
		return 1.0
	case StrategyID:
		return 0.95
	case StrategyAriaLabel:
		return 0.85
	case StrategyHrefText:
		return 0.8
	case StrategyIDText:
		return 0.75
	case StrategyClassText:
		return 0.65
	case StrategyCombo:
		return 0.6
	case StrategyRoleName:
		return 0.5
	case StrategyTextExact:
		return 0.4
	case StrategyTextContains:
		return 0.3
	default:
		return 0.1
	}
}

// BoundingBox is an element's viewport-relative rectangle, or nil when the
// driver could not resolve one (e.g. a display:none or virtualized node).
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b *BoundingBox) Area() float64 {
	if b == nil {
		return 0
	}
	return b.Width * b.Height
}

// HierarchyStep is one ancestor's tag+sibling-index, used to bound-depth
// describe an element's position without holding a live tree pointer.
type HierarchyStep struct {
	Tag   string `json:"tag"`
	Index int    `json:"index"`
}

// ElementDescriptor is the normalized, merged DOM+accessibility record for
// one interactive-or-textual node. Identity is (FramePath, BackendNodeID).
type ElementDescriptor struct {
	Index int `json:"index"` // position in the owning Snapshot.Elements slice

	BackendNodeID int      `json:"backend_node_id"`
	FramePath     []string `json:"frame_path"`

	Tag        string            `json:"tag"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
	Role       string            `json:"role"`
	AriaName   string            `json:"aria_name"`

	BoundingBox  *BoundingBox `json:"bounding_box"`
	Visible      bool         `json:"visible"`
	Interactive  bool         `json:"interactive"`
	Disabled     bool         `json:"disabled"`
	ShadowHost   bool         `json:"shadow_host"`
	XPath        string       `json:"xpath"`
	CSSPath      string       `json:"css_path,omitempty"`
	Hierarchy    []HierarchyStep `json:"hierarchy_path"`
	ParentIndex  int          `json:"parent_index"` // -1 if root within its frame; arena index, never a pointer
}

// Identity returns the (frame_path, backend_node_id) uniqueness key §3 mandates.
func (e ElementDescriptor) Identity() string {
	key := ""
	for _, f := range e.FramePath {
		key += f + "\x1f"
	}
	return key + itoa(e.BackendNodeID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Snapshot is an immutable capture of a page's element set. Once returned by
// the Snapshot Builder it is never mutated; a new snapshot supersedes it.
type Snapshot struct {
	SnapshotID    int64                `json:"snapshot_id"` // monotonic within a session
	URL           string               `json:"url"`
	Title         string               `json:"title"`
	Elements      []ElementDescriptor  `json:"elements"`
	FrameHashes   map[string]string    `json:"frame_hashes"` // frame_path-joined key -> hash
	PageSignature string               `json:"page_signature"`
	CapturedAt    time.Time            `json:"captured_at"`
}

// ByIdentity indexes a snapshot's elements by their uniqueness key.
func (s *Snapshot) ByIdentity() map[string]*ElementDescriptor {
	out := make(map[string]*ElementDescriptor, len(s.Elements))
	for i := range s.Elements {
		out[s.Elements[i].Identity()] = &s.Elements[i]
	}
	return out
}

// EmbeddingEntry is a persisted vector keyed by element fingerprint.
type EmbeddingEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Vector      []float32 `json:"vector"`
	Dim         int       `json:"dim"`
	ModelID     string    `json:"model_id"`
	Created     time.Time `json:"created"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int       `json:"access_count"`
}

// FallbackModelID marks a deterministic hash-derived embedding so it is
// never silently interchangeable with a real model's vector in the cache.
const FallbackModelID = "fallback-hash-v1"

// PromotionEntry is a historically-successful (page, frame, label) -> selector
// mapping with the counters that drive its confidence.
type PromotionEntry struct {
	PageSignature string    `json:"page_signature"`
	FrameHash     string    `json:"frame_hash"`
	LabelKey      string    `json:"label_key"`
	Selector      string    `json:"selector"`
	Strategy      Strategy  `json:"strategy"`
	Success       int       `json:"success"`
	Failure       int       `json:"failure"`
	LastSuccess   time.Time `json:"last_success"`
	LastFailure   time.Time `json:"last_failure"`
	Confidence    float64   `json:"confidence"`
	Metadata      string    `json:"metadata"`
}

// RouteChangeKind classifies how an SPA navigation was observed.
type RouteChangeKind string

const (
	RouteChangePushState    RouteChangeKind = "pushState"
	RouteChangeReplaceState RouteChangeKind = "replaceState"
	RouteChangePopState     RouteChangeKind = "popstate"
	RouteChangeHashChange   RouteChangeKind = "hashchange"
)

// RouteChangeEvent is one entry in SessionState's ring buffer.
type RouteChangeEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	OldURL    string          `json:"old_url"`
	NewURL    string          `json:"new_url"`
	Kind      RouteChangeKind `json:"kind"`
	DOMDelta  float64         `json:"dom_delta"`
}

// SessionState is mutated only by the Session Manager; callers get copies.
type SessionState struct {
	CurrentURL    string
	LastSnapshot  *Snapshot
	RouteChanges  []RouteChangeEvent // ring buffer, bounded by Session Manager
	TotalSnapshots int
	CacheHits      int
	Reindexes      int
}

// Intent is the parsed form of one natural-language step.
type Action string

const (
	ActionClick    Action = "click"
	ActionType     Action = "type"
	ActionSelect   Action = "select"
	ActionHover    Action = "hover"
	ActionSearch   Action = "search"
	ActionValidate Action = "validate"
)

type Intent struct {
	Action       Action
	TargetPhrase string
	Value        string // fill text, option label, or assertion/url for Validate
	Raw          string
}

// LabelKey derives the order-independent, case-insensitive cache key §3
// specifies, as built by ComputeLabelKey: "label:" + action + "|" + the
// lowercased target tokens in sorted order.
func (i Intent) LabelKey() string {
	return ComputeLabelKey(string(i.Action), i.TargetPhrase)
}
