// Package snapshotbuilder implements §4.1: it turns one round of driver
// queries (flattened document, accessibility tree, frame tree, box model)
// into an immutable domain.Snapshot. Grounded on the teacher's
// CDP-session-based element collection and the original implementation's
// frame-aware DOM+AX merge.
package snapshotbuilder

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/polzovatel/her/internal/browser"
	"github.com/polzovatel/her/internal/domain"
	"github.com/polzovatel/her/internal/fingerprint"
)

var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true, "textarea": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "checkbox": true, "menuitem": true,
}

// Builder captures Snapshots from a Driver. One Builder per session; it
// holds no page-specific state between calls beyond a monotonic counter.
type Builder struct {
	driver       browser.Driver
	logger       zerolog.Logger
	pierceShadow bool
	nextID       int64
}

func New(driver browser.Driver, logger zerolog.Logger, pierceShadow bool) *Builder {
	return &Builder{driver: driver, logger: logger, pierceShadow: pierceShadow}
}

// Capture implements §4.1's procedure. It fails the whole snapshot if the
// driver fails mid-capture — no partial snapshots, no internal retry.
func (b *Builder) Capture(ctx context.Context) (*domain.Snapshot, error) {
	rawNodes, err := b.driver.GetFlattenedDocument(ctx, b.pierceShadow)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotFailed, err)
	}
	axNodes, err := b.driver.GetFullAccessibilityTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotFailed, err)
	}
	frameTree, err := b.driver.GetFrameTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotFailed, err)
	}
	url, err := b.driver.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotFailed, err)
	}

	nodeByID := make(map[int]browser.RawDOMNode, len(rawNodes))
	for _, n := range rawNodes {
		nodeByID[n.NodeID] = n
	}
	axByBackendID := make(map[int]browser.AXNode, len(axNodes))
	for _, ax := range axNodes {
		if ax.BackendDOMNodeID != 0 {
			axByBackendID[ax.BackendDOMNodeID] = ax
		}
	}
	framePaths := buildFramePaths(frameTree)

	descriptors := make([]domain.ElementDescriptor, 0, len(rawNodes))
	descNodeIDs := make([]int, 0, len(rawNodes)) // descriptor index -> NodeID
	textByParent := make(map[int][]string)       // parentId -> child texts, for echo-dedup
	for _, n := range rawNodes {
		if n.NodeType == 3 { // #text
			if txt := strings.TrimSpace(n.NodeValue); txt != "" {
				textByParent[n.ParentID] = append(textByParent[n.ParentID], txt)
			}
		}
	}

	for _, n := range rawNodes {
		if n.NodeType != 1 { // Element nodes only
			continue
		}
		attrs := parseAttributes(n.Attributes)
		ax := axByBackendID[n.BackendNodeID]
		text := dedupeChildEcho(strings.Join(textByParent[n.NodeID], " "), ax.Name)
		framePath := framePaths[n.FrameID]

		d := domain.ElementDescriptor{
			BackendNodeID: n.BackendNodeID,
			FramePath:     framePath,
			Tag:           n.NodeName,
			Text:          text,
			Attributes:    attrs,
			Role:          ax.Role,
			AriaName:      ax.Name,
			ParentIndex:   -1,
		}
		d.Interactive = interactiveTags[d.Tag] || interactiveRoles[d.Role]
		d.Disabled = isDisabled(attrs, ax)
		if d.Disabled {
			// §3 invariant: disabled flips the interactive flag off without
			// removing the descriptor.
			d.Interactive = false
		}
		d.XPath = buildXPath(n, nodeByID)
		d.CSSPath = buildCSSPath(n, nodeByID)
		descriptors = append(descriptors, d)
		descNodeIDs = append(descNodeIDs, n.NodeID)
	}

	indexByNodeID := make(map[int]int, len(descNodeIDs))
	for i, id := range descNodeIDs {
		indexByNodeID[id] = i
	}
	for i, id := range descNodeIDs {
		for p, ok := nodeByID[nodeByID[id].ParentID]; ok; p, ok = nodeByID[p.ParentID] {
			if idx, found := indexByNodeID[p.NodeID]; found {
				descriptors[i].ParentIndex = idx
				break
			}
		}
	}

	if err := fetchBoundingBoxes(ctx, b.driver, descriptors); err != nil {
		return nil, fmt.Errorf("%w: box model fan-out: %v", domain.ErrSnapshotFailed, err)
	}
	for i := range descriptors {
		descriptors[i].Index = i
		descriptors[i].Visible = descriptors[i].BoundingBox.Area() > 0
	}

	frameHashes := make(map[string]string)
	byFrame := map[string][]domain.ElementDescriptor{}
	for _, d := range descriptors {
		key := strings.Join(d.FramePath, "/")
		byFrame[key] = append(byFrame[key], d)
	}
	for key, els := range byFrame {
		frameHashes[key] = fingerprint.FrameHash(els)
	}

	snap := &domain.Snapshot{
		SnapshotID:    atomic.AddInt64(&b.nextID, 1),
		URL:           url,
		Elements:      descriptors,
		FrameHashes:   frameHashes,
		PageSignature: fingerprint.PageSignature(url),
		CapturedAt:    time.Now(),
	}
	return snap, nil
}

// fetchBoundingBoxes fans out §5's box-model queries across the snapshot's
// elements, with at most 16 queries in flight at once.
func fetchBoundingBoxes(ctx context.Context, d browser.Driver, descriptors []domain.ElementDescriptor) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i := range descriptors {
		i := i
		g.Go(func() error {
			box, err := d.GetBoxModel(gctx, descriptors[i].BackendNodeID)
			if err != nil {
				return err
			}
			descriptors[i].BoundingBox = box
			return nil
		})
	}
	return g.Wait()
}

// isDisabled reports the disabled state per §3: the HTML `disabled`
// attribute (present with any value, including empty) or `aria-disabled`.
func isDisabled(attrs map[string]string, ax browser.AXNode) bool {
	if _, ok := attrs["disabled"]; ok {
		return true
	}
	return attrs["aria-disabled"] == "true"
}

func parseAttributes(flat []string) map[string]string {
	attrs := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		attrs[flat[i]] = flat[i+1]
	}
	return attrs
}

// dedupeChildEcho collapses text that is the element's accessible name
// repeated twice to a single copy (the "Shop Shop" bug §3/§4.1 call out).
// Other text is returned whitespace-normalized; text and aria name are
// never concatenated.
func dedupeChildEcho(text, ariaName string) string {
	t := strings.Join(strings.Fields(text), " ")
	if a := strings.Join(strings.Fields(ariaName), " "); a != "" && t == a+" "+a {
		return a
	}
	return t
}

func buildXPath(n browser.RawDOMNode, byID map[int]browser.RawDOMNode) string {
	var parts []string
	current := n
	for {
		if current.NodeName == "#document" || current.NodeName == "" {
			break
		}
		siblingIndex := 1
		if parent, ok := byID[current.ParentID]; ok {
			idx := 0
			for _, childID := range parent.ChildNodeIDs {
				if sib, ok := byID[childID]; ok && sib.NodeName == current.NodeName {
					idx++
					if childID == current.NodeID {
						siblingIndex = idx
						break
					}
				}
			}
		}
		if siblingIndex > 1 {
			parts = append([]string{fmt.Sprintf("%s[%d]", current.NodeName, siblingIndex)}, parts...)
		} else {
			parts = append([]string{current.NodeName}, parts...)
		}
		parent, ok := byID[current.ParentID]
		if !ok {
			break
		}
		current = parent
	}
	if len(parts) == 0 {
		return "/"
	}
	return "//" + strings.Join(parts, "/")
}

func buildCSSPath(n browser.RawDOMNode, byID map[int]browser.RawDOMNode) string {
	attrs := parseAttributes(n.Attributes)
	if id, ok := attrs["id"]; ok && id != "" {
		return "#" + id
	}
	var parts []string
	current := n
	for {
		if current.NodeName == "#document" || current.NodeName == "" {
			break
		}
		sel := current.NodeName
		if attrs := parseAttributes(current.Attributes); attrs["id"] != "" {
			parts = append([]string{"#" + attrs["id"]}, parts...)
			break
		}
		parts = append([]string{sel}, parts...)
		parent, ok := byID[current.ParentID]
		if !ok {
			break
		}
		current = parent
	}
	return strings.Join(parts, " > ")
}

// buildFramePaths walks the frame tree and returns, per frame id, the
// ordered [frame_name_or_url, ...] path from the root.
func buildFramePaths(root *browser.FrameInfo) map[string][]string {
	paths := map[string][]string{}
	var walk func(f *browser.FrameInfo, prefix []string)
	walk = func(f *browser.FrameInfo, prefix []string) {
		if f == nil {
			return
		}
		paths[f.ID] = append([]string{}, prefix...)
		label := f.Name
		if label == "" {
			label = f.URL
		}
		childPrefix := append(append([]string{}, prefix...), label)
		for _, c := range f.Children {
			walk(c, childPrefix)
		}
	}
	if root != nil {
		paths[root.ID] = nil
		label := root.Name
		if label == "" {
			label = root.URL
		}
		for _, c := range root.Children {
			walk(c, []string{label})
		}
	}
	return paths
}
