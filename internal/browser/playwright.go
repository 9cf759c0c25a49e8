package browser

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/polzovatel/her/internal/domain"
)

const (
	defaultNavTimeout = 30 * time.Second
	headlessEnv       = "HER_HEADLESS"
)

// Launcher owns the Playwright and Chromium process lifecycle, exactly as
// the teacher's Launcher does.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	logger  zerolog.Logger
}

func NewLauncher(ctx context.Context, logger zerolog.Logger) (*Launcher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	headless := parseBoolEnv(headlessEnv, false)
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args:     []string{"--disable-dev-shm-usage", "--no-sandbox"},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: b, logger: logger}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

// NewDriver opens a fresh browser context + page and returns a Driver bound
// to it. The driver is per-session, per §5's "driver is per-session".
func (l *Launcher) NewDriver(ctx context.Context, storageStatePath string) (Driver, error) {
	opts := playwright.BrowserNewContextOptions{IgnoreHttpsErrors: playwright.Bool(true)}
	if strings.TrimSpace(storageStatePath) != "" {
		opts.StorageStatePath = playwright.String(storageStatePath)
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	return &playwrightDriver{context: bctx, page: page, logger: l.logger}, nil
}

type playwrightDriver struct {
	context   playwright.BrowserContext
	page      playwright.Page
	cdp       playwright.CDPSession
	logger    zerolog.Logger
}

func (d *playwrightDriver) ensureCDP() (playwright.CDPSession, error) {
	if d.cdp != nil {
		return d.cdp, nil
	}
	session, err := d.page.Context().NewCDPSession(d.page)
	if err != nil {
		return nil, fmt.Errorf("new cdp session: %w", err)
	}
	if _, err := session.Send("DOM.enable", nil); err != nil {
		return nil, fmt.Errorf("DOM.enable: %w", err)
	}
	if _, err := session.Send("Accessibility.enable", nil); err != nil {
		return nil, fmt.Errorf("Accessibility.enable: %w", err)
	}
	d.cdp = session
	return session, nil
}

func (d *playwrightDriver) GetFlattenedDocument(ctx context.Context, pierceShadow bool) ([]RawDOMNode, error) {
	cdp, err := d.ensureCDP()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotFailed, err)
	}
	result, err := cdp.Send("DOM.getFlattenedDocument", map[string]any{
		"depth":  -1,
		"pierce": pierceShadow,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: DOM.getFlattenedDocument: %v", domain.ErrSnapshotFailed, err)
	}
	raw, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected DOM.getFlattenedDocument shape", domain.ErrSnapshotFailed)
	}
	nodesRaw, _ := raw["nodes"].([]any)
	nodes := make([]RawDOMNode, 0, len(nodesRaw))
	for _, n := range nodesRaw {
		m, ok := n.(map[string]any)
		if !ok {
			continue
		}
		nodes = append(nodes, parseRawDOMNode(m))
	}
	return nodes, nil
}

func parseRawDOMNode(m map[string]any) RawDOMNode {
	n := RawDOMNode{
		NodeID:        asInt(m["nodeId"]),
		BackendNodeID: asInt(m["backendNodeId"]),
		NodeType:      asInt(m["nodeType"]),
		NodeName:      strings.ToLower(asString(m["nodeName"])),
		NodeValue:     asString(m["nodeValue"]),
		ParentID:      asInt(m["parentId"]),
		FrameID:       asString(m["frameId"]),
	}
	if attrs, ok := m["attributes"].([]any); ok {
		for _, a := range attrs {
			n.Attributes = append(n.Attributes, asString(a))
		}
	}
	if children, ok := m["children"].([]any); ok {
		for _, c := range children {
			if cm, ok := c.(map[string]any); ok {
				n.ChildNodeIDs = append(n.ChildNodeIDs, asInt(cm["nodeId"]))
			}
		}
	}
	return n
}

func (d *playwrightDriver) GetFullAccessibilityTree(ctx context.Context) ([]AXNode, error) {
	cdp, err := d.ensureCDP()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotFailed, err)
	}
	result, err := cdp.Send("Accessibility.getFullAXTree", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: Accessibility.getFullAXTree: %v", domain.ErrSnapshotFailed, err)
	}
	raw, _ := result.(map[string]any)
	nodesRaw, _ := raw["nodes"].([]any)
	nodes := make([]AXNode, 0, len(nodesRaw))
	for _, n := range nodesRaw {
		m, ok := n.(map[string]any)
		if !ok {
			continue
		}
		node := AXNode{
			NodeID:           asString(m["nodeId"]),
			BackendDOMNodeID: asInt(m["backendDOMNodeId"]),
			ParentID:         asString(m["parentId"]),
		}
		if roleVal, ok := m["role"].(map[string]any); ok {
			node.Role = asString(roleVal["value"])
		}
		if nameVal, ok := m["name"].(map[string]any); ok {
			node.Name = asString(nameVal["value"])
		}
		if valueVal, ok := m["value"].(map[string]any); ok {
			node.Value = asString(valueVal["value"])
		}
		if ignored, ok := m["ignored"].(bool); ok {
			node.Ignored = ignored
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (d *playwrightDriver) GetFrameTree(ctx context.Context) (*FrameInfo, error) {
	cdp, err := d.ensureCDP()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotFailed, err)
	}
	result, err := cdp.Send("Page.getFrameTree", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: Page.getFrameTree: %v", domain.ErrSnapshotFailed, err)
	}
	raw, _ := result.(map[string]any)
	root, _ := raw["frameTree"].(map[string]any)
	return parseFrameTree(root), nil
}

func parseFrameTree(m map[string]any) *FrameInfo {
	if m == nil {
		return nil
	}
	frame, _ := m["frame"].(map[string]any)
	info := &FrameInfo{
		ID:   asString(frame["id"]),
		Name: asString(frame["name"]),
		URL:  asString(frame["url"]),
	}
	if children, ok := m["childFrames"].([]any); ok {
		for _, c := range children {
			if cm, ok := c.(map[string]any); ok {
				child := parseFrameTree(cm)
				if child != nil {
					child.ParentID = info.ID
					info.Children = append(info.Children, child)
				}
			}
		}
	}
	return info
}

func (d *playwrightDriver) GetBoxModel(ctx context.Context, backendNodeID int) (*domain.BoundingBox, error) {
	cdp, err := d.ensureCDP()
	if err != nil {
		return nil, err
	}
	result, err := cdp.Send("DOM.getBoxModel", map[string]any{"backendNodeId": backendNodeID})
	if err != nil {
		return nil, nil // no box model: treat as not visible, not a hard failure
	}
	raw, _ := result.(map[string]any)
	model, ok := raw["model"].(map[string]any)
	if !ok {
		return nil, nil
	}
	content, ok := model["content"].([]any)
	if !ok || len(content) < 6 {
		return nil, nil
	}
	x0, y0 := asFloat(content[0]), asFloat(content[1])
	x1, y1 := asFloat(content[4]), asFloat(content[5])
	return &domain.BoundingBox{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, nil
}

func (d *playwrightDriver) Evaluate(ctx context.Context, jsExpr string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.page.Evaluate(jsExpr, args)
}

func (d *playwrightDriver) ExposeCallback(ctx context.Context, name string, handler func(args ...any) (any, error)) error {
	return d.page.ExposeFunction(name, func(args ...any) any {
		result, err := handler(args...)
		if err != nil {
			d.logger.Warn().Err(err).Str("callback", name).Msg("exposed callback failed")
			return nil
		}
		return result
	})
}

func (d *playwrightDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (d *playwrightDriver) CurrentURL(ctx context.Context) (string, error) {
	return d.page.URL(), nil
}

func (d *playwrightDriver) Close(ctx context.Context) error {
	if d.page != nil {
		_ = d.page.Close()
	}
	if d.context != nil {
		return d.context.Close()
	}
	return nil
}

func (d *playwrightDriver) Locator(ctx context.Context, framePath []string, strategy domain.Strategy, selector string) (Locator, error) {
	frame, err := resolveFrame(d.page, framePath)
	if err != nil {
		return nil, err
	}
	var loc playwright.Locator
	switch strategy {
	case domain.StrategyRoleName:
		loc = frame.Locator(selector) // role-name selectors are rendered as CSS/xpath by the synthesizer
	default:
		loc = frame.Locator(selector)
	}
	return &playwrightLocator{loc: loc}, nil
}

// resolveFrame walks framePath by child-frame name or URL substring match,
// the same rule the original implementation's verifier used, supplemented
// into this driver since §4.5 only requires "walking the frame path"
// without specifying the match rule.
func resolveFrame(page playwright.Page, framePath []string) (frameLocatorish, error) {
	if len(framePath) == 0 {
		return page, nil
	}
	var current frameLocatorish = page
	for _, spec := range framePath {
		next, err := findChildFrame(current, spec)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// frameLocatorish captures the subset of playwright.Page / playwright.Frame
// used for locating within a frame.
type frameLocatorish interface {
	Locator(selector string, options ...playwright.PageLocatorOptions) playwright.Locator
}

func findChildFrame(parent frameLocatorish, spec string) (frameLocatorish, error) {
	page, ok := parent.(playwright.Page)
	if !ok {
		return nil, fmt.Errorf("cannot descend further: frame %q not resolvable from non-page parent", spec)
	}
	for _, f := range page.Frames() {
		if f.Name() == spec || strings.Contains(f.URL(), spec) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("frame not found: %s", spec)
}

type playwrightLocator struct {
	loc playwright.Locator
}

func (l *playwrightLocator) Count(ctx context.Context) (int, error) {
	n, err := l.loc.Count()
	return n, wrap(err)
}

func (l *playwrightLocator) IsVisible(ctx context.Context) (bool, error) {
	v, err := l.loc.First().IsVisible()
	return v, wrap(err)
}

func (l *playwrightLocator) IsDisabled(ctx context.Context) (bool, error) {
	v, err := l.loc.First().IsDisabled()
	return v, wrap(err)
}

func (l *playwrightLocator) Click(ctx context.Context) error {
	return wrap(l.loc.First().Click())
}

func (l *playwrightLocator) Fill(ctx context.Context, value string) error {
	return wrap(l.loc.First().Fill(value))
}

func (l *playwrightLocator) SelectOption(ctx context.Context, value string) error {
	_, err := l.loc.First().SelectOption(playwright.SelectOptionValues{Labels: &[]string{value}})
	return wrap(err)
}

func (l *playwrightLocator) Check(ctx context.Context) error   { return wrap(l.loc.First().Check()) }
func (l *playwrightLocator) Uncheck(ctx context.Context) error { return wrap(l.loc.First().Uncheck()) }
func (l *playwrightLocator) Hover(ctx context.Context) error   { return wrap(l.loc.First().Hover()) }
func (l *playwrightLocator) Focus(ctx context.Context) error   { return wrap(l.loc.First().Focus()) }

func (l *playwrightLocator) Press(ctx context.Context, key string) error {
	return wrap(l.loc.First().Press(key))
}

func (l *playwrightLocator) SetInputFiles(ctx context.Context, paths []string) error {
	return wrap(l.loc.First().SetInputFiles(paths))
}

func (l *playwrightLocator) WaitFor(ctx context.Context, timeout time.Duration) error {
	return wrap(l.loc.First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}))
}

func (l *playwrightLocator) ScrollIntoViewIfNeeded(ctx context.Context) error {
	return wrap(l.loc.First().ScrollIntoViewIfNeeded())
}

func (l *playwrightLocator) BoundingBox(ctx context.Context) (*domain.BoundingBox, error) {
	box, err := l.loc.First().BoundingBox()
	if err != nil || box == nil {
		return nil, wrap(err)
	}
	return &domain.BoundingBox{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, nil
}

func (l *playwrightLocator) IsElementAtCenter(ctx context.Context) (bool, error) {
	result, err := l.loc.First().Evaluate(`(el) => {
		const rect = el.getBoundingClientRect();
		const cx = rect.left + rect.width / 2;
		const cy = rect.top + rect.height / 2;
		const top = document.elementFromPoint(cx, cy);
		return top === el || el.contains(top);
	}`, nil)
	if err != nil {
		return true, nil // assume not occluded if the check itself fails
	}
	ok, _ := result.(bool)
	return ok, nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("driver: %w", err)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
