// Package browser implements the §6 driver contract against a live
// Chromium page via Playwright, adapting the teacher's Controller/Launcher
// pair and its CDP session usage to the pipeline's Driver interface.
package browser

import (
	"context"
	"time"

	"github.com/polzovatel/her/internal/domain"
)

// RawDOMNode mirrors one node from CDP's DOM.getFlattenedDocument.
type RawDOMNode struct {
	NodeID        int
	BackendNodeID int
	NodeType      int
	NodeName      string
	NodeValue     string
	Attributes    []string // flat [name, value, name, value, ...]
	ChildNodeIDs  []int
	ParentID      int
	FrameID       string
}

// AXNode mirrors one node from CDP's Accessibility.getFullAXTree.
type AXNode struct {
	NodeID           string
	Role             string
	Name             string
	Value            string
	Ignored          bool
	BackendDOMNodeID int
	ParentID         string
	ChildIDs         []string
}

// FrameInfo is one frame in the CDP Page.getFrameTree response.
type FrameInfo struct {
	ID       string
	Name     string
	URL      string
	ParentID string
	Children []*FrameInfo
}

// Driver is the §6 external interface this package implements: the only
// surface the rest of the pipeline depends on to talk to a live page.
type Driver interface {
	GetFlattenedDocument(ctx context.Context, pierceShadow bool) ([]RawDOMNode, error)
	GetFullAccessibilityTree(ctx context.Context) ([]AXNode, error)
	GetFrameTree(ctx context.Context) (*FrameInfo, error)
	GetBoxModel(ctx context.Context, backendNodeID int) (*domain.BoundingBox, error)
	Evaluate(ctx context.Context, jsExpr string, args ...any) (any, error)
	ExposeCallback(ctx context.Context, name string, handler func(args ...any) (any, error)) error
	Locator(ctx context.Context, framePath []string, strategy domain.Strategy, selector string) (Locator, error)
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Locator is the driver-native handle §6 requires: count/first plus the
// action surface the Verifier and the action executor both drive through.
type Locator interface {
	Count(ctx context.Context) (int, error)
	IsVisible(ctx context.Context) (bool, error)
	IsDisabled(ctx context.Context) (bool, error)
	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	SelectOption(ctx context.Context, value string) error
	Check(ctx context.Context) error
	Uncheck(ctx context.Context) error
	Hover(ctx context.Context) error
	Focus(ctx context.Context) error
	Press(ctx context.Context, key string) error
	SetInputFiles(ctx context.Context, paths []string) error
	WaitFor(ctx context.Context, timeout time.Duration) error
	ScrollIntoViewIfNeeded(ctx context.Context) error
	BoundingBox(ctx context.Context) (*domain.BoundingBox, error)
	IsElementAtCenter(ctx context.Context) (bool, error) // occlusion check, elementFromPoint(center)
}
