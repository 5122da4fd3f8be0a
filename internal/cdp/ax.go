package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/webtrace/internal/snapshot"
)

// stateProperties are the AX properties rendered as node states. Order is
// the render order.
var stateProperties = []string{
	"focused",
	"disabled",
	"expanded",
	"selected",
	"checked",
	"pressed",
	"required",
	"busy",
}

// Snapshot captures the page accessibility tree and the page context the
// snapshot renderer needs.
func (p *Page) Snapshot(ctx context.Context) (*snapshot.Node, snapshot.PageInfo, error) {
	var axNodes []*accessibility.Node
	err := p.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		axNodes, err = accessibility.GetFullAXTree().Do(c)
		return err
	}))
	if err != nil {
		return nil, snapshot.PageInfo{}, fmt.Errorf("failed to fetch accessibility tree: %w", err)
	}

	root := convertAXTree(axNodes)

	info := snapshot.PageInfo{
		URL:   p.URL(),
		Title: p.Title(ctx),
	}
	if vp := p.Viewport(); vp.Width > 0 {
		v := vp
		info.Viewport = &v
	}
	if fe := p.focusedElement(ctx); fe != nil {
		info.FocusedElement = fe
	}
	if wc, ok := p.wordCount(ctx); ok {
		info.WordCount = &wc
	}

	return root, info, nil
}

// convertAXTree rebuilds the flat node list into a tree. Ignored nodes
// keep their children but lose their role, so the renderer collapses them.
func convertAXTree(axNodes []*accessibility.Node) *snapshot.Node {
	if len(axNodes) == 0 {
		return nil
	}

	byID := make(map[accessibility.NodeID]*accessibility.Node, len(axNodes))
	hasParent := make(map[accessibility.NodeID]bool)
	for _, n := range axNodes {
		byID[n.NodeID] = n
		for _, child := range n.ChildIDs {
			hasParent[child] = true
		}
	}

	var root *accessibility.Node
	for _, n := range axNodes {
		if !hasParent[n.NodeID] {
			root = n
			break
		}
	}
	if root == nil {
		root = axNodes[0]
	}

	visited := make(map[accessibility.NodeID]bool)
	return convertAXNode(root, byID, visited)
}

func convertAXNode(ax *accessibility.Node, byID map[accessibility.NodeID]*accessibility.Node, visited map[accessibility.NodeID]bool) *snapshot.Node {
	if ax == nil || visited[ax.NodeID] {
		return nil
	}
	visited[ax.NodeID] = true

	node := &snapshot.Node{
		Name:        axString(ax.Name),
		Value:       axString(ax.Value),
		Description: axString(ax.Description),
	}
	if !ax.Ignored {
		node.Role = axString(ax.Role)
	}
	node.States = axStates(ax.Properties)

	for _, childID := range ax.ChildIDs {
		child, ok := byID[childID]
		if !ok {
			continue
		}
		if converted := convertAXNode(child, byID, visited); converted != nil {
			node.Children = append(node.Children, converted)
		}
	}
	return node
}

// axStates extracts the active boolean states in render order.
func axStates(props []*accessibility.Property) []string {
	byName := make(map[string]string, len(props))
	for _, prop := range props {
		if prop == nil || prop.Value == nil {
			continue
		}
		byName[string(prop.Name)] = axString(prop.Value)
	}

	var states []string
	for _, name := range stateProperties {
		v, ok := byName[name]
		if !ok || v == "" || v == "false" {
			continue
		}
		states = append(states, name)
	}
	return states
}

// axString unwraps an AX value into its string form.
func axString(v *accessibility.Value) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(v.Value), &s); err == nil {
		return s
	}
	return strings.Trim(string(v.Value), `"`)
}

func (p *Page) focusedElement(ctx context.Context) *snapshot.FocusedElement {
	js := `(() => {
		const el = document.activeElement;
		if (!el || el === document.body) return null;
		return {tagName: el.tagName.toLowerCase(), id: el.id || '', className: typeof el.className === 'string' ? el.className : ''};
	})()`

	var fe *snapshot.FocusedElement
	if err := p.run(ctx, chromedp.Evaluate(js, &fe)); err != nil {
		return nil
	}
	return fe
}

func (p *Page) wordCount(ctx context.Context) (int, bool) {
	js := `(document.body && document.body.innerText || '').split(/\s+/).filter(Boolean).length`

	var count int
	if err := p.run(ctx, chromedp.Evaluate(js, &count)); err != nil {
		return 0, false
	}
	return count, true
}
