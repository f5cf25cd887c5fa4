// Package perception turns a device-provided UI hierarchy into the ordered,
// de-duplicated element list the structured kernel reasons over.
package perception

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"github.com/GaryChine-byte/phonefleet/pkg/action"
)

// Bounds is a pixel-space bounding box.
type Bounds struct {
	X1, Y1, X2, Y2 int
}

// Center returns the box center.
func (b Bounds) Center() (int, int) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Area returns the box area.
func (b Bounds) Area() int {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Element is one interactive UI element, indexed for the LLM.
type Element struct {
	Index         int          `json:"index"`
	Role          string       `json:"role"`
	Text          string       `json:"text"`
	Center        action.Point `json:"center"` // normalized [0,1000]²
	Clickable     bool         `json:"clickable"`
	Focusable     bool         `json:"focusable"`
	LongClickable bool         `json:"long_clickable"`
	Bounds        Bounds       `json:"-"`
}

// node is one parsed hierarchy node.
type node struct {
	Text          string
	ContentDesc   string
	Class         string
	Clickable     bool
	LongClickable bool
	Focusable     bool
	Bounds        *Bounds
	Parent        *node
	Children      []*node
}

func (n *node) interactive() bool {
	return n.Clickable || n.LongClickable || n.Focusable
}

func (n *node) displayText() string {
	if n.Text != "" {
		return n.Text
	}
	return n.ContentDesc
}

func (n *node) hasInteractiveAncestor() bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.interactive() {
			return true
		}
	}
	return false
}

// collectText gathers the node's text plus that of non-interactive
// descendants up to the given depth, space-joined.
func (n *node) collectText(depth int) string {
	if depth <= 0 {
		return n.displayText()
	}
	var texts []string
	if t := n.displayText(); t != "" {
		texts = append(texts, t)
	}
	for _, c := range n.Children {
		if c.interactive() {
			continue
		}
		if t := c.collectText(depth - 1); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.TrimSpace(strings.Join(texts, " "))
}

// xmlNode mirrors the uiautomator dump element shape.
type xmlNode struct {
	Text          string    `xml:"text,attr"`
	ContentDesc   string    `xml:"content-desc,attr"`
	Class         string    `xml:"class,attr"`
	Clickable     string    `xml:"clickable,attr"`
	LongClickable string    `xml:"long-clickable,attr"`
	Focusable     string    `xml:"focusable,attr"`
	Bounds        string    `xml:"bounds,attr"`
	Children      []xmlNode `xml:"node"`
}

// ParseBounds parses the uiautomator bounds form "[x1,y1][x2,y2]".
// Degenerate boxes (zero width or height) are rejected.
func ParseBounds(s string) (*Bounds, error) {
	clean := strings.Trim(strings.ReplaceAll(s, "][", ","), "[]")
	parts := strings.Split(clean, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed bounds %q", s)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &vals[i]); err != nil {
			return nil, fmt.Errorf("malformed bounds %q: %w", s, err)
		}
	}
	b := Bounds{vals[0], vals[1], vals[2], vals[3]}
	if b.X1 >= b.X2 || b.Y1 >= b.Y2 {
		return nil, fmt.Errorf("degenerate bounds %q", s)
	}
	return &b, nil
}

// iou returns (intersection/area(a), intersection/area(b), intersection/union).
func iou(a, b Bounds) (float64, float64, float64) {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)
	if x2 < x1 || y2 < y1 {
		return 0, 0, 0
	}
	inter := float64((x2 - x1) * (y2 - y1))
	areaA, areaB := float64(a.Area()), float64(b.Area())
	union := areaA + areaB - inter
	var ia, ib, u float64
	if areaA > 0 {
		ia = inter / areaA
	}
	if areaB > 0 {
		ib = inter / areaB
	}
	if union > 0 {
		u = inter / union
	}
	return ia, ib, u
}

// Parse extracts the indexed element list from a uiautomator XML dump.
// screenW/screenH are the pixel dimensions used to normalize centers.
func Parse(xmlContent string, screenW, screenH int) ([]Element, error) {
	var root xmlNode
	if err := xml.Unmarshal([]byte(xmlContent), &root); err != nil {
		return nil, fmt.Errorf("parsing UI hierarchy: %w", err)
	}

	tree := buildTree(root, nil)
	candidates := collect(tree)
	candidates = filterContainers(candidates)
	kept := deOverlap(candidates)

	elements := make([]Element, 0, len(kept))
	for i, n := range kept {
		text := n.collectText(3)
		if text == "" {
			// Fall back to the last segment of the class name.
			segs := strings.Split(n.Class, ".")
			text = segs[len(segs)-1]
		}
		cx, cy := n.Bounds.Center()
		elements = append(elements, Element{
			Index:         i + 1,
			Role:          n.Class,
			Text:          text,
			Center:        normalize(cx, cy, screenW, screenH),
			Clickable:     n.Clickable,
			Focusable:     n.Focusable,
			LongClickable: n.LongClickable,
			Bounds:        *n.Bounds,
		})
	}
	return elements, nil
}

func normalize(x, y, w, h int) action.Point {
	if w <= 0 || h <= 0 {
		return action.Point{}
	}
	return action.Point{
		X: x * action.NormalizedMax / w,
		Y: y * action.NormalizedMax / h,
	}
}

func buildTree(xn xmlNode, parent *node) *node {
	n := &node{
		Text:          strings.TrimSpace(xn.Text),
		ContentDesc:   strings.TrimSpace(xn.ContentDesc),
		Class:         xn.Class,
		Clickable:     xn.Clickable == "true",
		LongClickable: xn.LongClickable == "true",
		Focusable:     xn.Focusable == "true",
		Parent:        parent,
	}
	if b, err := ParseBounds(xn.Bounds); err == nil {
		n.Bounds = b
	}
	for _, child := range xn.Children {
		n.Children = append(n.Children, buildTree(child, n))
	}
	return n
}

// collect gathers interactive nodes plus text-bearing nodes whose ancestors
// are not interactive.
func collect(root *node) []*node {
	var out []*node
	var walk func(*node)
	walk = func(n *node) {
		switch {
		case n.interactive() && n.Bounds != nil:
			out = append(out, n)
		case n.displayText() != "" && !n.hasInteractiveAncestor() && n.Bounds != nil:
			out = append(out, n)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return out
}

// filterContainers drops textless wrappers that contain three or more other
// candidates (iou_container < 0.5 while iou_inner > 0.9).
func filterContainers(nodes []*node) []*node {
	exclude := make(map[int]bool)
	for i, container := range nodes {
		contained := 0
		for j, inner := range nodes {
			if i == j {
				continue
			}
			ia, ib, _ := iou(*container.Bounds, *inner.Bounds)
			if ib > 0.9 && ia < 0.5 {
				contained++
			}
		}
		if contained > 2 && container.displayText() == "" {
			exclude[i] = true
		}
	}
	out := make([]*node, 0, len(nodes))
	for i, n := range nodes {
		if !exclude[i] {
			out = append(out, n)
		}
	}
	return out
}

// deOverlap sorts row-major by center and drops any node whose IoU with a
// previously kept node exceeds 0.7. Running it twice yields the same output.
func deOverlap(nodes []*node) []*node {
	sorted := make([]*node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		_, yi := sorted[i].Bounds.Center()
		_, yj := sorted[j].Bounds.Center()
		if yi != yj {
			return yi < yj
		}
		xi, _ := sorted[i].Bounds.Center()
		xj, _ := sorted[j].Bounds.Center()
		return xi < xj
	})

	var kept []*node
	for _, n := range sorted {
		dup := false
		for _, k := range kept {
			if _, _, u := iou(*n.Bounds, *k.Bounds); u > 0.7 {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, n)
		}
	}
	return kept
}

// FormatForLLM renders the element list as compact numbered lines for the
// structured kernel prompt.
func FormatForLLM(elements []Element) string {
	var b strings.Builder
	for _, e := range elements {
		fmt.Fprintf(&b, "[%d] %s (%d,%d)", e.Index, e.Text, e.Center.X, e.Center.Y)
		var flags []string
		if e.Clickable {
			flags = append(flags, "clickable")
		}
		if e.LongClickable {
			flags = append(flags, "long_clickable")
		}
		if e.Focusable {
			flags = append(flags, "focusable")
		}
		if len(flags) > 0 {
			fmt.Fprintf(&b, " {%s}", strings.Join(flags, ","))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
