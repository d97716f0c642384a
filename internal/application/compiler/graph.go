// Package compiler turns an authoring UI graph plus a Spec into the
// executable prompt-graph a worker node consumes, resolving mute/bypass/
// switch pass-through, aligning positional widget values with
// schema-ordered named fields, and applying user-supplied bindings.
package compiler

import (
	"fmt"

	"github.com/smilemakc/workforge/internal/domain"
)

// graphIndex is the compiler's working view of a UIGraph: nodes and links
// keyed for O(1) lookup, plus the reverse adjacency (node -> incoming
// links) the reachability walk traverses.
type graphIndex struct {
	nodeByID map[string]*domain.UINode
	linkByID map[int]*domain.UILink
	// incomingLinks maps a destination node id to the links that target it.
	incomingLinks map[string][]*domain.UILink
}

func newGraphIndex(g domain.UIGraph) (*graphIndex, error) {
	idx := &graphIndex{
		nodeByID:      make(map[string]*domain.UINode, len(g.Nodes)),
		linkByID:      make(map[int]*domain.UILink, len(g.Links)),
		incomingLinks: make(map[string][]*domain.UILink),
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" || n.ClassType == "" {
			return nil, domain.NewDomainError(domain.ErrCodeInvalidGraph, "node missing id or class_type", nil)
		}
		if _, dup := idx.nodeByID[n.ID]; dup {
			return nil, domain.NewDomainError(domain.ErrCodeInvalidGraph, fmt.Sprintf("duplicate node id %q", n.ID), nil)
		}
		idx.nodeByID[n.ID] = n
	}
	for i := range g.Links {
		l := &g.Links[i]
		idx.linkByID[l.ID] = l
		idx.incomingLinks[l.DstID] = append(idx.incomingLinks[l.DstID], l)
	}
	return idx, nil
}

func (idx *graphIndex) node(id string) (*domain.UINode, error) {
	n, ok := idx.nodeByID[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidGraph, fmt.Sprintf("reference to unknown node %q", id), nil)
	}
	return n, nil
}

// linkInto returns the link feeding the port at slot on the node's input
// list, if that port is linked rather than a widget.
func (idx *graphIndex) linkInto(nodeID string, slot int) *domain.UILink {
	for _, l := range idx.incomingLinks[nodeID] {
		if l.DstSlot == slot {
			return l
		}
	}
	return nil
}

// resolvedSource is the ultimate (node, slot) an input link resolves to
// once every mute/bypass/switch node in the chain has been walked
// through.
type resolvedSource struct {
	NodeID string
	Slot   int
}

// resolver walks the pass-through chain starting at any link and finds
// the first node in it that is actually executable (not muted, not
// bypass, not a switch, not a UI-only class). It also accumulates the set
// of active (executable) node ids as a side effect of the walk, since
// that set is exactly "every node a resolution bottomed out on."
type resolver struct {
	idx      *graphIndex
	active   map[string]bool
	visiting map[string]bool
}

func newResolver(idx *graphIndex) *resolver {
	return &resolver{
		idx:      idx,
		active:   make(map[string]bool),
		visiting: make(map[string]bool),
	}
}

// resolveFrom resolves the ultimate source feeding the link pointing at
// (nodeID, slot), walking through pass-through nodes. requestedType, when
// non-empty, is the output port type the consumer expects — used to pick
// the matching bypass input when more than one is linked.
func (r *resolver) resolveFrom(link *domain.UILink, requestedType string) (resolvedSource, error) {
	srcNode, err := r.idx.node(link.SrcID)
	if err != nil {
		return resolvedSource{}, err
	}
	return r.resolveNode(srcNode, link.SrcSlot, requestedType)
}

func (r *resolver) resolveNode(n *domain.UINode, outSlot int, requestedType string) (resolvedSource, error) {
	if r.visiting[n.ID] {
		return resolvedSource{}, domain.NewDomainError(domain.ErrCodeInvalidGraph,
			fmt.Sprintf("cycle detected through pass-through node %q", n.ID), nil)
	}

	if n.Mode == domain.NodeModeMuted {
		return resolvedSource{}, domain.NewDomainError(domain.ErrCodeInvalidGraph,
			fmt.Sprintf("node %q is muted but still referenced by a live link", n.ID), nil)
	}

	if domain.IsUIOnlyClassType(n.ClassType) || n.Mode == domain.NodeModeBypass || domain.IsSwitchClassType(n.ClassType) {
		r.visiting[n.ID] = true
		defer delete(r.visiting, n.ID)

		var through *domain.UILink
		var err error
		if domain.IsSwitchClassType(n.ClassType) {
			through, err = r.choosePassThroughSwitch(n)
		} else {
			through, err = r.choosePassThroughBypass(n, requestedType)
		}
		if err != nil {
			return resolvedSource{}, err
		}
		if through == nil {
			return resolvedSource{}, domain.NewDomainError(domain.ErrCodeInvalidGraph,
				fmt.Sprintf("pass-through node %q has no connected input to resolve through", n.ID), nil)
		}
		return r.resolveFrom(through, requestedType)
	}

	// A genuine executable node: this is where resolution bottoms out.
	r.active[n.ID] = true
	return resolvedSource{NodeID: n.ID, Slot: outSlot}, nil
}

// choosePassThroughBypass implements the bypass rule: prefer
// the input slot whose port type matches the requested output type, else
// fall back to the first linked input.
func (r *resolver) choosePassThroughBypass(n *domain.UINode, requestedType string) (*domain.UILink, error) {
	links := r.idx.incomingLinks[n.ID]
	if len(links) == 0 {
		return nil, nil
	}
	if requestedType != "" {
		for _, l := range links {
			if l.Type == requestedType {
				return l, nil
			}
		}
	}
	return firstBySlot(links), nil
}

// choosePassThroughSwitch implements the switch rule: pick the
// first connected input in fixed priority order (any_01, any_02, ...),
// then fall back to the first-connected input by slot order.
func (r *resolver) choosePassThroughSwitch(n *domain.UINode) (*domain.UILink, error) {
	links := r.idx.incomingLinks[n.ID]
	if len(links) == 0 {
		return nil, nil
	}
	byName := switchInputsByPriorityName(n)
	for _, port := range byName {
		if port.Link == nil {
			continue
		}
		if l := r.idx.linkByID[*port.Link]; l != nil {
			return l, nil
		}
	}
	return firstBySlot(links), nil
}

// switchInputsByPriorityName returns n's declared input ports ordered by
// the fixed "any_01", "any_02", ... naming convention the authoring tool
// uses for switch node fan-in, for ports that follow it; ports that don't
// match the convention are appended in declaration order as a fallback
// set consulted after all named ones.
func switchInputsByPriorityName(n *domain.UINode) []domain.UIPort {
	named := make([]domain.UIPort, 0, len(n.Inputs))
	rest := make([]domain.UIPort, 0, len(n.Inputs))
	for _, p := range n.Inputs {
		if isAnyNPortName(p.Name) {
			named = append(named, p)
		} else {
			rest = append(rest, p)
		}
	}
	return append(named, rest...)
}

func isAnyNPortName(name string) bool {
	if len(name) != len("any_01") {
		return false
	}
	if name[:4] != "any_" {
		return false
	}
	return name[4] >= '0' && name[4] <= '9' && name[5] >= '0' && name[5] <= '9'
}

func firstBySlot(links []*domain.UILink) *domain.UILink {
	best := links[0]
	for _, l := range links[1:] {
		if l.DstSlot < best.DstSlot {
			best = l
		}
	}
	return best
}

// discoverActiveNodes performs the reachability BFS: starting
// from every node whose class is a designated output (SaveImage,
// PreviewImage), it walks backward through the graph, honoring mute/
// bypass/switch semantics, and returns the set of node ids that will
// appear in the executable graph.
func discoverActiveNodes(idx *graphIndex) (map[string]bool, *resolver, error) {
	r := newResolver(idx)
	var queue []*domain.UINode
	for _, n := range idx.nodeByID {
		if domain.IsTerminalClassType(n.ClassType) && n.Mode != domain.NodeModeMuted {
			queue = append(queue, n)
		}
	}

	visited := make(map[string]bool)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if visited[n.ID] {
			continue
		}
		visited[n.ID] = true
		r.active[n.ID] = true

		for _, port := range n.Inputs {
			if port.Link == nil {
				continue
			}
			link := idx.linkByID[*port.Link]
			if link == nil {
				continue
			}
			src, err := idx.node(link.SrcID)
			if err != nil {
				return nil, nil, err
			}
			resolved, err := r.resolveNode(src, link.SrcSlot, port.Type)
			if err != nil {
				return nil, nil, err
			}
			if !visited[resolved.NodeID] {
				if next, ok := idx.nodeByID[resolved.NodeID]; ok {
					queue = append(queue, next)
				}
			}
		}
	}
	return r.active, r, nil
}
