package engine

import (
	"fmt"
	"sort"
	"strings"
)

// EdgeKind distinguishes dataflow edges from error-routing edges.
type EdgeKind uint8

const (
	// EdgeNormal carries a block's output to its successor.
	EdgeNormal EdgeKind = iota

	// EdgeError routes a terminal failure envelope to a handler.
	EdgeError
)

// String returns the lowercase name of the kind.
func (k EdgeKind) String() string {
	switch k {
	case EdgeNormal:
		return "normal"
	case EdgeError:
		return "error"
	default:
		return fmt.Sprintf("edge(%d)", uint8(k))
	}
}

// Edge is a directed link between two blocks.
type Edge struct {
	From BlockID
	To   BlockID
	Kind EdgeKind

	// Back is set on Normal edges that close a cycle.
	Back bool
}

// Budget bounds how often nodes may fire in one run.
type Budget struct {
	// PerNode is the maximum number of firings of a single node.
	PerNode int

	// Total is the maximum number of firings across the run.
	Total int
}

// DefaultIterationBudget applies to both budget limits when unset.
const DefaultIterationBudget = 10_000

// withDefaults fills unset limits.
func (b Budget) withDefaults() Budget {
	if b.PerNode <= 0 {
		b.PerNode = DefaultIterationBudget
	}
	if b.Total <= 0 {
		b.Total = DefaultIterationBudget
	}
	return b
}

// node is one arena slot of a definition.
type node struct {
	id     BlockID
	name   string
	typ    string
	exec   Executor
	policy Policy

	// Indexes into Definition.edges.
	in     []int
	out    []int
	errOut []int
	errIn  []int

	loopHead bool
}

// isPureHandler reports whether the node is reachable only through error edges.
func (n *node) isPureHandler() bool {
	return len(n.errIn) > 0 && len(n.in) == 0
}

// Definition is a built, immutable workflow graph. It is safe to run
// concurrently from many goroutines.
type Definition struct {
	id     string
	name   string
	nodes  []node
	edges  []Edge
	budget Budget

	entries []BlockID
	sinks   []BlockID

	primarySink    BlockID
	hasPrimarySink bool

	output    BlockID
	hasOutput bool
}

// BlockInfo describes one node of a definition.
type BlockInfo struct {
	ID       BlockID
	Name     string
	Type     string
	Policy   Policy
	LoopHead bool
}

// Label returns the display name of the block, falling back to its id.
func (b BlockInfo) Label() string {
	if b.Name != "" {
		return b.Name
	}
	return b.ID.String()
}

// ID returns the workflow id shared by every run of the definition.
func (d *Definition) ID() string {
	return d.id
}

// Name returns the workflow display name.
func (d *Definition) Name() string {
	return d.name
}

// Len returns the number of blocks.
func (d *Definition) Len() int {
	return len(d.nodes)
}

// Budget returns the iteration budget of the definition.
func (d *Definition) Budget() Budget {
	return d.budget
}

// Block returns information about id.
func (d *Definition) Block(id BlockID) (BlockInfo, bool) {
	if !d.valid(id) {
		return BlockInfo{}, false
	}
	n := &d.nodes[id]
	return BlockInfo{
		ID:       n.id,
		Name:     n.name,
		Type:     n.typ,
		Policy:   n.policy,
		LoopHead: n.loopHead,
	}, true
}

// Blocks returns information about every block in id order.
func (d *Definition) Blocks() []BlockInfo {
	infos := make([]BlockInfo, 0, len(d.nodes))
	for i := range d.nodes {
		info, _ := d.Block(BlockID(i))
		infos = append(infos, info)
	}
	return infos
}

// Edges returns a copy of all edges in insertion order.
func (d *Definition) Edges() []Edge {
	out := make([]Edge, len(d.edges))
	copy(out, d.edges)
	return out
}

// Entries returns the nodes fired with the run input.
func (d *Definition) Entries() []BlockID {
	return append([]BlockID(nil), d.entries...)
}

// Sinks returns the nodes without outgoing Normal edges, excluding pure
// error handlers, in id order.
func (d *Definition) Sinks() []BlockID {
	return append([]BlockID(nil), d.sinks...)
}

// Output returns the designated output node, if any.
func (d *Definition) Output() (BlockID, bool) {
	return d.output, d.hasOutput
}

// Successors returns the targets of id's Normal edges in insertion order.
func (d *Definition) Successors(id BlockID) []BlockID {
	if !d.valid(id) {
		return nil
	}
	out := make([]BlockID, 0, len(d.nodes[id].out))
	for _, e := range d.nodes[id].out {
		out = append(out, d.edges[e].To)
	}
	return out
}

// Predecessors returns the sources of id's inbound Normal edges in insertion order.
func (d *Definition) Predecessors(id BlockID) []BlockID {
	if !d.valid(id) {
		return nil
	}
	out := make([]BlockID, 0, len(d.nodes[id].in))
	for _, e := range d.nodes[id].in {
		out = append(out, d.edges[e].From)
	}
	return out
}

// Handlers returns the error handlers attached to id in insertion order.
func (d *Definition) Handlers(id BlockID) []BlockID {
	if !d.valid(id) {
		return nil
	}
	out := make([]BlockID, 0, len(d.nodes[id].errOut))
	for _, e := range d.nodes[id].errOut {
		out = append(out, d.edges[e].To)
	}
	return out
}

// IsLoopHead reports whether id has an inbound back-edge.
func (d *Definition) IsLoopHead(id BlockID) bool {
	return d.valid(id) && d.nodes[id].loopHead
}

// HasCycles reports whether any Normal edge closes a cycle.
func (d *Definition) HasCycles() bool {
	for _, e := range d.edges {
		if e.Back {
			return true
		}
	}
	return false
}

func (d *Definition) valid(id BlockID) bool {
	return id >= 0 && int(id) < len(d.nodes)
}

// buildDefinition indexes edges, classifies back-edges and validates the graph.
func buildDefinition(id, name string, nodes []node, edges []Edge, output *BlockID, budget Budget) (*Definition, error) {
	if len(nodes) == 0 {
		return nil, graphInvalid("workflow has no blocks")
	}

	d := &Definition{
		id:     id,
		name:   name,
		nodes:  nodes,
		edges:  edges,
		budget: budget.withDefaults(),
	}

	for i, e := range d.edges {
		if !d.valid(e.From) {
			return nil, graphInvalid(fmt.Sprintf("edge %d references unknown block %s", i, e.From))
		}
		if !d.valid(e.To) {
			return nil, graphInvalid(fmt.Sprintf("edge %d references unknown block %s", i, e.To))
		}
		from, to := &d.nodes[e.From], &d.nodes[e.To]
		switch e.Kind {
		case EdgeNormal:
			from.out = append(from.out, i)
			to.in = append(to.in, i)
		case EdgeError:
			from.errOut = append(from.errOut, i)
			to.errIn = append(to.errIn, i)
		default:
			return nil, graphInvalid(fmt.Sprintf("edge %d has unknown kind %s", i, e.Kind))
		}
	}

	d.classifyBackEdges()

	for i := range d.nodes {
		n := &d.nodes[i]
		if n.isPureHandler() {
			continue
		}
		forward := 0
		for _, e := range n.in {
			if !d.edges[e].Back {
				forward++
			}
		}
		if forward == 0 {
			d.entries = append(d.entries, n.id)
		}
		if len(n.out) == 0 {
			d.sinks = append(d.sinks, n.id)
		}
	}

	if len(d.entries) == 0 {
		return nil, graphInvalid("workflow has no entry block")
	}

	if output != nil {
		if !d.valid(*output) {
			return nil, graphInvalid(fmt.Sprintf("output references unknown block %s", *output))
		}
		if d.nodes[*output].isPureHandler() {
			return nil, graphInvalid(fmt.Sprintf("output %s is an error handler", *output))
		}
		d.output = *output
		d.hasOutput = true
	}

	d.resolvePrimarySink()
	return d, nil
}

// classifyBackEdges runs a depth-first search in ascending id order, first
// from nodes without inbound Normal edges, then from any node left unvisited.
// An edge is a back-edge when its target is on the recursion stack.
func (d *Definition) classifyBackEdges() {
	visited := make([]bool, len(d.nodes))
	onStack := make([]bool, len(d.nodes))

	var visit func(id BlockID)
	visit = func(id BlockID) {
		visited[id] = true
		onStack[id] = true
		for _, e := range d.nodes[id].out {
			to := d.edges[e].To
			if onStack[to] {
				d.edges[e].Back = true
				d.nodes[to].loopHead = true
				continue
			}
			if !visited[to] {
				visit(to)
			}
		}
		onStack[id] = false
	}

	for i := range d.nodes {
		if len(d.nodes[i].in) == 0 && !visited[i] {
			visit(BlockID(i))
		}
	}
	for i := range d.nodes {
		if !visited[i] {
			visit(BlockID(i))
		}
	}
}

// resolvePrimarySink picks the sink used when several exist: the target of
// the most recently inserted Normal edge if it is a sink, otherwise the sink
// with the smallest id.
func (d *Definition) resolvePrimarySink() {
	if len(d.sinks) == 0 {
		return
	}
	for i := len(d.edges) - 1; i >= 0; i-- {
		e := d.edges[i]
		if e.Kind != EdgeNormal {
			continue
		}
		if d.isSink(e.To) {
			d.primarySink = e.To
			d.hasPrimarySink = true
			return
		}
		break
	}
	d.primarySink = d.sinks[0]
	d.hasPrimarySink = true
}

func (d *Definition) isSink(id BlockID) bool {
	i := sort.Search(len(d.sinks), func(i int) bool { return d.sinks[i] >= id })
	return i < len(d.sinks) && d.sinks[i] == id
}

func graphInvalid(msg string) *RuntimeError {
	return NewRuntimeError(RuntimeGraphInvalid, msg, nil)
}

// ToDOT renders the definition in Graphviz DOT format. Error edges are dashed
// and back-edges are drawn in blue.
func (d *Definition) ToDOT() string {
	var sb strings.Builder

	name := d.name
	if name == "" {
		name = "workflow"
	}
	sb.WriteString(fmt.Sprintf("digraph %q {\n", name))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i := range d.nodes {
		n := &d.nodes[i]
		label := n.name
		if label == "" {
			label = n.id.String()
		}
		typ := n.typ
		if typ == "" {
			typ = "custom"
		}
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\\n(%s)\", %s];\n",
			n.id.String(), escapeDOT(label), escapeDOT(typ), d.nodeStyle(n)))
	}

	sb.WriteString("\n")
	for _, e := range d.edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n",
			e.From.String(), e.To.String(), edgeStyle(e)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (d *Definition) nodeStyle(n *node) string {
	switch {
	case d.hasOutput && d.output == n.id:
		return "color=darkgreen, penwidth=2"
	case n.isPureHandler():
		return "color=firebrick"
	case n.loopHead:
		return "color=blue"
	default:
		return "color=black"
	}
}

func edgeStyle(e Edge) string {
	switch {
	case e.Kind == EdgeError:
		return "style=dashed, color=firebrick"
	case e.Back:
		return "style=solid, color=blue, constraint=false"
	default:
		return "style=solid, color=black"
	}
}

func escapeDOT(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
