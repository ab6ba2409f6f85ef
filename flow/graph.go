package flow

import (
	"fmt"
	"time"
)

// End is the synthetic terminal node. Routing to it, or a router returning
// no successors, completes the run.
const End = "END"

// DefaultStageTimeout bounds a stage attempt when its spec does not.
const DefaultStageTimeout = 5 * time.Minute

// DefaultMaxAttempts bounds stage retries when the spec does not.
const DefaultMaxAttempts = 3

// StageSpec is the static description of one stage node.
type StageSpec struct {
	// Name identifies the stage within its graph.
	Name string

	// InputFields lists the state fields the stage reads, for documentation
	// and input validation.
	InputFields []string

	// OutputSlot is the single slot the stage may write.
	OutputSlot string

	// MaySuspend marks stages allowed to pause the run.
	MaySuspend bool

	// MaxAttempts bounds retries of this stage. Zero means the default.
	MaxAttempts int

	// Timeout bounds each attempt. The timeout is enforced literally; the
	// graph builder applies DefaultStageTimeout for a zero value at build
	// time, so a spec that still carries zero expires immediately.
	Timeout time.Duration
}

// Router picks the successors of a stage from the merged state. It must be a
// pure function. Returning no names terminates the run as completed; more
// than one name enters fan-out.
type Router func(s *RunState) []string

// Edge is one outgoing routing rule.
type Edge struct {
	From string

	// To is the unconditional successor; empty when Router is set.
	To string

	// Router computes successors dynamically.
	Router Router

	// Join names the node that merges fan-out branches when Router may
	// return more than one successor.
	Join string
}

// Graph is a registered workflow topology: stage specs, edges, and an entry
// node. Graphs are immutable once registered with an engine.
type Graph struct {
	name   string
	entry  string
	stages map[string]StageSpec
	edges  map[string]Edge
	frozen bool
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:   name,
		stages: make(map[string]StageSpec),
		edges:  make(map[string]Edge),
	}
}

// Name returns the graph's registered name.
func (g *Graph) Name() string { return g.name }

// AddStage declares a stage node. Defaults are applied here: zero
// MaxAttempts becomes DefaultMaxAttempts and zero Timeout becomes
// DefaultStageTimeout.
func (g *Graph) AddStage(spec StageSpec) error {
	if g.frozen {
		return Errf(KindInternal, "", "graph %s is frozen", g.name)
	}
	if spec.Name == "" || spec.Name == End {
		return Errf(KindValidation, "", "invalid stage name %q", spec.Name)
	}
	if _, exists := g.stages[spec.Name]; exists {
		return Errf(KindValidation, "", "stage %q already declared", spec.Name)
	}
	if spec.OutputSlot == "" {
		return Errf(KindValidation, spec.Name, "stage %q declares no output slot", spec.Name)
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = DefaultMaxAttempts
	}
	if spec.Timeout == 0 {
		spec.Timeout = DefaultStageTimeout
	}
	g.stages[spec.Name] = spec
	return nil
}

// Connect declares an unconditional edge from → to.
func (g *Graph) Connect(from, to string) error {
	if g.frozen {
		return Errf(KindInternal, "", "graph %s is frozen", g.name)
	}
	if _, exists := g.edges[from]; exists {
		return Errf(KindValidation, from, "stage %q already has an outgoing edge", from)
	}
	g.edges[from] = Edge{From: from, To: to}
	return nil
}

// ConnectRouter declares a conditional edge. join names the fan-in node used
// when the router returns more than one successor; it may be empty for
// routers that always pick at most one.
func (g *Graph) ConnectRouter(from string, router Router, join string) error {
	if g.frozen {
		return Errf(KindInternal, "", "graph %s is frozen", g.name)
	}
	if router == nil {
		return Errf(KindValidation, from, "nil router on %q", from)
	}
	if _, exists := g.edges[from]; exists {
		return Errf(KindValidation, from, "stage %q already has an outgoing edge", from)
	}
	g.edges[from] = Edge{From: from, Router: router, Join: join}
	return nil
}

// SetEntry names the graph's entry stage.
func (g *Graph) SetEntry(name string) error {
	if g.frozen {
		return Errf(KindInternal, "", "graph %s is frozen", g.name)
	}
	g.entry = name
	return nil
}

// Entry returns the entry stage name.
func (g *Graph) Entry() string { return g.entry }

// Spec returns the spec of a declared stage.
func (g *Graph) Spec(name string) (StageSpec, bool) {
	spec, ok := g.stages[name]
	return spec, ok
}

// edge returns the outgoing edge of a stage, if any.
func (g *Graph) edge(from string) (Edge, bool) {
	e, ok := g.edges[from]
	return e, ok
}

// SlotCount returns the number of distinct output slots the graph declares,
// the denominator of the progress metric.
func (g *Graph) SlotCount() int {
	slots := make(map[string]bool, len(g.stages))
	for _, spec := range g.stages {
		slots[spec.OutputSlot] = true
	}
	return len(slots)
}

// StageNames returns the declared stage names in no particular order.
func (g *Graph) StageNames() []string {
	names := make([]string, 0, len(g.stages))
	for name := range g.stages {
		names = append(names, name)
	}
	return names
}

// Validate checks structural integrity: an entry exists, every edge target
// is declared or End, and every router edge with fan-out potential names a
// declared join.
func (g *Graph) Validate() error {
	if g.entry == "" {
		return Errf(KindValidation, "", "graph %s has no entry stage", g.name)
	}
	if _, ok := g.stages[g.entry]; !ok {
		return Errf(KindValidation, "", "entry stage %q is not declared", g.entry)
	}
	for from, e := range g.edges {
		if _, ok := g.stages[from]; !ok {
			return Errf(KindValidation, from, "edge from undeclared stage %q", from)
		}
		if e.To != "" && e.To != End {
			if _, ok := g.stages[e.To]; !ok {
				return Errf(KindValidation, from, "edge %s -> %s targets undeclared stage", from, e.To)
			}
		}
		if e.Join != "" {
			if _, ok := g.stages[e.Join]; !ok {
				return Errf(KindValidation, from, "join %q of %s is not declared", e.Join, from)
			}
		}
	}
	return nil
}

// freeze makes the graph immutable. Called by the engine at registration.
func (g *Graph) freeze() { g.frozen = true }

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("graph %s (%d stages, entry %s)", g.name, len(g.stages), g.entry)
}
