package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep      NodeKind = "step"
	NodeKindCondition NodeKind = "condition"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a chain step, or the virtual start and end markers.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge represents ordering between two nodes. Label holds the step condition
// for edges entering a gated step.
type Edge struct {
	From  string
	To    string
	Label string
}

// node returns the node with the given ID, or nil.
func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// incoming returns the label of the first labelled edge into id.
func (m *DiagramModel) incoming(id string) string {
	for _, e := range m.Edges {
		if e.To == id && e.Label != "" {
			return e.Label
		}
	}
	return ""
}
