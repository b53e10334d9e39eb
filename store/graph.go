package store

// Graph node types. Nodes are created lazily on first reference and are
// unique per (type, key) with idempotent upsert semantics.
const (
	NodeTypeThread  = "thread"
	NodeTypeAgent   = "agent"
	NodeTypeConcept = "concept"
	NodeTypeEntity  = "entity"
	NodeTypeOutcome = "outcome"
	// NodeTypeEvent anchors an event in the graph so temporal chains
	// (followed_by) and mention edges have a stable subject.
	NodeTypeEvent = "event"
)

// GraphNode represents a typed node in the knowledge graph.
type GraphNode struct {
	Type      string
	Key       string
	Label     string
	CreatedTs int64
}

// NodeID returns the canonical "type:key" identifier of a node.
func (n *GraphNode) NodeID() string {
	return n.Type + ":" + n.Key
}

// Edge predicates.
const (
	PredicateParticipatedIn = "participated_in"
	PredicateRelatesTo      = "relates_to"
	PredicateMentions       = "mentions"
	PredicateFollowedBy     = "followed_by"
	PredicateLedTo          = "led_to"
)

// GraphEdge is a typed, time-scoped, weighted relationship. Edges are
// append-only with validity intervals: a contradicting observation closes the
// open interval and opens a new one, it never mutates history.
type GraphEdge struct {
	ID          int64
	SubjectType string
	SubjectKey  string
	Predicate   string
	ObjectType  string
	ObjectKey   string
	ThreadID    string
	// Value is the observed relationship value; a new observation with a
	// different value for the same (subject, predicate, object) contradicts
	// the open interval.
	Value string

	StartTs int64
	// EndTs is nil while the interval is still valid.
	EndTs *int64

	Strength           float32
	ReinforcementCount int
}

// SubjectID returns the canonical node id of the edge subject.
func (e *GraphEdge) SubjectID() string { return e.SubjectType + ":" + e.SubjectKey }

// ObjectID returns the canonical node id of the edge object.
func (e *GraphEdge) ObjectID() string { return e.ObjectType + ":" + e.ObjectKey }

// GraphEdgeObservation is one re-observation of a semantic relationship.
type GraphEdgeObservation struct {
	SubjectType string
	SubjectKey  string
	Predicate   string
	ObjectType  string
	ObjectKey   string
	ThreadID    string
	Value       string
	Strength    float32
	ObservedTs  int64
}

// FindGraphNode is the find condition for graph nodes.
type FindGraphNode struct {
	Type  *string
	Key   *string
	Keys  []string
	Limit int
}

// FindGraphEdge is the find condition for graph edges.
type FindGraphEdge struct {
	SubjectType *string
	SubjectKey  *string
	Predicate   *string
	ObjectKey   *string
	ThreadID    *string
	// TouchingKeys selects edges whose subject or object key is in the set.
	TouchingKeys []string
	// OpenOnly selects edges whose validity interval has not been closed.
	OpenOnly bool
	Limit    int
}

// ReinforcedStrength recomputes edge strength as a decayed moving average
// when the same semantic relationship is re-observed. count is the
// reinforcement count before this observation.
func ReinforcedStrength(old, observed float32, count int) float32 {
	if count <= 0 {
		return observed
	}
	// Newer observations weigh more as the history grows stale, but a single
	// observation never dominates an established edge.
	alpha := float32(1.0) / float32(count+1)
	if alpha < 0.1 {
		alpha = 0.1
	}
	s := old*(1-alpha) + observed*alpha
	if s > 1 {
		s = 1
	}
	if s < 0 {
		s = 0
	}
	return s
}
