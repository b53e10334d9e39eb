package store

// Event is the immutable record of one interaction or tool execution.
// Events are created once by ingestion and never mutated afterwards; later
// stages only touch bookkeeping columns (link status, enhancement state,
// tombstone) and the metadata key/value bag.
type Event struct {
	ID        string // ULID, monotonic sortable
	ThreadID  string
	AgentName string
	EventType string
	Content   string
	Metadata  map[string]string
	Tags      []string
	CreatedTs int64

	// LinkStatus tracks cross-layer write completion.
	LinkStatus string
	// EnhancedTs is zero until the enhancement stage has fully processed the event.
	EnhancedTs int64
	// ClaimedBy and ClaimExpiresTs implement the enhancement claim/lease.
	ClaimedBy      string
	ClaimExpiresTs int64
	// RetryCount counts failed enhancement attempts.
	RetryCount int
	// Tombstone marks logical deletion. Tombstoned events are skipped by retrieval.
	Tombstone bool
}

// Event type constants. Tool executions are ingested identically to
// conversational events, only the type differs.
const (
	EventTypeMessage       = "message"
	EventTypeToolExecution = "tool_execution"
	EventTypeDecision      = "decision"
	EventTypeObservation   = "observation"
)

// Link status constants.
const (
	LinkStatusLinked          = "linked"
	LinkStatusPartiallyLinked = "partially_linked"
)

// Metadata keys for explicit cross-layer links.
const (
	MetadataKeyVectorID      = "vector_id"
	MetadataKeyGraphNodeIDs  = "graph_node_ids"
	MetadataKeyMissingLayers = "missing_layers"
)

// FindEvent specifies the conditions for finding events.
type FindEvent struct {
	ID        *string
	IDs       []string
	ThreadID  *string
	AgentName *string
	EventType *string
	Tag       *string
	// Keyword matches against event content (substring, case-insensitive).
	Keyword *string
	// AfterTs/BeforeTs bound CreatedTs (inclusive lower, exclusive upper).
	AfterTs  *int64
	BeforeTs *int64

	LinkStatus *string
	// Unenhanced selects events with EnhancedTs = 0.
	Unenhanced bool
	// IncludeTombstoned includes logically deleted events.
	IncludeTombstoned bool

	// OrderAsc orders by created_ts ascending (oldest first). Default is descending.
	OrderAsc bool
	Limit    int
	Offset   int
}

// UpdateEvent specifies the bookkeeping fields to update for an event.
// The event fact itself (content, thread, agent, type) is immutable.
type UpdateEvent struct {
	ID string

	Metadata   *map[string]string
	LinkStatus *string
	EnhancedTs *int64
	RetryCount *int
	Tombstone  *bool
	// ClearClaim releases the enhancement claim.
	ClearClaim bool
}
