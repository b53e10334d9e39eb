package store

// VectorPayload is the filterable metadata stored alongside an embedding.
// Enhancement merges into it non-destructively: fields are only added or
// refined, never removed.
type VectorPayload struct {
	ThreadID   string   `json:"thread_id"`
	AgentName  string   `json:"agent_name"`
	EventType  string   `json:"event_type"`
	Timestamp  int64    `json:"timestamp"`
	Importance float32  `json:"importance"`
	MemoryKind string   `json:"memory_kind,omitempty"`
	Entities   []string `json:"entities,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	Sentiment  string   `json:"sentiment,omitempty"`
	Intent     string   `json:"intent,omitempty"`
}

// Vector record owner kinds.
const (
	VectorOwnerEvent  = "event"
	VectorOwnerMemory = "memory"
)

// VectorRecord stores the embedding(s) and payload for one event or one
// consolidated memory. It is keyed by the owner id, so re-ingesting the same
// event upserts rather than duplicates.
type VectorRecord struct {
	ID        string // same id as the owning event or memory
	OwnerKind string // "event" or "memory"
	Embedding []float32
	// ContextEmbedding optionally embeds surrounding thread context.
	ContextEmbedding []float32
	Payload          VectorPayload
	Model            string
	CreatedTs        int64
	UpdatedTs        int64
}

// FindVectorRecord is the find condition for vector records.
type FindVectorRecord struct {
	ID        *string
	OwnerKind *string
	ThreadID  *string
	Limit     int
}

// VectorSearchOptions represents the options for nearest-neighbor search.
type VectorSearchOptions struct {
	ThreadID string // required scope
	Vector   []float32
	Limit    int
	// OwnerKinds filters by record owner ("event", "memory"); empty = both.
	OwnerKinds []string
	MinScore   float32
}

// VectorHit is a vector search result with its similarity score.
type VectorHit struct {
	Record *VectorRecord
	Score  float32 // cosine similarity in [0,1], higher is closer
}
