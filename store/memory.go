package store

// Consolidated memory kinds.
const (
	MemoryKindEpisodic   = "episodic"
	MemoryKindSemantic   = "semantic"
	MemoryKindProcedural = "procedural"
)

// Storage tiers.
const (
	TierHot  = "hot"
	TierWarm = "warm"
	TierCold = "cold"
)

// ConsolidatedMemory is a higher-level memory derived from a batch of events.
// Later consolidation runs over overlapping windows supersede (never delete)
// earlier memories, preserving auditability.
type ConsolidatedMemory struct {
	ID             string
	Kind           string
	ThreadID       string
	SourceEventIDs []string
	// ImportanceScore is always recomputed deterministically from its
	// declared factors, never hand-edited.
	ImportanceScore float32
	Summary         string
	Topic           string
	WindowStartTs   int64
	WindowEndTs     int64
	SupersededBy    *string
	CreatedTs       int64

	// Tiering state, maintained by the sweep only.
	Tier            string
	Critical        bool
	AccessCount     int
	LastAccessTs    int64
	LastPromotionTs int64
}

// FindConsolidatedMemory specifies the conditions for finding consolidated memories.
type FindConsolidatedMemory struct {
	ID       *string
	ThreadID *string
	Kinds    []string
	Topic    *string
	Tier     *string
	// ActiveOnly excludes superseded memories.
	ActiveOnly bool
	// Overlapping selects memories whose window overlaps [StartTs, EndTs).
	OverlapStartTs *int64
	OverlapEndTs   *int64
	Limit          int
	Offset         int
}

// UpdateConsolidatedMemory specifies the mutable bookkeeping fields.
type UpdateConsolidatedMemory struct {
	ID string

	SupersededBy    *string
	Tier            *string
	Critical        *bool
	LastPromotionTs *int64
}
