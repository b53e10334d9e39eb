package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that a store database driver should implement.
//
// The event keyspace is the single source of truth. The vector and graph
// keyspaces are derived and rebuildable from events plus enhancement
// metadata; drivers must never make them authoritative.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)
	Migrate(ctx context.Context) error

	// Event model related methods. Events are append-mostly: UpsertEvent is
	// idempotent on id and UpdateEvent touches bookkeeping columns only.
	UpsertEvent(ctx context.Context, upsert *Event) (*Event, error)
	ListEvents(ctx context.Context, find *FindEvent) ([]*Event, error)
	UpdateEvent(ctx context.Context, update *UpdateEvent) (*Event, error)
	// ClaimUnenhancedEvents atomically claims up to limit unenhanced events
	// for the given worker, oldest first. Events already claimed with an
	// unexpired lease are skipped.
	ClaimUnenhancedEvents(ctx context.Context, workerID string, limit int, leaseUntilTs int64, nowTs int64) ([]*Event, error)

	// VectorRecord model related methods.
	UpsertVectorRecord(ctx context.Context, upsert *VectorRecord) (*VectorRecord, error)
	ListVectorRecords(ctx context.Context, find *FindVectorRecord) ([]*VectorRecord, error)
	DeleteVectorRecord(ctx context.Context, id string) error
	// VectorSearch performs nearest-neighbor search scoped to a thread.
	VectorSearch(ctx context.Context, opts *VectorSearchOptions) ([]*VectorHit, error)

	// Graph model related methods. UpsertGraphNode is idempotent on
	// (type, key). ObserveGraphEdge applies interval-versioned append-only
	// semantics: reinforcement when the open interval agrees with the
	// observation, close-and-reopen when it contradicts.
	UpsertGraphNode(ctx context.Context, upsert *GraphNode) (*GraphNode, error)
	ListGraphNodes(ctx context.Context, find *FindGraphNode) ([]*GraphNode, error)
	ObserveGraphEdge(ctx context.Context, obs *GraphEdgeObservation) (*GraphEdge, error)
	ListGraphEdges(ctx context.Context, find *FindGraphEdge) ([]*GraphEdge, error)

	// ConsolidatedMemory model related methods.
	CreateConsolidatedMemory(ctx context.Context, create *ConsolidatedMemory) (*ConsolidatedMemory, error)
	ListConsolidatedMemories(ctx context.Context, find *FindConsolidatedMemory) ([]*ConsolidatedMemory, error)
	UpdateConsolidatedMemory(ctx context.Context, update *UpdateConsolidatedMemory) (*ConsolidatedMemory, error)
	// RecordMemoryAccess bumps access_count and last_access_ts for the ids.
	RecordMemoryAccess(ctx context.Context, ids []string, accessTs int64) error

	// AgentPreference model related methods.
	UpsertAgentPreference(ctx context.Context, upsert *UpsertAgentPreference) (*AgentPreference, error)
	GetAgentPreference(ctx context.Context, find *FindAgentPreference) (*AgentPreference, error)

	// Handoff token related methods.
	CreateHandoffToken(ctx context.Context, create *HandoffToken) (*HandoffToken, error)
	GetHandoffToken(ctx context.Context, token string) (*HandoffToken, error)
	// ConsumeHandoffToken atomically marks the token consumed. It returns
	// false when the token was already consumed.
	ConsumeHandoffToken(ctx context.Context, token string, consumedTs int64) (bool, error)

	// Lease related methods. AcquireLease returns false when another holder
	// owns an unexpired lease of the same name.
	AcquireLease(ctx context.Context, name, holder string, expiresTs int64, nowTs int64) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}
