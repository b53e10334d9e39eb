package store

import (
	"context"
	"time"

	"github.com/hrygo/recall/internal/profile"
	"github.com/hrygo/recall/store/cache"
)

// Store provides database access to all raw objects across the three
// keyspaces (event, vector, graph) plus the derived consolidated-memory
// keyspace.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// Caches
	eventCache      *cache.Cache // cache for events by id
	preferenceCache *cache.Cache // cache for agent preferences
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	cacheConfig := cache.Config{
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: 5 * time.Minute,
		MaxItems:        1000,
	}

	return &Store{
		driver:          driver,
		profile:         profile,
		eventCache:      cache.New(cacheConfig),
		preferenceCache: cache.New(cacheConfig),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	s.eventCache.Close()
	s.preferenceCache.Close()
	return s.driver.Close()
}

// ========== Events ==========

func (s *Store) UpsertEvent(ctx context.Context, upsert *Event) (*Event, error) {
	event, err := s.driver.UpsertEvent(ctx, upsert)
	if err != nil {
		return nil, err
	}
	s.eventCache.Set(ctx, event.ID, event)
	return event, nil
}

// GetEvent returns the event with the given id, or nil when absent.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	if v, ok := s.eventCache.Get(ctx, id); ok {
		if event, ok := v.(*Event); ok {
			return event, nil
		}
	}
	list, err := s.driver.ListEvents(ctx, &FindEvent{ID: &id, IncludeTombstoned: true})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	s.eventCache.Set(ctx, id, list[0])
	return list[0], nil
}

func (s *Store) ListEvents(ctx context.Context, find *FindEvent) ([]*Event, error) {
	return s.driver.ListEvents(ctx, find)
}

func (s *Store) UpdateEvent(ctx context.Context, update *UpdateEvent) (*Event, error) {
	event, err := s.driver.UpdateEvent(ctx, update)
	if err != nil {
		return nil, err
	}
	s.eventCache.Delete(ctx, update.ID)
	return event, nil
}

func (s *Store) ClaimUnenhancedEvents(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*Event, error) {
	now := time.Now()
	return s.driver.ClaimUnenhancedEvents(ctx, workerID, limit, now.Add(lease).Unix(), now.Unix())
}

// ========== Vector records ==========

func (s *Store) UpsertVectorRecord(ctx context.Context, upsert *VectorRecord) (*VectorRecord, error) {
	return s.driver.UpsertVectorRecord(ctx, upsert)
}

// GetVectorRecord returns the vector record with the given id, or nil when absent.
func (s *Store) GetVectorRecord(ctx context.Context, id string) (*VectorRecord, error) {
	list, err := s.driver.ListVectorRecords(ctx, &FindVectorRecord{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) ListVectorRecords(ctx context.Context, find *FindVectorRecord) ([]*VectorRecord, error) {
	return s.driver.ListVectorRecords(ctx, find)
}

func (s *Store) DeleteVectorRecord(ctx context.Context, id string) error {
	return s.driver.DeleteVectorRecord(ctx, id)
}

func (s *Store) VectorSearch(ctx context.Context, opts *VectorSearchOptions) ([]*VectorHit, error) {
	return s.driver.VectorSearch(ctx, opts)
}

// ========== Graph ==========

func (s *Store) UpsertGraphNode(ctx context.Context, upsert *GraphNode) (*GraphNode, error) {
	return s.driver.UpsertGraphNode(ctx, upsert)
}

func (s *Store) ListGraphNodes(ctx context.Context, find *FindGraphNode) ([]*GraphNode, error) {
	return s.driver.ListGraphNodes(ctx, find)
}

func (s *Store) ObserveGraphEdge(ctx context.Context, obs *GraphEdgeObservation) (*GraphEdge, error) {
	return s.driver.ObserveGraphEdge(ctx, obs)
}

func (s *Store) ListGraphEdges(ctx context.Context, find *FindGraphEdge) ([]*GraphEdge, error) {
	return s.driver.ListGraphEdges(ctx, find)
}

// ========== Consolidated memories ==========

func (s *Store) CreateConsolidatedMemory(ctx context.Context, create *ConsolidatedMemory) (*ConsolidatedMemory, error) {
	return s.driver.CreateConsolidatedMemory(ctx, create)
}

func (s *Store) ListConsolidatedMemories(ctx context.Context, find *FindConsolidatedMemory) ([]*ConsolidatedMemory, error) {
	return s.driver.ListConsolidatedMemories(ctx, find)
}

func (s *Store) UpdateConsolidatedMemory(ctx context.Context, update *UpdateConsolidatedMemory) (*ConsolidatedMemory, error) {
	return s.driver.UpdateConsolidatedMemory(ctx, update)
}

func (s *Store) RecordMemoryAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.driver.RecordMemoryAccess(ctx, ids, time.Now().Unix())
}

// ========== Agent preferences ==========

func (s *Store) UpsertAgentPreference(ctx context.Context, upsert *UpsertAgentPreference) (*AgentPreference, error) {
	pref, err := s.driver.UpsertAgentPreference(ctx, upsert)
	if err != nil {
		return nil, err
	}
	s.preferenceCache.Set(ctx, upsert.AgentName, pref)
	return pref, nil
}

// GetAgentPreference returns the preference state for an agent, or nil when absent.
func (s *Store) GetAgentPreference(ctx context.Context, agentName string) (*AgentPreference, error) {
	if v, ok := s.preferenceCache.Get(ctx, agentName); ok {
		if pref, ok := v.(*AgentPreference); ok {
			return pref, nil
		}
	}
	pref, err := s.driver.GetAgentPreference(ctx, &FindAgentPreference{AgentName: &agentName})
	if err != nil {
		return nil, err
	}
	if pref != nil {
		s.preferenceCache.Set(ctx, agentName, pref)
	}
	return pref, nil
}

// ========== Handoff tokens ==========

func (s *Store) CreateHandoffToken(ctx context.Context, create *HandoffToken) (*HandoffToken, error) {
	return s.driver.CreateHandoffToken(ctx, create)
}

func (s *Store) GetHandoffToken(ctx context.Context, token string) (*HandoffToken, error) {
	return s.driver.GetHandoffToken(ctx, token)
}

func (s *Store) ConsumeHandoffToken(ctx context.Context, token string) (bool, error) {
	return s.driver.ConsumeHandoffToken(ctx, token, time.Now().Unix())
}

// ========== Leases ==========

func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	return s.driver.AcquireLease(ctx, name, holder, now.Add(ttl).Unix(), now.Unix())
}

func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	return s.driver.ReleaseLease(ctx, name, holder)
}
