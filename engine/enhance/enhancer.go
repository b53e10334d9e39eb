package enhance

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	engerr "github.com/hrygo/recall/internal/errors"
	"github.com/hrygo/recall/internal/observability"
	"github.com/hrygo/recall/store"
)

// Config holds the enhancement knobs.
type Config struct {
	// ClaimLease is how long a claimed batch stays invisible to other workers.
	ClaimLease time.Duration
	// MaxRetries bounds enhancement attempts before an event is only
	// warn-logged on further failures. It stays eligible for retry, matching
	// the self-healing policy of the derived layers.
	MaxRetries int
}

// DefaultConfig returns the default enhancement configuration.
func DefaultConfig() Config {
	return Config{
		ClaimLease: 2 * time.Minute,
		MaxRetries: 5,
	}
}

// Enhancer asynchronously enriches stored events with entities, sentiment,
// intent and topics, then merges the enrichment into the vector payload and
// reinforces graph edges. Multiple enhancers may run concurrently; the
// claim/lease columns guarantee no event is processed twice at once.
type Enhancer struct {
	store    *store.Store
	config   Config
	logger   *slog.Logger
	backoff  engerr.BackoffConfig
	workerID string
}

// New creates an enhancer with a unique worker id.
func New(s *store.Store, config Config, logger *slog.Logger) *Enhancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enhancer{
		store:    s,
		config:   config,
		logger:   logger,
		backoff:  engerr.DefaultBackoff(),
		workerID: "enhancer-" + uuid.New().String()[:8],
	}
}

// EnhanceBatch claims up to limit unenhanced events, oldest first, and
// enriches each. It returns the number of events fully processed. Re-running
// on the same events produces the same or monotonically improved enrichment.
func (e *Enhancer) EnhanceBatch(ctx context.Context, limit int) (int, error) {
	var events []*store.Event
	err := engerr.Retry(ctx, e.backoff, func() error {
		var cerr error
		events, cerr = e.store.ClaimUnenhancedEvents(ctx, e.workerID, limit, e.config.ClaimLease)
		return cerr
	})
	if err != nil {
		return 0, engerr.TransientStore("failed to claim enhancement batch", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	reqCtx := observability.NewRequestContext(e.logger, "enhance", "")
	processed := 0
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := e.enhanceOne(ctx, event); err != nil {
			retries := event.RetryCount + 1
			if _, uerr := e.store.UpdateEvent(ctx, &store.UpdateEvent{
				ID:         event.ID,
				RetryCount: &retries,
				ClearClaim: true,
			}); uerr != nil {
				reqCtx.Error("failed to record enhancement retry", uerr,
					slog.String(observability.LogFieldEventID, event.ID))
			}
			if retries > e.config.MaxRetries {
				reqCtx.Warn("event exceeded enhancement retry budget",
					slog.String(observability.LogFieldEventID, event.ID),
					slog.Int("retry_count", retries),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		processed++
	}

	reqCtx.Info("enhancement batch complete",
		slog.Int(observability.LogFieldBatchSize, len(events)),
		slog.Int("processed", processed),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()),
	)
	return processed, nil
}

// enhanceOne enriches a single event. The event is marked enhanced only
// after every write succeeded; partial failure leaves it claimed-expired and
// eligible for the next batch.
func (e *Enhancer) enhanceOne(ctx context.Context, event *store.Event) error {
	entities := ExtractEntities(event.Content)
	topics := ExtractTopics(event.Content, event.Tags)
	sentiment := DetectSentiment(event.Content)
	intent := ClassifyIntent(event.Content)

	if err := e.mergePayload(ctx, event, entities, topics, sentiment, intent); err != nil {
		return err
	}
	if err := e.updateGraph(ctx, event, entities, topics, intent); err != nil {
		return err
	}

	// Marking enhanced is the write that must not be lost: every earlier
	// write is idempotent, but losing this one reprocesses the whole event.
	now := time.Now().Unix()
	return engerr.Retry(ctx, e.backoff, func() error {
		_, err := e.store.UpdateEvent(ctx, &store.UpdateEvent{
			ID:         event.ID,
			EnhancedTs: &now,
			ClearClaim: true,
		})
		return err
	})
}

// mergePayload merges the enrichment into the vector payload without ever
// removing previously recorded values.
func (e *Enhancer) mergePayload(ctx context.Context, event *store.Event, entities, topics []string, sentiment, intent string) error {
	record, err := e.store.GetVectorRecord(ctx, event.ID)
	if err != nil {
		return err
	}
	if record == nil {
		// Vector layer missing (partially linked); enhancement still
		// proceeds and the reconciliation sweep restores the record.
		return nil
	}

	record.Payload.Entities = mergeStrings(record.Payload.Entities, entities)
	record.Payload.Topics = mergeStrings(record.Payload.Topics, topics)
	if record.Payload.Sentiment == "" || record.Payload.Sentiment == "neutral" {
		record.Payload.Sentiment = sentiment
	}
	if record.Payload.Intent == "" {
		record.Payload.Intent = intent
	}

	_, err = e.store.UpsertVectorRecord(ctx, record)
	return err
}

// updateGraph reinforces mention edges, links co-occurring topics, and for
// action events records the action -> outcome chain used by procedural
// consolidation.
func (e *Enhancer) updateGraph(ctx context.Context, event *store.Event, entities, topics []string, intent string) error {
	for _, topic := range topics {
		if _, err := e.store.UpsertGraphNode(ctx, &store.GraphNode{
			Type: store.NodeTypeConcept, Key: topic, Label: topic,
		}); err != nil {
			return err
		}
	}

	observations := []*store.GraphEdgeObservation{}
	for _, entity := range entities {
		observations = append(observations, &store.GraphEdgeObservation{
			SubjectType: store.NodeTypeEvent, SubjectKey: event.ID,
			Predicate:  store.PredicateMentions,
			ObjectType: store.NodeTypeEntity, ObjectKey: entity,
			ThreadID: event.ThreadID, Value: "mention", Strength: 0.7,
			ObservedTs: event.CreatedTs,
		})
	}
	// Topic co-occurrence within one event relates the concepts.
	for i := 0; i < len(topics); i++ {
		for j := i + 1; j < len(topics); j++ {
			observations = append(observations, &store.GraphEdgeObservation{
				SubjectType: store.NodeTypeConcept, SubjectKey: topics[i],
				Predicate:  store.PredicateRelatesTo,
				ObjectType: store.NodeTypeConcept, ObjectKey: topics[j],
				ThreadID: event.ThreadID, Value: "co_occurrence", Strength: 0.5,
				ObservedTs: event.CreatedTs,
			})
		}
	}

	if obs := e.outcomeObservation(ctx, event, intent); obs != nil {
		observations = append(observations, obs...)
	}

	for _, obs := range observations {
		if _, err := e.store.ObserveGraphEdge(ctx, obs); err != nil {
			return err
		}
	}
	return nil
}

// outcomeObservation records action -> outcome edges for events that carry an
// outcome ("success"/"failure" metadata on tool executions and decisions).
func (e *Enhancer) outcomeObservation(ctx context.Context, event *store.Event, intent string) []*store.GraphEdgeObservation {
	outcome := event.Metadata["outcome"]
	if outcome == "" {
		return nil
	}
	if event.EventType != store.EventTypeToolExecution && event.EventType != store.EventTypeDecision {
		return nil
	}

	outcomeKey := event.ThreadID + ":" + outcome
	if _, err := e.store.UpsertGraphNode(ctx, &store.GraphNode{
		Type: store.NodeTypeOutcome, Key: outcomeKey, Label: outcome,
	}); err != nil {
		return nil
	}

	strength := float32(0.6)
	if outcome == "success" {
		strength = 0.9
	}
	return []*store.GraphEdgeObservation{{
		SubjectType: store.NodeTypeEvent, SubjectKey: event.ID,
		Predicate:  store.PredicateLedTo,
		ObjectType: store.NodeTypeOutcome, ObjectKey: outcomeKey,
		ThreadID: event.ThreadID, Value: outcome, Strength: strength,
		ObservedTs: event.CreatedTs,
	}}
}

// Start runs EnhanceBatch on a ticker until the context is canceled.
func (e *Enhancer) Start(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.EnhanceBatch(ctx, batchSize); err != nil {
				e.logger.Warn("enhancement batch failed", slog.String("error", err.Error()))
			}
		}
	}
}

func mergeStrings(existing, extra []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
