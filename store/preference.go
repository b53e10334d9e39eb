package store

// AgentPreference is the per-agent preference/personality state. Topic
// weights feed the agent_preference importance factor during consolidation
// and the whole record is snapshotted into handoff packages.
type AgentPreference struct {
	AgentName    string
	TopicWeights map[string]float64
	Traits       map[string]string
	UpdatedTs    int64
}

// UpsertAgentPreference is the upsert payload for agent preferences.
type UpsertAgentPreference struct {
	AgentName    string
	TopicWeights map[string]float64
	Traits       map[string]string
}

// FindAgentPreference is the find condition for agent preferences.
type FindAgentPreference struct {
	AgentName *string
}
