package store

// HandoffToken is the one-time-use decryption token for a handoff package.
// A token decrypts successfully at most once per target: consumption is an
// atomic compare-and-set in the store.
type HandoffToken struct {
	Token        string
	ThreadID     string
	TargetDevice string
	CreatedTs    int64
	ExpiresTs    int64
	// ConsumedTs is nil until the package has been imported once.
	ConsumedTs *int64
}

// Lease is a named, time-bounded exclusivity claim used to keep singleton
// sweeps (tiering, reconciliation) mutually exclusive across restarts.
type Lease struct {
	Name      string
	Holder    string
	ExpiresTs int64
}
