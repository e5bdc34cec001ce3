package call

// Snapshot is the read-only view published to UI observers after every
// processed event.
type Snapshot struct {
	// Record is the current or most recently finished record, nil if none.
	Record *Record `json:"record,omitempty"`
	// LastError survives the record being dropped, e.g. a refused start.
	LastError *Failure `json:"lastError,omitempty"`
	// Version increases by one per published snapshot.
	Version uint64 `json:"version"`
}

// Active reports whether a non-terminal record occupies the call slot.
func (s Snapshot) Active() bool {
	return s.Record != nil && s.Record.Active()
}

// State returns the record's state, or StateIdle when the slot is empty.
func (s Snapshot) State() State {
	if s.Record == nil {
		return StateIdle
	}
	return s.Record.State
}
