package bridge

// Stats are counters kept by the scheduler. They are plain values owned by
// the control loop; Run hands copies to a publisher.
type Stats struct {
	Phase     Phase  `json:"-"`
	PhaseName string `json:"phase"`
	Buffered  int    `json:"buffered"`

	Frames    uint64 `json:"frames"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	BusyPolls uint64 `json:"busy_polls"`
	// Stray counts bytes discarded when the refresh phase begins.
	Stray uint64 `json:"stray"`
	// Ignored counts non-start bytes received while idle.
	Ignored uint64 `json:"ignored"`
}
