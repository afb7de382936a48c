package stats

import "time"

// Report is what the stats writers persist on every snapshot tick.
type Report struct {
	Timestamp      time.Time `json:"timestamp"`
	Counters       Snapshot  `json:"counters"`
	ActiveFlows    int       `json:"active_flows"`
	PendingUpdates int       `json:"pending_updates"`
}
