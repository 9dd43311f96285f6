package models

// SyncMutation is one operation as submitted to POST /sync.
type SyncMutation struct {
	Action    string  `json:"action"`
	Payload   Payload `json:"payload"`
	Timestamp int64   `json:"timestamp"`
}

type SyncRequest struct {
	Mutations []SyncMutation `json:"mutations"`
}

const (
	ResultOK    = "ok"
	ResultError = "error"
)

// SyncResult is the per-mutation outcome of a batch.
type SyncResult struct {
	Action    string `json:"action"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type SyncResponse struct {
	Results []SyncResult `json:"results"`
	Synced  int          `json:"synced"`
	Failed  int          `json:"failed"`
}

// ActionResponse is returned by the per-action endpoint.
type ActionResponse struct {
	Result any `json:"result,omitempty"`
}
