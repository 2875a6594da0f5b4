package types

// BulkResult reports a best-effort batch. Per-record failures are collected
// here; they never fail the overall call.
type BulkResult struct {
	SuccessCount    int      `json:"success_count"`
	ErrorCount      int      `json:"error_count"`
	Errors          []string `json:"errors,omitempty"`
	ProcessedIDs    []string `json:"processed_ids,omitempty"`
	OperationTimeMS int64    `json:"operation_time_ms"`
}
