package model

// WriteBatch is one finalized window's worth of rows placed on the write
// queue. Rows carry their deterministic id as the first cell; RowIDs is the
// sorted id set used for deduplication against the store. Batches travel by
// value and serialize to the fallback spool as-is.
type WriteBatch struct {
	WindowStart   string     `json:"window_start"` // ISO-8601 with IST offset
	Rows          [][]string `json:"rows"`
	RowIDs        []string   `json:"row_ids"`
	ExpectedCount int        `json:"expected_count"`
}
