// Package store defines the durable table store the pipeline writes to and
// the schema/readback helpers layered over it. The interface is deliberately
// narrow and worksheet-shaped: append rows, read everything back, resize,
// ensure a table exists. Adapters live in the sqlite subpackage.
package store

import "context"

// Store is the durable backend. All methods take a context so the pipeline's
// retry loop can bound each attempt.
type Store interface {
	// AppendRows appends rows to the named table and returns the number of
	// rows the backend acknowledges as written. A count lower than len(rows)
	// signals a partial write the caller must handle.
	AppendRows(ctx context.Context, table string, rows [][]string) (int, error)

	// GetAllValues returns every row of the table, header row first.
	GetAllValues(ctx context.Context, table string) ([][]string, error)

	// Resize truncates or extends the table to exactly n rows (header
	// included). Used to rewrite snapshot-style tables from scratch.
	Resize(ctx context.Context, table string, n int) error

	// EnsureTable creates the table with the given header if it does not
	// exist yet.
	EnsureTable(ctx context.Context, table string, header []string) error
}
