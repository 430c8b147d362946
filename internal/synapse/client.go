// Package synapse talks to the destination tabular-data service.
package synapse

import "context"

// Client is the set of destination operations the exporter needs. Retries are
// the implementation's concern; callers only classify the final outcome.
type Client interface {
	// CreateColumns creates (or resolves) column models. Existing definitions
	// resolve to their existing ids. Output order matches input order.
	CreateColumns(ctx context.Context, columns []ColumnModel) ([]ColumnModel, error)
	// CreateTableWithACL creates a table and applies the ACL, returning the table id.
	CreateTableWithACL(ctx context.Context, table TableEntity, acl []ACLEntry) (string, error)
	GetTable(ctx context.Context, tableID string) (*TableEntity, error)
	GetColumnModelsForTable(ctx context.Context, tableID string) ([]ColumnModel, error)
	// UpdateTableColumns applies the column changes and the final column order
	// in one schema change transaction.
	UpdateTableColumns(ctx context.Context, tableID string, changes []ColumnChange, orderedColumnIDs []string) error
	// UploadTSVToTable bulk uploads a tab-separated file with a header line and
	// returns the number of rows the service processed.
	UploadTSVToTable(ctx context.Context, projectID, tableID, filePath string) (int64, error)
	// AppendRows appends rows of cell values in the table's column order.
	AppendRows(ctx context.Context, tableID string, rows [][]string) error
	// UploadFileHandle stores content as a file handle and returns its id.
	UploadFileHandle(ctx context.Context, projectID, fileName string, content []byte) (string, error)
}
