package synapse

// ColumnType is a destination column type
type ColumnType string

const (
	ColumnTypeString       ColumnType = "STRING"
	ColumnTypeInteger      ColumnType = "INTEGER"
	ColumnTypeDouble       ColumnType = "DOUBLE"
	ColumnTypeBoolean      ColumnType = "BOOLEAN"
	ColumnTypeDate         ColumnType = "DATE"
	ColumnTypeFileHandleID ColumnType = "FILEHANDLEID"
	ColumnTypeLargeText    ColumnType = "LARGETEXT"
)

// Max sizes used by string columns
const (
	MaxStringColumnSize     = 1000
	DefaultStringColumnSize = 100
)

// ColumnModel is a named, typed column. ID is empty until the column is created.
type ColumnModel struct {
	ID         string     `json:"id,omitempty"`
	Name       string     `json:"name"`
	ColumnType ColumnType `json:"columnType"`
	MaxSize    int        `json:"maximumSize,omitempty"`
}

// SameDefinition reports whether two columns describe the same name, type and size
func (c ColumnModel) SameDefinition(o ColumnModel) bool {
	return c.Name == o.Name && c.ColumnType == o.ColumnType && c.MaxSize == o.MaxSize
}

// TableEntity is a destination table
type TableEntity struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name"`
	ParentID  string   `json:"parentId"`
	ColumnIDs []string `json:"columnIds"`
}

// ColumnChange maps an existing column id to its replacement. An empty
// OldColumnID adds a column.
type ColumnChange struct {
	OldColumnID string `json:"oldColumnId,omitempty"`
	NewColumnID string `json:"newColumnId"`
}

// Access types granted by ACL entries
const (
	AccessCreate            = "CREATE"
	AccessRead              = "READ"
	AccessUpdate            = "UPDATE"
	AccessDelete            = "DELETE"
	AccessDownload          = "DOWNLOAD"
	AccessChangePermissions = "CHANGE_PERMISSIONS"
	AccessChangeSettings    = "CHANGE_SETTINGS"
	AccessModerate          = "MODERATE"
)

// AccessTypesAdmin is the full access set granted to the exporter principal
var AccessTypesAdmin = []string{
	AccessCreate, AccessRead, AccessUpdate, AccessDelete, AccessDownload,
	AccessChangePermissions, AccessChangeSettings, AccessModerate,
}

// AccessTypesReadOnly is granted to a study's data access team
var AccessTypesReadOnly = []string{AccessRead, AccessDownload}

// ACLEntry grants a principal a set of access types
type ACLEntry struct {
	PrincipalID int64    `json:"principalId"`
	AccessTypes []string `json:"accessType"`
}
