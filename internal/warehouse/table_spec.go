// TableSpec lives here so backends and callers can share it without
// circular imports.
package warehouse

// TableSpec describes a table EnsureTable may create.
type TableSpec struct {
	Name    string       `json:"name"`
	Columns []ColumnSpec `json:"columns"`
}

// ColumnSpec is one column of a TableSpec. Type is the backend's own type
// name ("text", "varchar", "double precision"); backends map the handful of
// portable names they understand.
type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}
