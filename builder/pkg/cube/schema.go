package cube

import (
	"context"
	"fmt"
	"strings"

	"github.com/statbase/cube/builder/pkg/duckdb"
	"github.com/statbase/cube/builder/pkg/meta"
)

const factTable = "facts"

// factSchema is the physical shape of the logical fact table, derived once
// from the founding upload's column catalog and read-only afterwards.
type factSchema struct {
	columns []meta.ColumnDescriptor

	// keyColumns are the Dimension/Time/Measure role columns in declaration
	// order. Together they are the composite primary key.
	keyColumns []string

	// dataValueColumn and noteCodesColumn name the at-most-one column of
	// each role, empty when the dataset has none.
	dataValueColumn string
	noteCodesColumn string

	// measureColumn names the Measure role column, empty when absent.
	measureColumn string
}

// deriveSchema reads the founding catalog into a factSchema.
func deriveSchema(upload *meta.FactTableUpload) (*factSchema, error) {
	if len(upload.Columns) == 0 {
		return nil, fmt.Errorf("upload %s has an empty column catalog", upload.ID)
	}

	s := &factSchema{columns: upload.Columns}
	for _, col := range upload.Columns {
		if col.Role.IsKey() {
			s.keyColumns = append(s.keyColumns, col.Name)
		}
		switch col.Role {
		case meta.ColumnRoleMeasure:
			s.measureColumn = col.Name
		case meta.ColumnRoleDataValue:
			if s.dataValueColumn != "" {
				return nil, fmt.Errorf("catalog declares more than one data value column")
			}
			s.dataValueColumn = col.Name
		case meta.ColumnRoleNoteCodes:
			if s.noteCodesColumn != "" {
				return nil, fmt.Errorf("catalog declares more than one note codes column")
			}
			s.noteCodesColumn = col.Name
		}
	}
	if len(s.keyColumns) == 0 {
		return nil, fmt.Errorf("catalog declares no key columns")
	}
	return s, nil
}

// canRevise reports whether Revise/AddRevise uploads can be applied: both
// the data value and note codes columns must exist.
func (s *factSchema) canRevise() bool {
	return s.dataValueColumn != "" && s.noteCodesColumn != ""
}

// columnNames returns all catalog column names in declaration order.
func (s *factSchema) columnNames() []string {
	names := make([]string, len(s.columns))
	for i, col := range s.columns {
		names[i] = col.Name
	}
	return names
}

// createFactTable issues the CREATE TABLE for the logical fact table.
// Creation failures come back from the store, not from up-front validation.
func createFactTable(ctx context.Context, db *duckdb.DB, s *factSchema) error {
	defs := make([]string, 0, len(s.columns)+1)
	for _, col := range s.columns {
		defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(col.Name), col.PhysicalType))
	}
	keys := make([]string, len(s.keyColumns))
	for i, name := range s.keyColumns {
		keys[i] = quoteIdent(name)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(keys, ", ")))

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(factTable), strings.Join(defs, ", "))
	if err := db.Exec(ctx, stmt); err != nil {
		return &SchemaError{Err: err}
	}
	return nil
}
