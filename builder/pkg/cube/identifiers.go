package cube

import "strings"

// safeName derives a table-name fragment from a dataset-controlled string:
// lower-cased with everything outside [a-z] stripped. All derived table
// names go through this one transform so a hostile column name can never
// alter the statements the builder issues.
func safeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// quoteIdent renders a double-quoted SQL identifier, doubling embedded
// quotes. Raw column names from the catalog are always emitted through this.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// quoteString renders a SQL string literal with single quotes doubled.
func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
