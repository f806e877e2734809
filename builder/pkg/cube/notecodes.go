package cube

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/statbase/cube/builder/pkg/duckdb"
	"github.com/statbase/cube/builder/pkg/translate"
)

// noteCodeVocabulary is the fixed set of single-letter annotation codes a
// fact row can carry, comma-separated, in its note codes column. The tag is
// the translation key suffix for the code's description.
var noteCodeVocabulary = []struct {
	Code string
	Tag  string
}{
	{"a", "average"},
	{"b", "break_in_series"},
	{"c", "confidential"},
	{"e", "estimated"},
	{"f", "forecast"},
	{"k", "low_figure"},
	{"p", "provisional"},
	{"r", "revised"},
	{"t", "total"},
	{"u", "low_reliability"},
	{"z", "not_applicable"},
}

const (
	noteDescriptionsTable = "note_descriptions"
	noteExpansionsTable   = "note_expansions"
	notesAlias            = "notes"
)

// noteCodeExpander turns the raw code lists of the note codes column into
// translated, comma-joined text per locale.
type noteCodeExpander struct {
	log        *slog.Logger
	db         *duckdb.DB
	translator *translate.Catalog
	locales    []string
	schema     *factSchema
}

// expand builds the translated vocabulary table and one expansion row per
// (distinct code list, locale), then contributes the notes column per
// locale. Datasets without a note codes column contribute nothing.
func (e *noteCodeExpander) expand(ctx context.Context) (*ViewFragments, error) {
	frags := NewViewFragments(e.locales)
	if e.schema.noteCodesColumn == "" {
		return frags, nil
	}

	if err := e.db.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE %s (code VARCHAR, language VARCHAR, description VARCHAR)",
		quoteIdent(noteDescriptionsTable))); err != nil {
		return nil, fmt.Errorf("failed to create note descriptions table: %w", err)
	}
	for _, nc := range noteCodeVocabulary {
		for _, locale := range e.locales {
			if err := e.db.Exec(ctx,
				fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?)", quoteIdent(noteDescriptionsTable)),
				nc.Code, locale, e.translator.Translate("note_codes."+nc.Tag, locale)); err != nil {
				return nil, fmt.Errorf("failed to insert note description: %w", err)
			}
		}
	}

	notesRef := quoteIdent(e.schema.noteCodesColumn)
	// Set-membership join, not substring match: "a,r" is split on commas
	// before matching codes. Aggregation order is whatever DISTINCT yields.
	stmt := fmt.Sprintf(
		"CREATE TABLE %s AS "+
			"SELECT f.codes, d.language, string_agg(DISTINCT d.description, ', ') AS descriptions "+
			"FROM (SELECT DISTINCT CAST(%s AS VARCHAR) AS codes FROM %s WHERE %s IS NOT NULL AND CAST(%s AS VARCHAR) <> '') AS f "+
			"JOIN %s AS d ON list_contains(string_split(f.codes, ','), d.code) "+
			"GROUP BY f.codes, d.language",
		quoteIdent(noteExpansionsTable), notesRef, quoteIdent(factTable), notesRef, notesRef,
		quoteIdent(noteDescriptionsTable))
	if err := e.db.Exec(ctx, stmt); err != nil {
		return nil, fmt.Errorf("failed to build note expansions: %w", err)
	}
	e.log.Debug("notes: expansion table built", "column", e.schema.noteCodesColumn, "locales", len(e.locales))

	a := quoteIdent(notesAlias)
	for _, locale := range e.locales {
		frags.AddSelect(locale, SelectItem{
			Expr:  "COALESCE(" + a + `."descriptions", '')`,
			Alias: e.translator.Translate("column_headers.notes", locale),
		})
		frags.AddJoin(locale, Join{
			Table: noteExpansionsTable,
			Alias: notesAlias,
			On: fmt.Sprintf(`CAST(f.%s AS VARCHAR) = %s."codes" AND %s."language" = %s`,
				notesRef, a, a, quoteString(locale)),
		})
	}
	return frags, nil
}
