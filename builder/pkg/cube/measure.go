package cube

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/statbase/cube/builder/pkg/duckdb"
	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
	"github.com/statbase/cube/builder/pkg/translate"
)

const (
	measureTable = "measure_lookup"
	measureAlias = "m"
)

// displayFormats maps each display type to the SQL expression that formats
// the data value column, with {value} standing for the column reference.
var displayFormats = map[meta.DisplayType]string{
	meta.DisplayDecimal:    "printf('%,.2f', CAST({value} AS DOUBLE))",
	meta.DisplayFloat:      "printf('%,.2f', CAST({value} AS DOUBLE))",
	meta.DisplayInteger:    "printf('%,d', CAST({value} AS BIGINT))",
	meta.DisplayLong:       "printf('%f', CAST({value} AS DOUBLE))",
	meta.DisplayPercentage: "printf('%f', CAST({value} AS DOUBLE))",
	meta.DisplayString:     "CAST({value} AS VARCHAR)",
	meta.DisplayText:       "CAST({value} AS VARCHAR)",
	meta.DisplayDate:       "CAST({value} AS VARCHAR)",
	meta.DisplayDateTime:   "CAST({value} AS VARCHAR)",
	meta.DisplayTime:       "CAST({value} AS VARCHAR)",
}

// measureResolver builds the measure lookup table and the display-type
// driven formatting of the data value column.
type measureResolver struct {
	log        *slog.Logger
	db         *duckdb.DB
	files      filestore.Store
	translator *translate.Catalog
	locales    []string
	schema     *factSchema
	datasetID  uuid.UUID
}

func (r *measureResolver) resolve(ctx context.Context, dataset *meta.Dataset) (*ViewFragments, error) {
	measure := dataset.Measure
	if measure == nil || measure.JoinColumn == "" || r.schema.measureColumn == "" {
		return r.passThrough(), nil
	}

	switch {
	case len(measure.Info) > 0:
		if err := r.loadInline(ctx, measure); err != nil {
			return nil, err
		}
	case measure.LookupFilename != "":
		if err := r.loadLookup(ctx, measure); err != nil {
			return nil, err
		}
	default:
		return nil, &MeasureConfigError{Column: measure.FactTableColumn}
	}

	dataExpr, err := r.formatExpr(ctx)
	if err != nil {
		return nil, err
	}

	factCol := measure.FactTableColumn
	if factCol == "" {
		factCol = r.schema.measureColumn
	}

	frags := NewViewFragments(r.locales)
	a := quoteIdent(measureAlias)
	for _, locale := range r.locales {
		frags.AddSelect(locale, SelectItem{
			Expr:  a + `."description"`,
			Alias: r.translator.Translate("column_headers.measure", locale),
		})
		if r.schema.dataValueColumn != "" {
			frags.AddSelect(locale, SelectItem{
				Expr:  dataExpr,
				Alias: r.translator.Translate("column_headers.data", locale),
			})
		}
		frags.AddJoin(locale, Join{
			Table: measureTable,
			Alias: measureAlias,
			On: fmt.Sprintf(`CAST(f.%s AS VARCHAR) = CAST(%s."code" AS VARCHAR) AND %s."language" = %s`,
				quoteIdent(factCol), a, a, quoteString(locale)),
		})
		frags.AddOrderBy(locale, OrderBy{Expr: a + `."code"`})
	}
	return frags, nil
}

// passThrough projects the measure and data value columns raw when no
// measure is configured for the dataset.
func (r *measureResolver) passThrough() *ViewFragments {
	frags := NewViewFragments(r.locales)
	for _, locale := range r.locales {
		if r.schema.measureColumn != "" {
			frags.AddSelect(locale, SelectItem{
				Expr:  "f." + quoteIdent(r.schema.measureColumn),
				Alias: r.translator.Translate("column_headers.measure", locale),
			})
		}
		if r.schema.dataValueColumn != "" {
			frags.AddSelect(locale, SelectItem{
				Expr:  "f." + quoteIdent(r.schema.dataValueColumn),
				Alias: r.translator.Translate("column_headers.data", locale),
			})
		}
	}
	return frags
}

func (r *measureResolver) createMeasureTable(ctx context.Context) error {
	if err := r.db.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE %s (code VARCHAR, language VARCHAR, description VARCHAR, notes VARCHAR, sort_order INTEGER, display_type VARCHAR)",
		quoteIdent(measureTable))); err != nil {
		return fmt.Errorf("failed to create measure table: %w", err)
	}
	return nil
}

func (r *measureResolver) loadInline(ctx context.Context, measure *meta.Measure) error {
	if err := r.createMeasureTable(ctx); err != nil {
		return err
	}
	for _, info := range measure.Info {
		if err := r.db.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?, ?, ?, ?)", quoteIdent(measureTable)),
			info.ID, info.Language, info.Description, info.Notes, info.SortOrder, string(info.DisplayType)); err != nil {
			return fmt.Errorf("failed to insert measure info row: %w", err)
		}
	}
	r.log.Debug("measure: inline info loaded", "rows", len(measure.Info))
	return nil
}

func (r *measureResolver) loadLookup(ctx context.Context, measure *meta.Measure) error {
	path, cleanup, err := r.files.Fetch(ctx, UploadKey(r.datasetID, measure.LookupFilename))
	if err != nil {
		return fmt.Errorf("failed to fetch measure lookup %s: %w", measure.LookupFilename, err)
	}
	defer cleanup()

	source, err := sourceExpr(ctx, r.db, path)
	if err != nil {
		return err
	}

	if measure.Extractor != nil && measure.Extractor.LegacyWide {
		return r.pivotLegacyWide(ctx, measure, source)
	}
	if err := r.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quoteIdent(measureTable), source)); err != nil {
		return fmt.Errorf("failed to load measure lookup: %w", err)
	}
	return nil
}

// pivotLegacyWide turns a one-description-column-per-locale measure source
// into long format, one row per (measure id, locale). The display type
// comes from the extractor's decimal flag column when declared (1 means
// decimal, anything else integer); without a format column every row maps
// to text.
func (r *measureResolver) pivotLegacyWide(ctx context.Context, measure *meta.Measure, source string) error {
	const stg = "stg_measure"
	if err := r.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quoteIdent(stg), source)); err != nil {
		return fmt.Errorf("failed to stage measure lookup: %w", err)
	}
	defer func() {
		if err := r.db.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(stg)); err != nil {
			r.log.Warn("measure: failed to drop staging table", "error", err)
		}
	}()

	ex := measure.Extractor
	display := "'text'"
	if ex.DecimalColumn != "" {
		display = fmt.Sprintf("CASE WHEN CAST(%s AS INTEGER) = 1 THEN 'decimal' ELSE 'integer' END",
			quoteIdent(ex.DecimalColumn))
	}
	sortExpr := "CAST(NULL AS INTEGER)"
	if ex.SortColumn != "" {
		sortExpr = "CAST(" + quoteIdent(ex.SortColumn) + " AS INTEGER)"
	}

	arms := make([]string, 0, len(r.locales))
	for _, locale := range r.locales {
		desc := "''"
		if col := ex.DescriptionColumn(locale); col != "" {
			desc = "CAST(" + quoteIdent(col) + " AS VARCHAR)"
		}
		notes := "''"
		if col := ex.NotesColumn(locale); col != "" {
			notes = "CAST(" + quoteIdent(col) + " AS VARCHAR)"
		}
		arms = append(arms, fmt.Sprintf(
			"SELECT CAST(%s AS VARCHAR) AS code, %s AS language, %s AS description, %s AS notes, %s AS sort_order, %s AS display_type FROM %s",
			quoteIdent(measure.JoinColumn), quoteString(locale), desc, notes, sortExpr, display, quoteIdent(stg)))
	}

	stmt := fmt.Sprintf("CREATE TABLE %s AS %s", quoteIdent(measureTable), strings.Join(arms, " UNION ALL "))
	if err := r.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to pivot legacy wide measure lookup: %w", err)
	}
	return nil
}

// formatExpr builds the CASE expression formatting the data value column,
// with one arm per display type actually present in the measure table.
// Unknown or absent display types fall back to a plain string cast.
func (r *measureResolver) formatExpr(ctx context.Context) (string, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT DISTINCT display_type FROM %s WHERE display_type IS NOT NULL AND display_type <> '' ORDER BY 1",
		quoteIdent(measureTable)))
	if err != nil {
		return "", fmt.Errorf("failed to read distinct display types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return "", fmt.Errorf("failed to scan display type: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to read distinct display types: %w", err)
	}

	ref := "f." + quoteIdent(r.schema.dataValueColumn)
	fallback := "CAST(" + ref + " AS VARCHAR)"
	if len(types) == 0 {
		return fallback, nil
	}

	var sb strings.Builder
	sb.WriteString("CASE lower(" + quoteIdent(measureAlias) + `."display_type")`)
	for _, t := range types {
		pattern, ok := displayFormats[meta.DisplayType(strings.ToLower(t))]
		if !ok {
			r.log.Warn("measure: unknown display type, falling back to string cast", "display_type", t)
			continue
		}
		sb.WriteString(" WHEN " + quoteString(strings.ToLower(t)) + " THEN " + strings.ReplaceAll(pattern, "{value}", ref))
	}
	sb.WriteString(" ELSE " + fallback + " END")
	return sb.String(), nil
}
