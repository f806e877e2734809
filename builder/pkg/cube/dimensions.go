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

// dimensionResolver turns every declared dimension into lookup tables,
// validation checks and view fragments, in declaration order.
type dimensionResolver struct {
	log        *slog.Logger
	db         *duckdb.DB
	files      filestore.Store
	translator *translate.Catalog
	dates      DateMatcher
	locales    []string
	schema     *factSchema
	datasetID  uuid.UUID
}

func (r *dimensionResolver) resolve(ctx context.Context, dataset *meta.Dataset) (*ViewFragments, error) {
	frags := NewViewFragments(r.locales)
	for i := range dataset.Dimensions {
		dim := &dataset.Dimensions[i]
		if dim.Type == meta.DimensionNoteCodes {
			continue
		}
		contrib, err := r.planFor(dim).apply(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve dimension %s (%s): %w", dim.ID, dim.FactTableColumn, err)
		}
		frags.Merge(contrib)
	}
	return frags, nil
}

// dimensionPlan is the strategy chosen for one dimension. Variants that
// need extra configuration can only be constructed when it is present, so
// the fallback decision lives in planFor alone rather than in scattered nil
// checks inside the strategies.
type dimensionPlan interface {
	apply(ctx context.Context, r *dimensionResolver) (*ViewFragments, error)
}

type passThroughPlan struct {
	dim *meta.Dimension
}

type dateLookupPlan struct {
	dim       *meta.Dimension
	extractor *meta.LookupExtractor
}

type lookupTablePlan struct {
	dim       *meta.Dimension
	filename  string
	extractor *meta.LookupExtractor
}

func (r *dimensionResolver) planFor(dim *meta.Dimension) dimensionPlan {
	switch dim.Type {
	case meta.DimensionTimePeriod, meta.DimensionTimePoint:
		if dim.Extractor != nil {
			return &dateLookupPlan{dim: dim, extractor: dim.Extractor}
		}
		r.log.Debug("dimension: time dimension has no extractor, passing through",
			"dimension", dim.ID, "column", dim.FactTableColumn)
		return &passThroughPlan{dim: dim}
	case meta.DimensionLookupTable:
		if dim.LookupFilename != "" && dim.Extractor != nil {
			return &lookupTablePlan{dim: dim, filename: dim.LookupFilename, extractor: dim.Extractor}
		}
		// Publishers may declare the type before attaching data, so an
		// unresolved lookup dimension renders raw instead of failing.
		r.log.Warn("dimension: lookup table not attached, passing through",
			"dimension", dim.ID, "column", dim.FactTableColumn)
		return &passThroughPlan{dim: dim}
	case meta.DimensionReferenceData:
		r.log.Error("dimension: reference data dimensions are not implemented, passing through",
			"dimension", dim.ID, "column", dim.FactTableColumn)
		return &passThroughPlan{dim: dim}
	default:
		return &passThroughPlan{dim: dim}
	}
}

func (p *passThroughPlan) apply(_ context.Context, r *dimensionResolver) (*ViewFragments, error) {
	frags := NewViewFragments(r.locales)
	for _, locale := range r.locales {
		frags.AddSelect(locale, SelectItem{
			Expr:  "f." + quoteIdent(p.dim.FactTableColumn),
			Alias: p.dim.Label(locale),
		})
	}
	return frags, nil
}

// apply builds a date lookup from the distinct codes in the fact column,
// validates that every code resolved, and contributes the description plus
// formatted start and end dates, ordered by the period's end date.
func (p *dateLookupPlan) apply(ctx context.Context, r *dimensionResolver) (*ViewFragments, error) {
	table := "lookup_" + safeName(p.dim.FactTableColumn)
	alias := "lk_" + safeName(p.dim.FactTableColumn)

	values, err := r.distinctFactValues(ctx, p.dim.FactTableColumn)
	if err != nil {
		return nil, err
	}
	rows, err := r.dates.Match(p.extractor, values)
	if err != nil {
		return nil, fmt.Errorf("failed to match date codes: %w", err)
	}

	if err := r.db.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE %s (code VARCHAR PRIMARY KEY, description VARCHAR, start_date TIMESTAMP, end_date TIMESTAMP, date_type VARCHAR)",
		quoteIdent(table))); err != nil {
		return nil, fmt.Errorf("failed to create date lookup table: %w", err)
	}
	for _, row := range rows {
		if err := r.db.Exec(ctx, fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?, ?, ?)", quoteIdent(table)),
			row.Code, row.Description, row.Start, row.End, row.Type); err != nil {
			return nil, fmt.Errorf("failed to insert date lookup row: %w", err)
		}
	}
	r.log.Debug("dimension: date lookup built", "dimension", p.dim.ID, "column", p.dim.FactTableColumn, "rows", len(rows))

	if err := r.validate(ctx, p.dim, table, "code"); err != nil {
		return nil, err
	}

	frags := NewViewFragments(r.locales)
	a := quoteIdent(alias)
	on := fmt.Sprintf(`CAST(f.%s AS VARCHAR) = %s."code"`, quoteIdent(p.dim.FactTableColumn), a)
	for _, locale := range r.locales {
		frags.AddSelect(locale, SelectItem{Expr: a + `."description"`, Alias: p.dim.Label(locale)})
		frags.AddSelect(locale, SelectItem{
			Expr:  "strftime(" + a + `."start_date", '%d/%m/%Y')`,
			Alias: r.translator.Translate("column_headers.start_date", locale),
		})
		frags.AddSelect(locale, SelectItem{
			Expr:  "strftime(" + a + `."end_date", '%d/%m/%Y')`,
			Alias: r.translator.Translate("column_headers.end_date", locale),
		})
		frags.AddJoin(locale, Join{Table: table, Alias: alias, On: on})
		frags.AddOrderBy(locale, OrderBy{Expr: a + `."end_date"`})
	}
	return frags, nil
}

// apply loads the attached lookup file, pivoting the legacy wide layout to
// long format when flagged, validates the fact column against it and
// contributes a locale-filtered description join.
func (p *lookupTablePlan) apply(ctx context.Context, r *dimensionResolver) (*ViewFragments, error) {
	table := "lookup_" + safeName(p.dim.FactTableColumn)
	alias := "lk_" + safeName(p.dim.FactTableColumn)

	path, cleanup, err := r.files.Fetch(ctx, UploadKey(r.datasetID, p.filename))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lookup file %s: %w", p.filename, err)
	}
	defer cleanup()

	source, err := sourceExpr(ctx, r.db, path)
	if err != nil {
		return nil, err
	}

	if p.extractor.LegacyWide {
		if err := r.loadLegacyWide(ctx, table, p, source); err != nil {
			return nil, err
		}
	} else if err := r.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quoteIdent(table), source)); err != nil {
		return nil, fmt.Errorf("failed to load lookup table: %w", err)
	}

	if err := r.validate(ctx, p.dim, table, p.dim.JoinColumn); err != nil {
		return nil, err
	}

	frags := NewViewFragments(r.locales)
	a := quoteIdent(alias)
	for _, locale := range r.locales {
		frags.AddSelect(locale, SelectItem{Expr: a + `."description"`, Alias: p.dim.Label(locale)})
		frags.AddJoin(locale, Join{
			Table: table,
			Alias: alias,
			On: fmt.Sprintf(`CAST(f.%s AS VARCHAR) = CAST(%s.%s AS VARCHAR) AND %s."language" = %s`,
				quoteIdent(p.dim.FactTableColumn), a, quoteIdent(p.dim.JoinColumn), a, quoteString(locale)),
		})
		if p.extractor.SortColumn != "" {
			frags.AddOrderBy(locale, OrderBy{Expr: a + "." + quoteIdent(p.extractor.SortColumn)})
		}
	}
	return frags, nil
}

// loadLegacyWide stages the wide source once and unions one locale-specific
// projection per supported locale into a long-format lookup table. Locales
// without a declared description or notes column default to empty strings.
// The join and sort columns keep their source names.
func (r *dimensionResolver) loadLegacyWide(ctx context.Context, table string, p *lookupTablePlan, source string) error {
	const stg = "stg_lookup"
	if err := r.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", quoteIdent(stg), source)); err != nil {
		return fmt.Errorf("failed to stage lookup table: %w", err)
	}
	defer func() {
		if err := r.db.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(stg)); err != nil {
			r.log.Warn("dimension: failed to drop lookup staging table", "error", err)
		}
	}()

	arms := make([]string, 0, len(r.locales))
	for _, locale := range r.locales {
		desc := "''"
		if col := p.extractor.DescriptionColumn(locale); col != "" {
			desc = "CAST(" + quoteIdent(col) + " AS VARCHAR)"
		}
		notes := "''"
		if col := p.extractor.NotesColumn(locale); col != "" {
			notes = "CAST(" + quoteIdent(col) + " AS VARCHAR)"
		}
		cols := []string{
			quoteIdent(p.dim.JoinColumn),
			quoteString(locale) + " AS language",
			desc + " AS description",
			notes + " AS notes",
		}
		if p.extractor.SortColumn != "" {
			cols = append(cols, quoteIdent(p.extractor.SortColumn))
		}
		arms = append(arms, "SELECT "+strings.Join(cols, ", ")+" FROM "+quoteIdent(stg))
	}

	stmt := fmt.Sprintf("CREATE TABLE %s AS %s", quoteIdent(table), strings.Join(arms, " UNION ALL "))
	if err := r.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to pivot legacy wide lookup: %w", err)
	}
	return nil
}

// validate runs the anti-join check: every non-null fact value of the
// dimension's column must match at least one lookup row.
func (r *dimensionResolver) validate(ctx context.Context, dim *meta.Dimension, table, keyColumn string) error {
	query := fmt.Sprintf(
		"SELECT count(*) FROM %s AS f "+
			"LEFT JOIN (SELECT DISTINCT CAST(%s AS VARCHAR) AS k FROM %s) AS lk ON CAST(f.%s AS VARCHAR) = lk.k "+
			"WHERE f.%s IS NOT NULL AND lk.k IS NULL",
		quoteIdent(factTable), quoteIdent(keyColumn), quoteIdent(table),
		quoteIdent(dim.FactTableColumn), quoteIdent(dim.FactTableColumn))

	var unmatched int64
	if err := r.db.QueryRow(ctx, query).Scan(&unmatched); err != nil {
		return fmt.Errorf("failed to run lookup validation: %w", err)
	}
	if unmatched > 0 {
		return &ValidationError{DimensionID: dim.ID, Column: dim.FactTableColumn, Unmatched: unmatched}
	}
	r.log.Debug("dimension: lookup validated", "dimension", dim.ID, "column", dim.FactTableColumn)
	return nil
}

func (r *dimensionResolver) distinctFactValues(ctx context.Context, column string) ([]string, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT DISTINCT CAST(%s AS VARCHAR) FROM %s WHERE %s IS NOT NULL ORDER BY 1",
		quoteIdent(column), quoteIdent(factTable), quoteIdent(column)))
	if err != nil {
		return nil, fmt.Errorf("failed to read distinct values of %s: %w", column, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan distinct value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read distinct values of %s: %w", column, err)
	}
	return values, nil
}
