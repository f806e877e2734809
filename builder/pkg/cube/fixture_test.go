package cube

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
	"github.com/statbase/cube/builder/pkg/translate"
	cubetesting "github.com/statbase/cube/utils/pkg/testing"
)

// factColumns is the standard catalog used across these tests: a composite
// key of time, two dimensions and a measure, plus data value and note codes.
var factColumns = []meta.ColumnDescriptor{
	{Name: "YearCode", PhysicalType: "VARCHAR", Role: meta.ColumnRoleTime},
	{Name: "AreaCode", PhysicalType: "VARCHAR", Role: meta.ColumnRoleDimension},
	{Name: "Data", PhysicalType: "DOUBLE", Role: meta.ColumnRoleDataValue},
	{Name: "RowRef", PhysicalType: "VARCHAR", Role: meta.ColumnRoleDimension},
	{Name: "Measure", PhysicalType: "VARCHAR", Role: meta.ColumnRoleMeasure},
	{Name: "NoteCodes", PhysicalType: "VARCHAR", Role: meta.ColumnRoleNoteCodes},
}

// fixture bundles one dataset aggregate with the builder and file store
// backing a test build. Helpers look revisions up by id on every call, so
// don't hold revision or dimension pointers across helper calls.
type fixture struct {
	t       *testing.T
	clock   *clockwork.FakeClock
	builder *Builder
	files   filestore.Store
	dataset *meta.Dataset
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := cubetesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	files, err := filestore.NewLocal(log, t.TempDir())
	require.NoError(t, err)

	catalog, err := translate.Load()
	require.NoError(t, err)

	builder, err := New(Config{
		Logger:     log,
		Clock:      clock,
		Files:      files,
		Translator: catalog,
	})
	require.NoError(t, err)

	return &fixture{
		t:       t,
		clock:   clock,
		builder: builder,
		files:   files,
		dataset: &meta.Dataset{ID: uuid.New(), Title: "test dataset", CreatedAt: clock.Now()},
	}
}

func (f *fixture) addRevision(index int) uuid.UUID {
	id := uuid.New()
	f.dataset.Revisions = append(f.dataset.Revisions, meta.Revision{
		ID:        id,
		DatasetID: f.dataset.ID,
		Index:     index,
		CreatedAt: f.clock.Now(),
	})
	f.clock.Advance(time.Minute)
	return id
}

func (f *fixture) addUpload(revisionID uuid.UUID, filename string, action meta.RevisionAction, content string) uuid.UUID {
	return f.addUploadCols(revisionID, filename, action, factColumns, content)
}

func (f *fixture) addUploadCols(revisionID uuid.UUID, filename string, action meta.RevisionAction, columns []meta.ColumnDescriptor, content string) uuid.UUID {
	f.t.Helper()
	f.saveFile(filename, content)

	rev, ok := f.dataset.Revision(revisionID)
	require.True(f.t, ok)
	id := uuid.New()
	rev.Uploads = append(rev.Uploads, meta.FactTableUpload{
		ID:         id,
		RevisionID: revisionID,
		Filename:   filename,
		Action:     action,
		UploadedAt: f.clock.Now(),
		Columns:    columns,
	})
	f.clock.Advance(time.Minute)
	return id
}

func (f *fixture) saveFile(filename, content string) {
	f.t.Helper()
	err := f.files.Save(f.t.Context(), UploadKey(f.dataset.ID, filename), strings.NewReader(content))
	require.NoError(f.t, err)
}

func (f *fixture) addDimension(column string, typ meta.DimensionType) uuid.UUID {
	id := uuid.New()
	f.dataset.Dimensions = append(f.dataset.Dimensions, meta.Dimension{
		ID:              id,
		DatasetID:       f.dataset.ID,
		FactTableColumn: column,
		JoinColumn:      column,
		Type:            typ,
	})
	return id
}

func (f *fixture) dimension(column string) *meta.Dimension {
	f.t.Helper()
	for i := range f.dataset.Dimensions {
		if f.dataset.Dimensions[i].FactTableColumn == column {
			return &f.dataset.Dimensions[i]
		}
	}
	f.t.Fatalf("no dimension on column %s", column)
	return nil
}

// attachLookup attaches a lookup file and extractor to a dimension. Date
// dimensions take an extractor with no filename.
func (f *fixture) attachLookup(column, filename string, ex *meta.LookupExtractor) {
	f.t.Helper()
	dim := f.dimension(column)
	dim.LookupFilename = filename
	dim.Extractor = ex
}

func (f *fixture) setLabels(column string, labels map[string]string) {
	f.t.Helper()
	f.dimension(column).Labels = labels
}

func (f *fixture) setMeasure(m *meta.Measure) {
	m.DatasetID = f.dataset.ID
	f.dataset.Measure = m
}

// addStandardDimensions declares the pass-through dimension set matching
// factColumns, with no lookups attached anywhere.
func (f *fixture) addStandardDimensions() {
	f.addDimension("YearCode", meta.DimensionTimePeriod)
	f.addDimension("AreaCode", meta.DimensionRaw)
	f.addDimension("RowRef", meta.DimensionRaw)
	f.addDimension("NoteCodes", meta.DimensionNoteCodes)
}

func (f *fixture) build(revisionID uuid.UUID) (*Artifact, error) {
	f.t.Helper()
	rev, ok := f.dataset.Revision(revisionID)
	require.True(f.t, ok)
	return f.builder.Build(f.t.Context(), f.dataset, rev)
}

func (f *fixture) mustBuild(revisionID uuid.UUID) *Artifact {
	f.t.Helper()
	artifact, err := f.build(revisionID)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = artifact.Remove() })
	return artifact
}

// viewRows reads every row of one locale view from a finished artifact.
func viewRows(t *testing.T, artifact *Artifact, locale string) []map[string]any {
	return artifactRows(t, artifact, "SELECT * FROM "+quoteIdent(ViewName(locale)))
}

// artifactRows runs a query against a finished artifact and returns the
// rows keyed by column name.
func artifactRows(t *testing.T, artifact *Artifact, query string) []map[string]any {
	t.Helper()

	db, err := artifact.Open(t.Context())
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query(t.Context(), query)
	require.NoError(t, err)
	defer rows.Close()

	cols, err := rows.Columns()
	require.NoError(t, err)

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		row := map[string]any{}
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	require.NoError(t, rows.Err())
	return out
}

// rowBy returns the first row whose column equals the given value.
func rowBy(t *testing.T, rows []map[string]any, column string, value any) map[string]any {
	t.Helper()
	for _, row := range rows {
		if row[column] == value {
			return row
		}
	}
	t.Fatalf("no row with %s = %v", column, value)
	return nil
}
