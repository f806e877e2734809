package cube

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
	"github.com/statbase/cube/builder/pkg/translate"
	cubetesting "github.com/statbase/cube/utils/pkg/testing"
)

func TestCube_Builder_ConfigValidation(t *testing.T) {
	t.Parallel()

	log := cubetesting.NewLogger()
	files, err := filestore.NewLocal(log, t.TempDir())
	require.NoError(t, err)
	catalog, err := translate.Load()
	require.NoError(t, err)

	t.Run("missing_logger", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Files: files, Translator: catalog})
		require.ErrorContains(t, err, "logger is required")
	})

	t.Run("missing_file_store", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Logger: log, Translator: catalog})
		require.ErrorContains(t, err, "file store is required")
	})

	t.Run("missing_translator", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Logger: log, Files: files})
		require.ErrorContains(t, err, "translator is required")
	})

	t.Run("unknown_locale", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Logger: log, Files: files, Translator: catalog, Locales: []string{"fr-FR"}})
		require.ErrorContains(t, err, "no translation catalog for locale fr-FR")
	})

	t.Run("locales_default_to_the_translation_catalog", func(t *testing.T) {
		t.Parallel()
		b, err := New(Config{Logger: log, Files: files, Translator: catalog})
		require.NoError(t, err)
		require.Equal(t, []string{"cy-GB", "en-GB"}, b.Locales())
	})
}

func TestCube_Builder_EndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addStandardDimensions()
	rev := f.addRevision(1)
	f.addUpload(rev, "facts.csv", meta.ActionAdd,
		"YearCode,AreaCode,Data,RowRef,Measure,NoteCodes\n"+
			"2020,W06000001,10.5,r1,count,e\n"+
			"2020,W06000002,20,r2,count,\n"+
			"2021,W06000001,30,r3,count,\"e,p\"\n"+
			"2021,W06000002,40,r4,count,\n"+
			"2022,W06000001,50,r5,count,\n"+
			"2022,W06000002,60.25,r6,count,\n")

	artifact := f.mustBuild(rev)

	en := viewRows(t, artifact, "en-GB")
	cy := viewRows(t, artifact, "cy-GB")
	require.Len(t, en, 6)
	require.Len(t, cy, 6)

	// No lookups resolved anywhere, so every dimension and the measure come
	// through raw and the data value stays numeric.
	r1 := rowBy(t, en, "RowRef", "r1")
	require.Equal(t, "2020", r1["YearCode"])
	require.Equal(t, "W06000001", r1["AreaCode"])
	require.Equal(t, "count", r1["Measure"])
	require.Equal(t, 10.5, r1["Data"])
	require.Equal(t, "Estimated", r1["Notes"])

	require.Equal(t, "", rowBy(t, en, "RowRef", "r2")["Notes"])
	require.ElementsMatch(t, []string{"Estimated", "Provisional"},
		noteDescriptions(rowBy(t, en, "RowRef", "r3"), "Notes"))

	require.Equal(t, "Amcangyfrif", rowBy(t, cy, "RowRef", "r1")["Nodiadau"])
	require.Equal(t, 10.5, rowBy(t, cy, "RowRef", "r1")["Data"])

	t.Run("locale_views_are_registered", func(t *testing.T) {
		rows := artifactRows(t, artifact,
			"SELECT view_name FROM duckdb_views() WHERE NOT internal ORDER BY view_name")
		require.Len(t, rows, 2)
		require.Equal(t, "core_view_cy", rows[0]["view_name"])
		require.Equal(t, "core_view_en", rows[1]["view_name"])
	})

	t.Run("artifact_reopens_read_only", func(t *testing.T) {
		db, err := artifact.Open(t.Context())
		require.NoError(t, err)
		defer db.Close()
		require.Error(t, db.Exec(t.Context(), "CREATE TABLE scratch (i INTEGER)"))
	})

	t.Run("artifact_names_the_dataset_and_revision", func(t *testing.T) {
		name := artifact.Filename()
		require.True(t, strings.HasPrefix(name, f.dataset.ID.String()+"_"+rev.String()+"_"))
		require.True(t, strings.HasSuffix(name, ".duckdb"))

		size, err := artifact.Size()
		require.NoError(t, err)
		require.Positive(t, size)
	})
}

func TestCube_Builder_FullPipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addStandardDimensions()
	f.attachLookup("YearCode", "", &meta.LookupExtractor{})
	f.saveFile("areas.csv",
		"AreaCode,language,description,notes\n"+
			"W06000001,en-GB,Cardiff,\n"+
			"W06000001,cy-GB,Caerdydd,\n"+
			"W06000002,en-GB,Swansea,\n"+
			"W06000002,cy-GB,Abertawe,\n")
	f.attachLookup("AreaCode", "areas.csv", nil)
	f.setLabels("AreaCode", map[string]string{"en-GB": "Area", "cy-GB": "Ardal"})
	f.setMeasure(&meta.Measure{
		FactTableColumn: "Measure",
		JoinColumn:      "code",
		Info: []meta.MeasureInfo{
			{ID: "count", Language: "en-GB", Description: "Count of visits", DisplayType: meta.DisplayInteger},
			{ID: "count", Language: "cy-GB", Description: "Cyfrif ymweliadau", DisplayType: meta.DisplayInteger},
		},
	})
	rev := f.addRevision(1)
	f.addUpload(rev, "facts.csv", meta.ActionReplaceAll,
		"YearCode,AreaCode,Data,RowRef,Measure,NoteCodes\n"+
			"2020,W06000001,1250,r1,count,e\n"+
			"2021,W06000002,2400,r2,count,\n")

	artifact := f.mustBuild(rev)

	en := viewRows(t, artifact, "en-GB")
	require.Len(t, en, 2)

	var headers []string
	for h := range en[0] {
		headers = append(headers, h)
	}
	require.ElementsMatch(t, []string{
		"YearCode", "Start date", "End date", "Area", "RowRef", "Measure", "Data", "Notes",
	}, headers)

	row := rowBy(t, en, "Area", "Cardiff")
	require.Equal(t, "2020", row["YearCode"])
	require.Equal(t, "01/01/2020", row["Start date"])
	require.Equal(t, "31/12/2020", row["End date"])
	require.Equal(t, "Count of visits", row["Measure"])
	require.Equal(t, "1,250", row["Data"])
	require.Equal(t, "Estimated", row["Notes"])

	cy := viewRows(t, artifact, "cy-GB")
	require.Len(t, cy, 2)
	row = rowBy(t, cy, "Ardal", "Caerdydd")
	require.Equal(t, "Cyfrif ymweliadau", row["Mesur"])
	require.Equal(t, "1,250", row["Data"])
	require.Equal(t, "Amcangyfrif", row["Nodiadau"])
}

func TestCube_Builder_SchemaFailures(t *testing.T) {
	t.Parallel()

	t.Run("dataset_without_uploads", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.addStandardDimensions()
		rev := f.addRevision(1)

		_, err := f.build(rev)
		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr)
		require.ErrorContains(t, err, "no fact table uploads")
	})

	t.Run("duplicate_data_value_column", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.addStandardDimensions()
		cols := []meta.ColumnDescriptor{
			{Name: "YearCode", PhysicalType: "VARCHAR", Role: meta.ColumnRoleTime},
			{Name: "Data", PhysicalType: "DOUBLE", Role: meta.ColumnRoleDataValue},
			{Name: "Data2", PhysicalType: "DOUBLE", Role: meta.ColumnRoleDataValue},
		}
		rev := f.addRevision(1)
		f.addUploadCols(rev, "facts.csv", meta.ActionReplaceAll, cols,
			"YearCode,Data,Data2\n2020,1,2\n")

		_, err := f.build(rev)
		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr)
	})
}

func TestCube_Builder_ArtifactRemove(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addStandardDimensions()
	rev := f.addRevision(1)
	f.addUpload(rev, "facts.csv", meta.ActionReplaceAll,
		"YearCode,AreaCode,Data,RowRef,Measure,NoteCodes\n"+
			"2020,W06000001,10,r1,count,\n")

	artifact, err := f.build(rev)
	require.NoError(t, err)

	path := artifact.Path()
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, artifact.Remove())
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	// Removing twice is harmless.
	require.NoError(t, artifact.Remove())
}
