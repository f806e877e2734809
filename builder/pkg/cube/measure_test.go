package cube

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statbase/cube/builder/pkg/meta"
)

// measureFacts carries one decimal-sized and one integer-sized value so the
// display formatting of each measure is visible in the view output.
const measureFacts = "YearCode,AreaCode,Data,RowRef,Measure,NoteCodes\n" +
	"2020,W06000001,1234.5,r1,avg,\n" +
	"2020,W06000001,42,r2,cnt,\n"

func TestCube_Measure_InlineInfo(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addStandardDimensions()
	f.setMeasure(&meta.Measure{
		FactTableColumn: "Measure",
		JoinColumn:      "code",
		Info: []meta.MeasureInfo{
			{ID: "avg", SortOrder: 1, Language: "en-GB", Description: "Average value", DisplayType: meta.DisplayDecimal},
			{ID: "avg", SortOrder: 1, Language: "cy-GB", Description: "Gwerth cyfartalog", DisplayType: meta.DisplayDecimal},
			{ID: "cnt", SortOrder: 2, Language: "en-GB", Description: "Count of visits", DisplayType: meta.DisplayInteger},
			{ID: "cnt", SortOrder: 2, Language: "cy-GB", Description: "Cyfrif ymweliadau", DisplayType: meta.DisplayInteger},
		},
	})
	rev := f.addRevision(1)
	f.addUpload(rev, "facts.csv", meta.ActionReplaceAll, measureFacts)

	artifact := f.mustBuild(rev)

	en := viewRows(t, artifact, "en-GB")
	require.Len(t, en, 2)

	// Rows come out in measure code order, avg before cnt. Each value is
	// rendered through the display type of its own measure.
	require.Equal(t, "Average value", en[0]["Measure"])
	require.Equal(t, "1,234.50", en[0]["Data"])
	require.Equal(t, "Count of visits", en[1]["Measure"])
	require.Equal(t, "42", en[1]["Data"])

	cy := viewRows(t, artifact, "cy-GB")
	require.Len(t, cy, 2)
	require.Equal(t, "1,234.50", rowBy(t, cy, "Mesur", "Gwerth cyfartalog")["Data"])
	require.Equal(t, "42", rowBy(t, cy, "Mesur", "Cyfrif ymweliadau")["Data"])
}

func TestCube_Measure_LegacyWidePivot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addStandardDimensions()
	f.saveFile("measures.csv",
		"MeasureCode,Description,Disgrifiad,IsDecimal,Sort\n"+
			"avg,Average value,Gwerth cyfartalog,1,2\n"+
			"cnt,Count of visits,Cyfrif ymweliadau,0,1\n")
	f.setMeasure(&meta.Measure{
		FactTableColumn: "Measure",
		JoinColumn:      "MeasureCode",
		LookupFilename:  "measures.csv",
		Extractor: &meta.LookupExtractor{
			LegacyWide: true,
			DescriptionColumns: map[string]string{
				"en-GB": "Description",
				"cy-GB": "Disgrifiad",
			},
			DecimalColumn: "IsDecimal",
			SortColumn:    "Sort",
		},
	})
	rev := f.addRevision(1)
	f.addUpload(rev, "facts.csv", meta.ActionReplaceAll, measureFacts)

	artifact := f.mustBuild(rev)

	en := viewRows(t, artifact, "en-GB")
	require.Len(t, en, 2)
	require.Equal(t, "1,234.50", rowBy(t, en, "Measure", "Average value")["Data"])
	require.Equal(t, "42", rowBy(t, en, "Measure", "Count of visits")["Data"])

	cy := viewRows(t, artifact, "cy-GB")
	require.Equal(t, "1,234.50", rowBy(t, cy, "Mesur", "Gwerth cyfartalog")["Data"])

	t.Run("decimal_flag_decides_the_display_type", func(t *testing.T) {
		rows := artifactRows(t, artifact,
			"SELECT code, language, description, display_type, sort_order FROM measure_lookup ORDER BY code, language")
		require.Len(t, rows, 4)

		require.Equal(t, "avg", rows[0]["code"])
		require.Equal(t, "cy-GB", rows[0]["language"])
		require.Equal(t, "Gwerth cyfartalog", rows[0]["description"])
		require.Equal(t, "decimal", rows[0]["display_type"])
		require.EqualValues(t, 2, rows[0]["sort_order"])

		require.Equal(t, "decimal", rows[1]["display_type"])
		require.Equal(t, "integer", rows[2]["display_type"])
		require.Equal(t, "integer", rows[3]["display_type"])
		require.EqualValues(t, 1, rows[3]["sort_order"])
	})
}

func TestCube_Measure_TextFallback(t *testing.T) {
	t.Parallel()

	t.Run("legacy_file_without_a_format_column", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.addStandardDimensions()
		f.saveFile("measures.csv",
			"MeasureCode,Description\n"+
				"avg,Average value\n"+
				"cnt,Count of visits\n")
		f.setMeasure(&meta.Measure{
			FactTableColumn: "Measure",
			JoinColumn:      "MeasureCode",
			LookupFilename:  "measures.csv",
			Extractor: &meta.LookupExtractor{
				LegacyWide:         true,
				DescriptionColumns: map[string]string{"en-GB": "Description"},
			},
		})
		rev := f.addRevision(1)
		f.addUpload(rev, "facts.csv", meta.ActionReplaceAll, measureFacts)

		artifact := f.mustBuild(rev)

		en := viewRows(t, artifact, "en-GB")
		require.Equal(t, "1234.5", rowBy(t, en, "Measure", "Average value")["Data"])
		require.Equal(t, "42.0", rowBy(t, en, "Measure", "Count of visits")["Data"])

		rows := artifactRows(t, artifact, "SELECT DISTINCT display_type FROM measure_lookup")
		require.Len(t, rows, 1)
		require.Equal(t, "text", rows[0]["display_type"])
	})

	t.Run("inline_info_without_display_types", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.addStandardDimensions()
		f.setMeasure(&meta.Measure{
			FactTableColumn: "Measure",
			JoinColumn:      "code",
			Info: []meta.MeasureInfo{
				{ID: "avg", Language: "en-GB", Description: "Average value"},
				{ID: "avg", Language: "cy-GB", Description: "Gwerth cyfartalog"},
				{ID: "cnt", Language: "en-GB", Description: "Count of visits"},
				{ID: "cnt", Language: "cy-GB", Description: "Cyfrif ymweliadau"},
			},
		})
		rev := f.addRevision(1)
		f.addUpload(rev, "facts.csv", meta.ActionReplaceAll, measureFacts)

		artifact := f.mustBuild(rev)

		en := viewRows(t, artifact, "en-GB")
		require.Equal(t, "1234.5", rowBy(t, en, "Measure", "Average value")["Data"])
		require.Equal(t, "42.0", rowBy(t, en, "Measure", "Count of visits")["Data"])
	})
}

func TestCube_Measure_DirectLookupLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addStandardDimensions()
	// Long format files load as-is, and display types compare
	// case-insensitively.
	f.saveFile("measures_long.csv",
		"code,language,description,notes,sort_order,display_type\n"+
			"avg,en-GB,Average value,,1,Decimal\n"+
			"avg,cy-GB,Gwerth cyfartalog,,1,Decimal\n"+
			"cnt,en-GB,Count of visits,,2,Integer\n"+
			"cnt,cy-GB,Cyfrif ymweliadau,,2,Integer\n")
	f.setMeasure(&meta.Measure{
		FactTableColumn: "Measure",
		JoinColumn:      "code",
		LookupFilename:  "measures_long.csv",
	})
	rev := f.addRevision(1)
	f.addUpload(rev, "facts.csv", meta.ActionReplaceAll, measureFacts)

	artifact := f.mustBuild(rev)

	en := viewRows(t, artifact, "en-GB")
	require.Len(t, en, 2)
	require.Equal(t, "1,234.50", rowBy(t, en, "Measure", "Average value")["Data"])
	require.Equal(t, "42", rowBy(t, en, "Measure", "Count of visits")["Data"])
}

func TestCube_Measure_ConfigError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addStandardDimensions()
	f.setMeasure(&meta.Measure{
		FactTableColumn: "Measure",
		JoinColumn:      "code",
	})
	rev := f.addRevision(1)
	f.addUpload(rev, "facts.csv", meta.ActionReplaceAll, measureFacts)

	artifact, err := f.build(rev)
	require.Nil(t, artifact)

	var cfgErr *MeasureConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "Measure", cfgErr.Column)
}

func TestCube_Measure_PassThrough(t *testing.T) {
	t.Parallel()

	assertRaw := func(t *testing.T, f *fixture) {
		rev := f.addRevision(1)
		f.addUpload(rev, "facts.csv", meta.ActionReplaceAll, measureFacts)

		artifact := f.mustBuild(rev)

		en := viewRows(t, artifact, "en-GB")
		require.Len(t, en, 2)
		row := rowBy(t, en, "RowRef", "r1")
		require.Equal(t, "avg", row["Measure"])
		require.Equal(t, 1234.5, row["Data"])
	}

	t.Run("no_measure_configured", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.addStandardDimensions()
		assertRaw(t, f)
	})

	t.Run("measure_without_a_join_column", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.addStandardDimensions()
		f.setMeasure(&meta.Measure{
			FactTableColumn: "Measure",
			Info:            []meta.MeasureInfo{{ID: "avg", Language: "en-GB", Description: "Average value"}},
		})
		assertRaw(t, f)
	})
}
