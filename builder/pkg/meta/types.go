// Package meta holds the publication metadata model: datasets, their revision
// chains, the uploads contributed to each revision, and the dimension and
// measure declarations the cube builder resolves against. Persistence is
// postgres; the builder only ever sees the hydrated aggregate.
package meta

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ColumnRole classifies one fact-table column. Dimension, Time and Measure
// columns together form the composite key of the logical fact table.
type ColumnRole string

const (
	ColumnRoleDimension ColumnRole = "dimension"
	ColumnRoleTime      ColumnRole = "time"
	ColumnRoleMeasure   ColumnRole = "measure"
	ColumnRoleDataValue ColumnRole = "data_value"
	ColumnRoleNoteCodes ColumnRole = "note_codes"
)

// IsKey reports whether columns with this role participate in the fact
// table's composite key.
func (r ColumnRole) IsKey() bool {
	switch r {
	case ColumnRoleDimension, ColumnRoleTime, ColumnRoleMeasure:
		return true
	}
	return false
}

func ParseColumnRole(s string) (ColumnRole, error) {
	switch ColumnRole(strings.ToLower(s)) {
	case ColumnRoleDimension, ColumnRoleTime, ColumnRoleMeasure, ColumnRoleDataValue, ColumnRoleNoteCodes:
		return ColumnRole(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown column role %q", s)
}

// RevisionAction is the reconciliation rule declared on one upload.
type RevisionAction string

const (
	ActionReplaceAll RevisionAction = "replace_all"
	ActionAdd        RevisionAction = "add"
	ActionRevise     RevisionAction = "revise"
	ActionAddRevise  RevisionAction = "add_revise"
)

func ParseRevisionAction(s string) (RevisionAction, error) {
	switch RevisionAction(strings.ToLower(s)) {
	case ActionReplaceAll, ActionAdd, ActionRevise, ActionAddRevise:
		return RevisionAction(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown revision action %q", s)
}

// DimensionType tags how a dimension is rendered into the cube.
type DimensionType string

const (
	DimensionRaw           DimensionType = "raw"
	DimensionNumeric       DimensionType = "numeric"
	DimensionText          DimensionType = "text"
	DimensionSymbol        DimensionType = "symbol"
	DimensionTimePeriod    DimensionType = "time_period"
	DimensionTimePoint     DimensionType = "time_point"
	DimensionLookupTable   DimensionType = "lookup_table"
	DimensionReferenceData DimensionType = "reference_data"
	DimensionNoteCodes     DimensionType = "note_codes"
)

func ParseDimensionType(s string) (DimensionType, error) {
	switch DimensionType(strings.ToLower(s)) {
	case DimensionRaw, DimensionNumeric, DimensionText, DimensionSymbol,
		DimensionTimePeriod, DimensionTimePoint, DimensionLookupTable,
		DimensionReferenceData, DimensionNoteCodes:
		return DimensionType(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown dimension type %q", s)
}

// DisplayType drives data-value formatting in the locale views.
type DisplayType string

const (
	DisplayDecimal    DisplayType = "decimal"
	DisplayFloat      DisplayType = "float"
	DisplayInteger    DisplayType = "integer"
	DisplayLong       DisplayType = "long"
	DisplayPercentage DisplayType = "percentage"
	DisplayString     DisplayType = "string"
	DisplayText       DisplayType = "text"
	DisplayDate       DisplayType = "date"
	DisplayDateTime   DisplayType = "datetime"
	DisplayTime       DisplayType = "time"
)

func ParseDisplayType(s string) (DisplayType, error) {
	switch DisplayType(strings.ToLower(s)) {
	case DisplayDecimal, DisplayFloat, DisplayInteger, DisplayLong, DisplayPercentage,
		DisplayString, DisplayText, DisplayDate, DisplayDateTime, DisplayTime:
		return DisplayType(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown display type %q", s)
}

// ColumnDescriptor is one entry of an upload's column catalog. Order matters:
// the fact table's composite key preserves declaration order.
type ColumnDescriptor struct {
	Name         string     `json:"name"`
	PhysicalType string     `json:"physical_type"`
	Role         ColumnRole `json:"role"`
}

// FactTableUpload is one file contributed to a revision. Immutable once
// created. Filename is the storage reference handed to the filestore.
type FactTableUpload struct {
	ID         uuid.UUID          `json:"id"`
	RevisionID uuid.UUID          `json:"revision_id"`
	Filename   string             `json:"filename"`
	Action     RevisionAction     `json:"action"`
	UploadedAt time.Time          `json:"uploaded_at"`
	Columns    []ColumnDescriptor `json:"columns"`
}

// Revision is an immutable point in a dataset's history. Index 0 marks a
// draft that has not been published yet; published revisions carry strictly
// increasing indexes starting at 1.
type Revision struct {
	ID           uuid.UUID         `json:"id"`
	DatasetID    uuid.UUID         `json:"dataset_id"`
	Index        int               `json:"revision_index"`
	PreviousID   *uuid.UUID        `json:"previous_revision_id,omitempty"`
	CubeFilename string            `json:"cube_filename,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Uploads      []FactTableUpload `json:"uploads"`
}

// LookupExtractor describes how to read an attached lookup file. The
// per-locale column maps key full locale codes (en-GB) to source column
// names. LegacyWide marks the old one-column-per-locale layout that must be
// pivoted to long format. DecimalColumn only applies to measure lookups: a
// binary flag column deciding decimal vs integer display.
type LookupExtractor struct {
	SortColumn         string            `json:"sort_column,omitempty"`
	DescriptionColumns map[string]string `json:"description_columns,omitempty"`
	NotesColumns       map[string]string `json:"notes_columns,omitempty"`
	DecimalColumn      string            `json:"decimal_column,omitempty"`
	LegacyWide         bool              `json:"legacy_wide"`
}

// DescriptionColumn returns the source description column for a locale, or
// empty when none is declared.
func (e *LookupExtractor) DescriptionColumn(locale string) string {
	if e == nil {
		return ""
	}
	return e.DescriptionColumns[locale]
}

func (e *LookupExtractor) NotesColumn(locale string) string {
	if e == nil {
		return ""
	}
	return e.NotesColumns[locale]
}

// Dimension declares how one fact-table column is rendered. Labels maps
// locale codes to the display name used as the view column header; when a
// locale has no label the raw fact-table column name is used.
type Dimension struct {
	ID              uuid.UUID         `json:"id"`
	DatasetID       uuid.UUID         `json:"dataset_id"`
	FactTableColumn string            `json:"fact_table_column"`
	JoinColumn      string            `json:"join_column"`
	Type            DimensionType     `json:"type"`
	Labels          map[string]string `json:"labels,omitempty"`
	LookupFilename  string            `json:"lookup_filename,omitempty"`
	Extractor       *LookupExtractor  `json:"extractor,omitempty"`
}

// Label returns the display name for a locale, falling back to the raw fact
// table column name.
func (d *Dimension) Label(locale string) string {
	if name, ok := d.Labels[locale]; ok && name != "" {
		return name
	}
	return d.FactTableColumn
}

// MeasureInfo is one inline measure row, one per (measure id, locale).
type MeasureInfo struct {
	ID          string      `json:"id"`
	SortOrder   int         `json:"sort_order"`
	Language    string      `json:"language"`
	Description string      `json:"description"`
	Notes       string      `json:"notes,omitempty"`
	DisplayType DisplayType `json:"display_type"`
}

// Measure declares the dataset's single measure. Either inline Info rows or
// an attached lookup file; inline takes precedence when both are present.
type Measure struct {
	DatasetID       uuid.UUID        `json:"dataset_id"`
	FactTableColumn string           `json:"fact_table_column"`
	JoinColumn      string           `json:"join_column"`
	Info            []MeasureInfo    `json:"info,omitempty"`
	LookupFilename  string           `json:"lookup_filename,omitempty"`
	Extractor       *LookupExtractor `json:"extractor,omitempty"`
}

// Dataset is the root aggregate. Revisions are ordered by creation time,
// dimensions by declaration order.
type Dataset struct {
	ID         uuid.UUID   `json:"id"`
	Title      string      `json:"title"`
	CreatedAt  time.Time   `json:"created_at"`
	Revisions  []Revision  `json:"revisions,omitempty"`
	Dimensions []Dimension `json:"dimensions,omitempty"`
	Measure    *Measure    `json:"measure,omitempty"`
}

// Revision returns the revision with the given id.
func (d *Dataset) Revision(id uuid.UUID) (*Revision, bool) {
	for i := range d.Revisions {
		if d.Revisions[i].ID == id {
			return &d.Revisions[i], true
		}
	}
	return nil, false
}

// LatestRevision returns the most recently created revision, or nil for a
// dataset with no history.
func (d *Dataset) LatestRevision() *Revision {
	if len(d.Revisions) == 0 {
		return nil
	}
	latest := &d.Revisions[0]
	for i := range d.Revisions {
		if d.Revisions[i].CreatedAt.After(latest.CreatedAt) {
			latest = &d.Revisions[i]
		}
	}
	return latest
}

// LatestPublished returns the highest-indexed published revision, or nil
// when nothing has been published yet.
func (d *Dataset) LatestPublished() *Revision {
	var latest *Revision
	for i := range d.Revisions {
		r := &d.Revisions[i]
		if r.Index > 0 && (latest == nil || r.Index > latest.Index) {
			latest = r
		}
	}
	return latest
}

// FoundingUpload returns the first upload of the earliest revision that has
// one. Its column catalog defines the physical fact-table schema.
func (d *Dataset) FoundingUpload() (*FactTableUpload, bool) {
	var found *FactTableUpload
	var foundAt time.Time
	for i := range d.Revisions {
		r := &d.Revisions[i]
		if len(r.Uploads) == 0 {
			continue
		}
		if found == nil || r.CreatedAt.Before(foundAt) {
			found = &r.Uploads[0]
			foundAt = r.CreatedAt
		}
	}
	return found, found != nil
}
