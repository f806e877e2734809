package cube

import (
	"fmt"

	"github.com/google/uuid"
)

// The build error taxonomy. Every failure mode of a cube build maps onto one
// of these types so callers can distinguish publisher mistakes (bad lookup
// data, missing measure config) from operational faults (store or artifact
// trouble) without parsing messages. All of them are fatal to the build that
// raised them; the builder never retries and never returns a partial cube.

// SchemaError reports that the physical fact table could not be derived or
// created from the founding upload's column catalog.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema derivation failed: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// LoadError reports that an uploaded fact or lookup file could not be read
// or folded in its declared format.
type LoadError struct {
	UploadID uuid.UUID
	Filename string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load upload %s (%s): %v", e.UploadID, e.Filename, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ValidationError reports that the anti-join check for a dimension found
// fact rows with no matching lookup row.
type ValidationError struct {
	DimensionID uuid.UUID
	Column      string
	Unmatched   int64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dimension %s failed validation: %d fact values in column %q have no matching lookup row",
		e.DimensionID, e.Unmatched, e.Column)
}

// MeasureConfigError reports a declared measure with neither inline info
// rows nor an attached lookup table.
type MeasureConfigError struct {
	Column string
}

func (e *MeasureConfigError) Error() string {
	return fmt.Sprintf("measure on column %q has neither inline info nor a lookup table", e.Column)
}

// MaterializeError reports that the finished working store could not be
// persisted to an artifact file.
type MaterializeError struct {
	Err error
}

func (e *MaterializeError) Error() string {
	return fmt.Sprintf("failed to materialize cube artifact: %v", e.Err)
}

func (e *MaterializeError) Unwrap() error { return e.Err }
