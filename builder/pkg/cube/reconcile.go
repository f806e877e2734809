package cube

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/statbase/cube/builder/pkg/duckdb"
	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
	"github.com/statbase/cube/builder/pkg/metrics"
)

const stagingTable = "stg_upload"

// reconciler folds the applicable uploads of a revision chain into the
// logical fact table, strictly in upload-time order.
type reconciler struct {
	log    *slog.Logger
	db     *duckdb.DB
	files  filestore.Store
	schema *factSchema
}

// applicableUploads selects every upload that logically precedes or belongs
// to the target revision, sorted ascending by upload time. Published
// revisions apply by index; for a draft target the published revisions
// created before it apply plus the draft's own uploads. Other drafts never
// contribute. Ties on upload time break on id so reconciliation stays
// deterministic.
func applicableUploads(dataset *meta.Dataset, target *meta.Revision) []meta.FactTableUpload {
	var uploads []meta.FactTableUpload
	for i := range dataset.Revisions {
		rev := &dataset.Revisions[i]
		switch {
		case rev.ID == target.ID:
		case rev.Index <= 0:
			continue
		case target.Index > 0 && rev.Index > target.Index:
			continue
		case target.Index <= 0 && !rev.CreatedAt.Before(target.CreatedAt):
			continue
		}
		uploads = append(uploads, rev.Uploads...)
	}
	sort.SliceStable(uploads, func(i, j int) bool {
		if uploads[i].UploadedAt.Equal(uploads[j].UploadedAt) {
			return uploads[i].ID.String() < uploads[j].ID.String()
		}
		return uploads[i].UploadedAt.Before(uploads[j].UploadedAt)
	})
	return uploads
}

func (r *reconciler) fold(ctx context.Context, dataset *meta.Dataset, target *meta.Revision) error {
	uploads := applicableUploads(dataset, target)
	r.log.Debug("reconcile: folding uploads", "dataset", dataset.ID, "revision", target.ID, "uploads", len(uploads))

	for i := range uploads {
		if err := r.foldUpload(ctx, dataset.ID, &uploads[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *reconciler) foldUpload(ctx context.Context, datasetID uuid.UUID, upload *meta.FactTableUpload) error {
	action := upload.Action
	if (action == meta.ActionRevise || action == meta.ActionAddRevise) && !r.schema.canRevise() {
		// Capability downgrade: without both a data value and a note codes
		// column there is nothing to revise against. Not an error.
		r.log.Warn("reconcile: dataset lacks data value or note codes column, skipping upload",
			"upload", upload.ID, "action", action)
		metrics.UploadsFoldedTotal.WithLabelValues(string(action), "skipped").Inc()
		return nil
	}

	path, cleanup, err := r.files.Fetch(ctx, UploadKey(datasetID, upload.Filename))
	if err != nil {
		metrics.UploadsFoldedTotal.WithLabelValues(string(action), "error").Inc()
		return &LoadError{UploadID: upload.ID, Filename: upload.Filename, Err: err}
	}
	defer cleanup()

	source, err := sourceExpr(ctx, r.db, path)
	if err != nil {
		metrics.UploadsFoldedTotal.WithLabelValues(string(action), "error").Inc()
		return &LoadError{UploadID: upload.ID, Filename: upload.Filename, Err: err}
	}

	var rows int64
	switch action {
	case meta.ActionReplaceAll:
		rows, err = r.replaceAll(ctx, source)
	case meta.ActionAdd:
		rows, err = r.add(ctx, source)
	case meta.ActionRevise:
		rows, err = r.revise(ctx, source, false)
	case meta.ActionAddRevise:
		rows, err = r.revise(ctx, source, true)
	default:
		err = fmt.Errorf("unknown revision action %q", action)
	}
	if err != nil {
		metrics.UploadsFoldedTotal.WithLabelValues(string(action), "error").Inc()
		return &LoadError{UploadID: upload.ID, Filename: upload.Filename, Err: err}
	}

	metrics.UploadsFoldedTotal.WithLabelValues(string(action), "ok").Inc()
	metrics.UploadRowsLoaded.WithLabelValues(string(action)).Add(float64(rows))
	r.log.Debug("reconcile: upload folded", "upload", upload.ID, "action", action, "rows", rows)
	return nil
}

func (r *reconciler) replaceAll(ctx context.Context, source string) (int64, error) {
	if err := r.db.Exec(ctx, "DELETE FROM "+quoteIdent(factTable)); err != nil {
		return 0, fmt.Errorf("failed to clear fact table: %w", err)
	}
	return r.add(ctx, source)
}

func (r *reconciler) add(ctx context.Context, source string) (int64, error) {
	cols := r.columnList()
	rows, err := r.db.ExecRows(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		quoteIdent(factTable), cols, cols, source))
	if err != nil {
		return 0, fmt.Errorf("failed to load rows into fact table: %w", err)
	}
	return rows, nil
}

// revise stages the upload and applies every staged row whose note codes
// contain the revision marker as an update, keyed on the full composite
// key: the data value comes from staging and the marker is appended to the
// fact row's note codes once. With insertRemainder set the staged rows
// without the marker are inserted as new fact rows afterwards.
func (r *reconciler) revise(ctx context.Context, source string, insertRemainder bool) (int64, error) {
	cols := r.columnList()
	stg := quoteIdent(stagingTable)
	fact := quoteIdent(factTable)

	if err := r.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS SELECT %s FROM %s", stg, cols, source)); err != nil {
		return 0, fmt.Errorf("failed to stage upload: %w", err)
	}
	defer func() {
		if err := r.db.Exec(ctx, "DROP TABLE IF EXISTS "+stg); err != nil {
			r.log.Warn("reconcile: failed to drop staging table", "error", err)
		}
	}()

	dv := quoteIdent(r.schema.dataValueColumn)
	notes := quoteIdent(r.schema.noteCodesColumn)

	on := make([]string, len(r.schema.keyColumns))
	for i, key := range r.schema.keyColumns {
		on[i] = fmt.Sprintf("%s.%s = stg.%s", fact, quoteIdent(key), quoteIdent(key))
	}
	stagedRevised := fmt.Sprintf("list_contains(string_split(COALESCE(CAST(stg.%s AS VARCHAR), ''), ','), 'r')", notes)
	appendMarker := fmt.Sprintf(
		"CASE WHEN %[1]s.%[2]s IS NULL OR %[1]s.%[2]s = '' THEN 'r' "+
			"WHEN NOT list_contains(string_split(%[1]s.%[2]s, ','), 'r') THEN %[1]s.%[2]s || ',r' "+
			"ELSE %[1]s.%[2]s END",
		fact, notes)

	updated, err := r.db.ExecRows(ctx, fmt.Sprintf(
		"UPDATE %s SET %s = stg.%s, %s = %s FROM %s AS stg WHERE %s AND %s",
		fact, dv, dv, notes, appendMarker, stg, strings.Join(on, " AND "), stagedRevised))
	if err != nil {
		return 0, fmt.Errorf("failed to apply revised rows: %w", err)
	}

	rows := updated
	if insertRemainder {
		inserted, err := r.db.ExecRows(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT %s FROM %s AS stg WHERE NOT %s",
			fact, cols, cols, stg, stagedRevised))
		if err != nil {
			return 0, fmt.Errorf("failed to insert remaining staged rows: %w", err)
		}
		rows += inserted
	}
	return rows, nil
}

func (r *reconciler) columnList() string {
	names := r.schema.columnNames()
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// sourceExpr picks the bulk-load table function for a fetched file by its
// extension. Spreadsheets go through st_read, which needs the spatial
// extension installed first.
func sourceExpr(ctx context.Context, db *duckdb.DB, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "read_csv(" + quoteString(path) + ")", nil
	case ".parquet":
		return "read_parquet(" + quoteString(path) + ")", nil
	case ".json", ".jsonl", ".ndjson":
		return "read_json_auto(" + quoteString(path) + ")", nil
	case ".xlsx", ".xls", ".ods":
		if err := db.LoadExtension(ctx, "spatial"); err != nil {
			return "", err
		}
		return "st_read(" + quoteString(path) + ")", nil
	default:
		return "", fmt.Errorf("unsupported source format %q", filepath.Ext(path))
	}
}
