package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store persists the publication metadata model in postgres.
type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Connect builds a pgx pool with the standard tuning used across services.
func Connect(ctx context.Context, log *slog.Logger, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("meta: connected to postgres")
	return pool, nil
}

func (s *Store) Close() {
	s.cfg.Pool.Close()
}

// Ping reports whether the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.cfg.Pool.Ping(ctx)
}

// CreateDataset inserts a new dataset and opens its founding draft revision
// so uploads can start immediately.
func (s *Store) CreateDataset(ctx context.Context, title string) (*Dataset, error) {
	now := s.cfg.Clock.Now().UTC()
	ds := &Dataset{
		ID:        uuid.New(),
		Title:     title,
		CreatedAt: now,
	}

	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO datasets (id, title, created_at) VALUES ($1, $2, $3)`,
		ds.ID, ds.Title, ds.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert dataset: %w", err)
	}

	rev := Revision{
		ID:        uuid.New(),
		DatasetID: ds.ID,
		Index:     0,
		CreatedAt: now,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO revisions (id, dataset_id, revision_index, previous_revision_id, created_at)
		 VALUES ($1, $2, $3, NULL, $4)`,
		rev.ID, rev.DatasetID, rev.Index, rev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert founding revision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	ds.Revisions = []Revision{rev}
	s.log.Debug("meta: dataset created", "dataset_id", ds.ID, "title", title)
	return ds, nil
}

// OpenRevision starts a new draft revision chained to the dataset's most
// recent revision.
func (s *Store) OpenRevision(ctx context.Context, datasetID uuid.UUID) (*Revision, error) {
	var prevID *uuid.UUID
	err := s.cfg.Pool.QueryRow(ctx,
		`SELECT id FROM revisions WHERE dataset_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		datasetID).Scan(&prevID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to find previous revision: %w", err)
	}

	rev := &Revision{
		ID:         uuid.New(),
		DatasetID:  datasetID,
		Index:      0,
		PreviousID: prevID,
		CreatedAt:  s.cfg.Clock.Now().UTC(),
	}
	_, err = s.cfg.Pool.Exec(ctx,
		`INSERT INTO revisions (id, dataset_id, revision_index, previous_revision_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rev.ID, rev.DatasetID, rev.Index, rev.PreviousID, rev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert revision: %w", err)
	}

	s.log.Debug("meta: revision opened", "dataset_id", datasetID, "revision_id", rev.ID)
	return rev, nil
}

// AddUpload records one uploaded fact or lookup file against a revision.
func (s *Store) AddUpload(ctx context.Context, revisionID uuid.UUID, filename string, action RevisionAction, columns []ColumnDescriptor) (*FactTableUpload, error) {
	up := &FactTableUpload{
		ID:         uuid.New(),
		RevisionID: revisionID,
		Filename:   filename,
		Action:     action,
		UploadedAt: s.cfg.Clock.Now().UTC(),
		Columns:    columns,
	}

	colsJSON, err := json.Marshal(up.Columns)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal columns: %w", err)
	}

	_, err = s.cfg.Pool.Exec(ctx,
		`INSERT INTO uploads (id, revision_id, filename, action, uploaded_at, columns)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		up.ID, up.RevisionID, up.Filename, up.Action, up.UploadedAt, colsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to insert upload: %w", err)
	}

	s.log.Debug("meta: upload recorded", "revision_id", revisionID, "upload_id", up.ID, "action", action)
	return up, nil
}

// GetDataset hydrates the full aggregate: revisions ordered by creation
// time, uploads ordered by upload time, dimensions in declaration order.
func (s *Store) GetDataset(ctx context.Context, id uuid.UUID) (*Dataset, error) {
	ds := &Dataset{ID: id}
	err := s.cfg.Pool.QueryRow(ctx,
		`SELECT title, created_at FROM datasets WHERE id = $1`, id).
		Scan(&ds.Title, &ds.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get dataset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}

	if err := s.loadRevisions(ctx, ds); err != nil {
		return nil, err
	}
	if err := s.loadDimensions(ctx, ds); err != nil {
		return nil, err
	}
	if err := s.loadMeasure(ctx, ds); err != nil {
		return nil, err
	}

	return ds, nil
}

func (s *Store) loadRevisions(ctx context.Context, ds *Dataset) error {
	rows, err := s.cfg.Pool.Query(ctx,
		`SELECT id, revision_index, previous_revision_id, cube_filename, created_at
		 FROM revisions WHERE dataset_id = $1 ORDER BY created_at, id`, ds.ID)
	if err != nil {
		return fmt.Errorf("failed to query revisions: %w", err)
	}
	defer rows.Close()

	byID := map[uuid.UUID]int{}
	for rows.Next() {
		rev := Revision{DatasetID: ds.ID}
		if err := rows.Scan(&rev.ID, &rev.Index, &rev.PreviousID, &rev.CubeFilename, &rev.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan revision: %w", err)
		}
		byID[rev.ID] = len(ds.Revisions)
		ds.Revisions = append(ds.Revisions, rev)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate revisions: %w", err)
	}
	if len(ds.Revisions) == 0 {
		return nil
	}

	upRows, err := s.cfg.Pool.Query(ctx,
		`SELECT u.id, u.revision_id, u.filename, u.action, u.uploaded_at, u.columns
		 FROM uploads u
		 JOIN revisions r ON r.id = u.revision_id
		 WHERE r.dataset_id = $1
		 ORDER BY u.uploaded_at, u.id`, ds.ID)
	if err != nil {
		return fmt.Errorf("failed to query uploads: %w", err)
	}
	defer upRows.Close()

	for upRows.Next() {
		var up FactTableUpload
		var colsJSON []byte
		if err := upRows.Scan(&up.ID, &up.RevisionID, &up.Filename, &up.Action, &up.UploadedAt, &colsJSON); err != nil {
			return fmt.Errorf("failed to scan upload: %w", err)
		}
		if err := json.Unmarshal(colsJSON, &up.Columns); err != nil {
			return fmt.Errorf("failed to unmarshal upload columns: %w", err)
		}
		if i, ok := byID[up.RevisionID]; ok {
			ds.Revisions[i].Uploads = append(ds.Revisions[i].Uploads, up)
		}
	}
	return upRows.Err()
}

func (s *Store) loadDimensions(ctx context.Context, ds *Dataset) error {
	rows, err := s.cfg.Pool.Query(ctx,
		`SELECT id, fact_table_column, join_column, dimension_type, labels, lookup_filename, extractor
		 FROM dimensions WHERE dataset_id = $1 ORDER BY position`, ds.ID)
	if err != nil {
		return fmt.Errorf("failed to query dimensions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		dim := Dimension{DatasetID: ds.ID}
		var labelsJSON, extractorJSON []byte
		if err := rows.Scan(&dim.ID, &dim.FactTableColumn, &dim.JoinColumn, &dim.Type, &labelsJSON, &dim.LookupFilename, &extractorJSON); err != nil {
			return fmt.Errorf("failed to scan dimension: %w", err)
		}
		if err := json.Unmarshal(labelsJSON, &dim.Labels); err != nil {
			return fmt.Errorf("failed to unmarshal dimension labels: %w", err)
		}
		if len(extractorJSON) > 0 {
			dim.Extractor = &LookupExtractor{}
			if err := json.Unmarshal(extractorJSON, dim.Extractor); err != nil {
				return fmt.Errorf("failed to unmarshal dimension extractor: %w", err)
			}
		}
		ds.Dimensions = append(ds.Dimensions, dim)
	}
	return rows.Err()
}

func (s *Store) loadMeasure(ctx context.Context, ds *Dataset) error {
	m := Measure{DatasetID: ds.ID}
	var infoJSON, extractorJSON []byte
	err := s.cfg.Pool.QueryRow(ctx,
		`SELECT fact_table_column, join_column, info, lookup_filename, extractor
		 FROM measures WHERE dataset_id = $1`, ds.ID).
		Scan(&m.FactTableColumn, &m.JoinColumn, &infoJSON, &m.LookupFilename, &extractorJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query measure: %w", err)
	}

	if len(infoJSON) > 0 {
		if err := json.Unmarshal(infoJSON, &m.Info); err != nil {
			return fmt.Errorf("failed to unmarshal measure info: %w", err)
		}
	}
	if len(extractorJSON) > 0 {
		m.Extractor = &LookupExtractor{}
		if err := json.Unmarshal(extractorJSON, m.Extractor); err != nil {
			return fmt.Errorf("failed to unmarshal measure extractor: %w", err)
		}
	}
	ds.Measure = &m
	return nil
}

// ListDatasets returns a page of datasets (newest first) and the total count.
func (s *Store) ListDatasets(ctx context.Context, limit, offset int) ([]Dataset, int, error) {
	var total int
	if err := s.cfg.Pool.QueryRow(ctx, `SELECT count(*) FROM datasets`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count datasets: %w", err)
	}

	rows, err := s.cfg.Pool.Query(ctx,
		`SELECT id, title, created_at FROM datasets ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query datasets: %w", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var ds Dataset
		if err := rows.Scan(&ds.ID, &ds.Title, &ds.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan dataset: %w", err)
		}
		out = append(out, ds)
	}
	return out, total, rows.Err()
}

// SetDimensions replaces the dataset's dimension declarations, preserving
// the given order as declaration order.
func (s *Store) SetDimensions(ctx context.Context, datasetID uuid.UUID, dims []Dimension) ([]Dimension, error) {
	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM dimensions WHERE dataset_id = $1`, datasetID); err != nil {
		return nil, fmt.Errorf("failed to clear dimensions: %w", err)
	}

	out := make([]Dimension, len(dims))
	for i, dim := range dims {
		if dim.ID == uuid.Nil {
			dim.ID = uuid.New()
		}
		dim.DatasetID = datasetID
		if dim.Labels == nil {
			dim.Labels = map[string]string{}
		}

		labelsJSON, err := json.Marshal(dim.Labels)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal dimension labels: %w", err)
		}
		var extractorJSON []byte
		if dim.Extractor != nil {
			extractorJSON, err = json.Marshal(dim.Extractor)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal dimension extractor: %w", err)
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO dimensions (id, dataset_id, position, fact_table_column, join_column, dimension_type, labels, lookup_filename, extractor)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			dim.ID, dim.DatasetID, i, dim.FactTableColumn, dim.JoinColumn, dim.Type, labelsJSON, dim.LookupFilename, extractorJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to insert dimension %s: %w", dim.FactTableColumn, err)
		}
		out[i] = dim
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Debug("meta: dimensions replaced", "dataset_id", datasetID, "count", len(out))
	return out, nil
}

// AttachDimensionLookup attaches a lookup file and extractor to a dimension.
func (s *Store) AttachDimensionLookup(ctx context.Context, dimensionID uuid.UUID, filename string, extractor *LookupExtractor) error {
	var extractorJSON []byte
	if extractor != nil {
		var err error
		extractorJSON, err = json.Marshal(extractor)
		if err != nil {
			return fmt.Errorf("failed to marshal extractor: %w", err)
		}
	}

	tag, err := s.cfg.Pool.Exec(ctx,
		`UPDATE dimensions SET lookup_filename = $2, extractor = $3 WHERE id = $1`,
		dimensionID, filename, extractorJSON)
	if err != nil {
		return fmt.Errorf("failed to update dimension: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to attach lookup to dimension %s: %w", dimensionID, ErrNotFound)
	}
	return nil
}

// SetMeasure upserts the dataset's single measure declaration.
func (s *Store) SetMeasure(ctx context.Context, m Measure) error {
	var infoJSON, extractorJSON []byte
	var err error
	if len(m.Info) > 0 {
		infoJSON, err = json.Marshal(m.Info)
		if err != nil {
			return fmt.Errorf("failed to marshal measure info: %w", err)
		}
	}
	if m.Extractor != nil {
		extractorJSON, err = json.Marshal(m.Extractor)
		if err != nil {
			return fmt.Errorf("failed to marshal measure extractor: %w", err)
		}
	}

	_, err = s.cfg.Pool.Exec(ctx,
		`INSERT INTO measures (dataset_id, fact_table_column, join_column, info, lookup_filename, extractor)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (dataset_id) DO UPDATE SET
		   fact_table_column = EXCLUDED.fact_table_column,
		   join_column = EXCLUDED.join_column,
		   info = EXCLUDED.info,
		   lookup_filename = EXCLUDED.lookup_filename,
		   extractor = EXCLUDED.extractor`,
		m.DatasetID, m.FactTableColumn, m.JoinColumn, infoJSON, m.LookupFilename, extractorJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert measure: %w", err)
	}
	return nil
}

// PublishRevision assigns the next revision index to a draft. Returns the
// assigned index. Calling it on an already published revision is an error.
func (s *Store) PublishRevision(ctx context.Context, revisionID uuid.UUID) (int, error) {
	tx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var datasetID uuid.UUID
	var current int
	err = tx.QueryRow(ctx,
		`SELECT dataset_id, revision_index FROM revisions WHERE id = $1 FOR UPDATE`,
		revisionID).Scan(&datasetID, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to publish revision %s: %w", revisionID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock revision: %w", err)
	}
	if current > 0 {
		return 0, fmt.Errorf("revision %s is already published with index %d", revisionID, current)
	}

	// Serialize index assignment per dataset via the dataset row lock.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM datasets WHERE id = $1 FOR UPDATE`, datasetID); err != nil {
		return 0, fmt.Errorf("failed to lock dataset: %w", err)
	}

	var next int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(revision_index), 0) + 1 FROM revisions WHERE dataset_id = $1`,
		datasetID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next revision index: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE revisions SET revision_index = $2 WHERE id = $1`, revisionID, next); err != nil {
		return 0, fmt.Errorf("failed to assign revision index: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info("meta: revision published", "dataset_id", datasetID, "revision_id", revisionID, "revision_index", next)
	return next, nil
}

// SetCubeFilename records the storage reference of a published cube artifact.
func (s *Store) SetCubeFilename(ctx context.Context, revisionID uuid.UUID, filename string) error {
	tag, err := s.cfg.Pool.Exec(ctx,
		`UPDATE revisions SET cube_filename = $2 WHERE id = $1`, revisionID, filename)
	if err != nil {
		return fmt.Errorf("failed to set cube filename: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to set cube filename for revision %s: %w", revisionID, ErrNotFound)
	}
	return nil
}

// CubeFilenames lists every artifact reference recorded across all datasets.
// The admin purge command uses it to find orphaned files.
func (s *Store) CubeFilenames(ctx context.Context) (map[string]bool, error) {
	rows, err := s.cfg.Pool.Query(ctx,
		`SELECT cube_filename FROM revisions WHERE cube_filename <> ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cube filenames: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan cube filename: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}
