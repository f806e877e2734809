package builds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/statbase/cube/builder/pkg/cube"
	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
	"github.com/statbase/cube/builder/pkg/translate"
	cubetesting "github.com/statbase/cube/utils/pkg/testing"
)

// fakeMeta is an in-memory MetaStore. Datasets are shared by pointer, so a
// test can assert mutations made through the service.
type fakeMeta struct {
	mu         sync.Mutex
	datasets   map[uuid.UUID]*meta.Dataset
	order      []uuid.UUID
	publishErr error
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{datasets: make(map[uuid.UUID]*meta.Dataset)}
}

func (f *fakeMeta) add(ds *meta.Dataset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[ds.ID] = ds
	f.order = append(f.order, ds.ID)
}

func (f *fakeMeta) GetDataset(_ context.Context, id uuid.UUID) (*meta.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.datasets[id]
	if !ok {
		return nil, fmt.Errorf("failed to get dataset %s: %w", id, meta.ErrNotFound)
	}
	return ds, nil
}

func (f *fakeMeta) ListDatasets(_ context.Context, limit, offset int) ([]meta.Dataset, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := len(f.order)
	if offset >= total {
		return nil, total, nil
	}
	ids := f.order[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]meta.Dataset, 0, len(ids))
	for _, id := range ids {
		out = append(out, *f.datasets[id])
	}
	return out, total, nil
}

func (f *fakeMeta) PublishRevision(_ context.Context, revisionID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return 0, f.publishErr
	}
	for _, ds := range f.datasets {
		for i := range ds.Revisions {
			rev := &ds.Revisions[i]
			if rev.ID != revisionID {
				continue
			}
			if rev.Index > 0 {
				return 0, fmt.Errorf("revision %s is already published", revisionID)
			}
			next := 1
			for j := range ds.Revisions {
				if ds.Revisions[j].Index >= next {
					next = ds.Revisions[j].Index + 1
				}
			}
			rev.Index = next
			return next, nil
		}
	}
	return 0, fmt.Errorf("failed to find revision %s: %w", revisionID, meta.ErrNotFound)
}

func (f *fakeMeta) SetCubeFilename(_ context.Context, revisionID uuid.UUID, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ds := range f.datasets {
		for i := range ds.Revisions {
			if ds.Revisions[i].ID == revisionID {
				ds.Revisions[i].CubeFilename = filename
				return nil
			}
		}
	}
	return fmt.Errorf("failed to find revision %s: %w", revisionID, meta.ErrNotFound)
}

// serviceFixture wires the service to a real builder over a throwaway local
// file store, so builds produce genuine DuckDB artifacts without postgres.
type serviceFixture struct {
	t     *testing.T
	svc   *Service
	store *fakeMeta
	files filestore.Store
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	log := cubetesting.NewLogger()
	files, err := filestore.NewLocal(log, t.TempDir())
	require.NoError(t, err)
	catalog, err := translate.Load()
	require.NoError(t, err)
	builder, err := cube.New(cube.Config{Logger: log, Files: files, Translator: catalog})
	require.NoError(t, err)

	store := newFakeMeta()
	svc, err := New(Config{Logger: log, Runner: builder, Meta: store, Files: files, MaxConcurrent: 2})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &serviceFixture{t: t, svc: svc, store: store, files: files}
}

// addDataset registers a dataset with one draft revision holding a single
// replace_all upload and saves its fact file to the file store.
func (f *serviceFixture) addDataset(title string) *meta.Dataset {
	f.t.Helper()

	now := time.Now().UTC()
	ds := &meta.Dataset{ID: uuid.New(), Title: title, CreatedAt: now}
	rev := meta.Revision{ID: uuid.New(), DatasetID: ds.ID, CreatedAt: now}
	rev.Uploads = []meta.FactTableUpload{{
		ID:         uuid.New(),
		RevisionID: rev.ID,
		Filename:   "facts.csv",
		Action:     meta.ActionReplaceAll,
		UploadedAt: now,
		Columns: []meta.ColumnDescriptor{
			{Name: "AreaCode", PhysicalType: "VARCHAR", Role: meta.ColumnRoleDimension},
			{Name: "Data", PhysicalType: "DOUBLE", Role: meta.ColumnRoleDataValue},
		},
	}}
	ds.Revisions = []meta.Revision{rev}
	ds.Dimensions = []meta.Dimension{{
		ID:              uuid.New(),
		DatasetID:       ds.ID,
		FactTableColumn: "AreaCode",
		Type:            meta.DimensionRaw,
	}}

	facts := "AreaCode,Data\nW06000001,10.5\nW06000002,20.25\n"
	err := f.files.Save(f.t.Context(), cube.UploadKey(ds.ID, "facts.csv"), strings.NewReader(facts))
	require.NoError(f.t, err)

	f.store.add(ds)
	return ds
}

func (f *serviceFixture) countRows(datasetID uuid.UUID, view string) int {
	f.t.Helper()

	artifact, _, ok := f.svc.Artifact(datasetID)
	require.True(f.t, ok)
	db, err := artifact.Open(f.t.Context())
	require.NoError(f.t, err)
	defer db.Close()

	var n int
	require.NoError(f.t, db.QueryRow(f.t.Context(), "SELECT count(*) FROM "+view).Scan(&n))
	return n
}

func TestBuilds_ParseMode(t *testing.T) {
	t.Parallel()

	mode, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModePreview, mode)

	mode, err = ParseMode("preview")
	require.NoError(t, err)
	require.Equal(t, ModePreview, mode)

	mode, err = ParseMode("publish")
	require.NoError(t, err)
	require.Equal(t, ModePublish, mode)

	_, err = ParseMode("ship_it")
	require.ErrorContains(t, err, `unknown build mode "ship_it"`)
}

func TestBuilds_ConfigValidation(t *testing.T) {
	t.Parallel()

	log := cubetesting.NewLogger()
	files, err := filestore.NewLocal(log, t.TempDir())
	require.NoError(t, err)
	store := newFakeMeta()
	runner := stubRunner{}

	t.Run("missing_logger", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Runner: runner, Meta: store, Files: files})
		require.ErrorContains(t, err, "logger is required")
	})

	t.Run("missing_runner", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Logger: log, Meta: store, Files: files})
		require.ErrorContains(t, err, "runner is required")
	})

	t.Run("missing_metadata_store", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Logger: log, Runner: runner, Files: files})
		require.ErrorContains(t, err, "metadata store is required")
	})

	t.Run("missing_file_store", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{Logger: log, Runner: runner, Meta: store})
		require.ErrorContains(t, err, "file store is required")
	})
}

func TestBuilds_PreviewKeepsArtifactLocal(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ds := f.addDataset("House prices by area")
	revisionID := ds.Revisions[0].ID

	result, err := f.svc.Run(t.Context(), ds.ID, revisionID, ModePreview)
	require.NoError(t, err)
	require.Equal(t, ds.ID, result.DatasetID)
	require.Equal(t, revisionID, result.RevisionID)
	require.Equal(t, ModePreview, result.Mode)
	require.NotZero(t, result.Duration)
	require.Zero(t, result.RevisionIndex)
	require.Empty(t, result.CubeFilename)

	artifact, cachedRev, ok := f.svc.Artifact(ds.ID)
	require.True(t, ok)
	require.Equal(t, revisionID, cachedRev)
	require.FileExists(t, artifact.Path())
	require.Equal(t, 2, f.countRows(ds.ID, "core_view_en"))

	// The revision stays a draft and no artifact reaches the file store.
	require.Zero(t, ds.Revisions[0].Index)
	keys, err := f.files.List(t.Context(), "datasets/")
	require.NoError(t, err)
	for _, key := range keys {
		require.NotContains(t, key, "/cubes/")
	}
}

func TestBuilds_RebuildReplacesCachedArtifact(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ds := f.addDataset("Recycling rates")
	revisionID := ds.Revisions[0].ID

	_, err := f.svc.Run(t.Context(), ds.ID, revisionID, ModePreview)
	require.NoError(t, err)
	first, _, ok := f.svc.Artifact(ds.ID)
	require.True(t, ok)
	firstPath := first.Path()

	_, err = f.svc.Run(t.Context(), ds.ID, revisionID, ModePreview)
	require.NoError(t, err)
	second, _, ok := f.svc.Artifact(ds.ID)
	require.True(t, ok)

	require.NotEqual(t, firstPath, second.Path())
	require.FileExists(t, second.Path())
	_, err = os.Stat(firstPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuilds_PublishPersistsArtifact(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ds := f.addDataset("Welsh language skills")
	revisionID := ds.Revisions[0].ID

	result, err := f.svc.Run(t.Context(), ds.ID, revisionID, ModePublish)
	require.NoError(t, err)
	require.Equal(t, ModePublish, result.Mode)
	require.Equal(t, 1, result.RevisionIndex)
	require.NotEmpty(t, result.CubeFilename)

	// The revision is published and the stored name recorded.
	require.Equal(t, 1, ds.Revisions[0].Index)
	require.Equal(t, result.CubeFilename, ds.Revisions[0].CubeFilename)

	keys, err := f.files.List(t.Context(), "datasets/"+ds.ID.String()+"/cubes/")
	require.NoError(t, err)
	require.Equal(t, []string{cube.ArtifactKey(ds.ID, result.CubeFilename)}, keys)

	_, cachedRev, ok := f.svc.Artifact(ds.ID)
	require.True(t, ok)
	require.Equal(t, revisionID, cachedRev)
}

func TestBuilds_RepublishFails(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ds := f.addDataset("Air quality")
	revisionID := ds.Revisions[0].ID

	result, err := f.svc.Run(t.Context(), ds.ID, revisionID, ModePublish)
	require.NoError(t, err)

	_, err = f.svc.Run(t.Context(), ds.ID, revisionID, ModePublish)
	require.ErrorContains(t, err, "already published")

	// The failed publish keeps the previous artifact cached and persists
	// nothing new.
	artifact, _, ok := f.svc.Artifact(ds.ID)
	require.True(t, ok)
	require.Equal(t, result.CubeFilename, artifact.Filename())
	keys, err := f.files.List(t.Context(), "datasets/"+ds.ID.String()+"/cubes/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestBuilds_PublishFailureLeavesDraft(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ds := f.addDataset("Sheep counts")
	f.store.publishErr = errors.New("connection reset")

	_, err := f.svc.Run(t.Context(), ds.ID, ds.Revisions[0].ID, ModePublish)
	require.ErrorContains(t, err, "connection reset")

	require.Zero(t, ds.Revisions[0].Index)
	_, _, ok := f.svc.Artifact(ds.ID)
	require.False(t, ok)
	keys, err := f.files.List(t.Context(), "datasets/"+ds.ID.String()+"/cubes/")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestBuilds_UnknownTargets(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ds := f.addDataset("Broadband coverage")

	t.Run("unknown_dataset", func(t *testing.T) {
		_, err := f.svc.Run(t.Context(), uuid.New(), uuid.New(), ModePreview)
		require.ErrorIs(t, err, meta.ErrNotFound)
	})

	t.Run("unknown_revision", func(t *testing.T) {
		_, err := f.svc.Run(t.Context(), ds.ID, uuid.New(), ModePreview)
		require.ErrorIs(t, err, meta.ErrNotFound)
	})
}

func TestBuilds_WarmBuildsEveryDataset(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	first := f.addDataset("Population estimates")
	second := f.addDataset("School absences")

	f.svc.Warm(t.Context())

	_, rev, ok := f.svc.Artifact(first.ID)
	require.True(t, ok)
	require.Equal(t, first.Revisions[0].ID, rev)
	_, rev, ok = f.svc.Artifact(second.ID)
	require.True(t, ok)
	require.Equal(t, second.Revisions[0].ID, rev)
}

func TestBuilds_CloseRemovesArtifacts(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ds := f.addDataset("Fuel poverty")

	_, err := f.svc.Run(t.Context(), ds.ID, ds.Revisions[0].ID, ModePreview)
	require.NoError(t, err)
	artifact, _, ok := f.svc.Artifact(ds.ID)
	require.True(t, ok)
	path := artifact.Path()

	f.svc.Close()

	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, _, ok = f.svc.Artifact(ds.ID)
	require.False(t, ok)
}

func TestBuilds_Locales(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	require.Equal(t, []string{"cy-GB", "en-GB"}, f.svc.Locales())
}

// stubRunner satisfies Runner for config tests that never build.
type stubRunner struct{}

func (stubRunner) Build(context.Context, *meta.Dataset, *meta.Revision) (*cube.Artifact, error) {
	return nil, errors.New("not implemented")
}

func (stubRunner) Locales() []string { return []string{"en-GB"} }
