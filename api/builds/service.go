// Package builds runs cube builds on behalf of API requests and keeps the
// newest artifact per dataset on local disk for preview, export and
// download queries.
package builds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/statbase/cube/builder/pkg/cube"
	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
	"github.com/statbase/cube/builder/pkg/metrics"
)

// Mode selects what happens to a finished build.
type Mode string

const (
	// ModePreview keeps the artifact in the service's cache only.
	ModePreview Mode = "preview"

	// ModePublish assigns the revision its index, persists the artifact to
	// the file store and records its name in the metadata store.
	ModePublish Mode = "publish"
)

// ParseMode parses the mode query parameter, defaulting to preview.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePreview:
		return ModePreview, nil
	case ModePublish:
		return ModePublish, nil
	default:
		return "", fmt.Errorf("unknown build mode %q", s)
	}
}

// Runner is the build engine contract. cube.Builder implements it.
type Runner interface {
	Build(ctx context.Context, dataset *meta.Dataset, target *meta.Revision) (*cube.Artifact, error)
	Locales() []string
}

// MetaStore is the slice of the metadata store the service uses.
type MetaStore interface {
	GetDataset(ctx context.Context, id uuid.UUID) (*meta.Dataset, error)
	ListDatasets(ctx context.Context, limit, offset int) ([]meta.Dataset, int, error)
	PublishRevision(ctx context.Context, revisionID uuid.UUID) (int, error)
	SetCubeFilename(ctx context.Context, revisionID uuid.UUID, filename string) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Runner Runner
	Meta   MetaStore
	Files  filestore.Store

	// MaxConcurrent bounds how many builds run at once across datasets.
	// Builds for the same dataset always run one at a time.
	MaxConcurrent int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.Meta == nil {
		return errors.New("metadata store is required")
	}
	if cfg.Files == nil {
		return errors.New("file store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	return nil
}

// Result describes one finished build.
type Result struct {
	DatasetID  uuid.UUID     `json:"dataset_id"`
	RevisionID uuid.UUID     `json:"revision_id"`
	Mode       Mode          `json:"mode"`
	Duration   time.Duration `json:"-"`

	// Set in publish mode only.
	RevisionIndex int    `json:"revision_index,omitempty"`
	CubeFilename  string `json:"cube_filename,omitempty"`
}

// Service schedules builds and owns the artifact cache. Per dataset the
// cache holds the single newest artifact; a new build replaces it.
type Service struct {
	log *slog.Logger
	cfg Config
	sem *semaphore.Weighted

	mu     sync.Mutex
	states map[uuid.UUID]*datasetState
}

type datasetState struct {
	// mu serializes builds for one dataset, so reconciliation and publish
	// never interleave.
	mu sync.Mutex

	artifact   *cube.Artifact
	revisionID uuid.UUID
	builtAt    time.Time
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Service{
		log:    cfg.Logger,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		states: make(map[uuid.UUID]*datasetState),
	}, nil
}

// Locales returns the locales every built cube carries views for.
func (s *Service) Locales() []string {
	return s.cfg.Runner.Locales()
}

func (s *Service) state(datasetID uuid.UUID) *datasetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[datasetID]
	if !ok {
		st = &datasetState{}
		s.states[datasetID] = st
	}
	return st
}

// Run builds the cube for one revision. The build itself always runs
// against the current metadata; in publish mode the revision is assigned
// its index after the build succeeds, then the artifact is persisted and
// recorded. A failed publish leaves the revision as a draft.
func (s *Service) Run(ctx context.Context, datasetID, revisionID uuid.UUID, mode Mode) (*Result, error) {
	st := s.state(datasetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire build slot: %w", err)
	}
	defer s.sem.Release(1)

	start := s.cfg.Clock.Now()
	result, err := s.run(ctx, st, datasetID, revisionID, mode)
	duration := s.cfg.Clock.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CubeBuildsTotal.WithLabelValues(string(mode), status).Inc()
	metrics.CubeBuildDuration.WithLabelValues(string(mode)).Observe(duration.Seconds())
	if err != nil {
		return nil, err
	}
	result.Duration = duration
	return result, nil
}

func (s *Service) run(ctx context.Context, st *datasetState, datasetID, revisionID uuid.UUID, mode Mode) (*Result, error) {
	dataset, err := s.cfg.Meta.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", datasetID, err)
	}
	target, ok := dataset.Revision(revisionID)
	if !ok {
		return nil, fmt.Errorf("failed to find revision %s: %w", revisionID, meta.ErrNotFound)
	}

	span := sentry.StartSpan(ctx, "cube.build", sentry.WithDescription(fmt.Sprintf("build %s", dataset.Title)))
	span.SetTag("dataset_id", datasetID.String())
	span.SetTag("mode", string(mode))
	ctx = span.Context()
	defer span.Finish()

	artifact, err := s.cfg.Runner.Build(ctx, dataset, target)
	if err != nil {
		return nil, err
	}

	result := &Result{DatasetID: datasetID, RevisionID: revisionID, Mode: mode}
	if mode == ModePublish {
		if err := s.publish(ctx, dataset, target, artifact, result); err != nil {
			_ = artifact.Remove()
			return nil, err
		}
	}

	// Replace the cached artifact. Readers that already opened the old one
	// keep their file handle until they close it.
	if st.artifact != nil {
		if err := st.artifact.Remove(); err != nil {
			s.log.Warn("builds: failed to remove previous artifact", "dataset", datasetID, "error", err)
		}
	}
	st.artifact = artifact
	st.revisionID = revisionID
	st.builtAt = s.cfg.Clock.Now()

	s.log.Info("builds: build finished", "dataset", datasetID, "revision", revisionID, "mode", mode)
	return result, nil
}

// publish promotes a drafted build: assign the revision index, persist the
// artifact bytes, record the stored name. An artifact that reached the file
// store but whose name was never recorded is orphaned and left for the
// admin purge command.
func (s *Service) publish(ctx context.Context, dataset *meta.Dataset, target *meta.Revision, artifact *cube.Artifact, result *Result) error {
	index, err := s.cfg.Meta.PublishRevision(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("failed to publish revision %s: %w", target.ID, err)
	}

	f, err := os.Open(artifact.Path())
	if err != nil {
		return fmt.Errorf("failed to open artifact for upload: %w", err)
	}
	defer f.Close()

	key := cube.ArtifactKey(dataset.ID, artifact.Filename())
	if err := s.cfg.Files.Save(ctx, key, f); err != nil {
		return fmt.Errorf("failed to persist artifact: %w", err)
	}
	if err := s.cfg.Meta.SetCubeFilename(ctx, target.ID, artifact.Filename()); err != nil {
		return fmt.Errorf("failed to record artifact name: %w", err)
	}

	result.RevisionIndex = index
	result.CubeFilename = artifact.Filename()
	return nil
}

// Artifact returns the newest cached artifact for a dataset.
func (s *Service) Artifact(datasetID uuid.UUID) (*cube.Artifact, uuid.UUID, bool) {
	st := s.state(datasetID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.artifact == nil {
		return nil, uuid.Nil, false
	}
	return st.artifact, st.revisionID, true
}

// Warm builds preview artifacts for every dataset that has uploads, so the
// first preview after a restart does not pay the build cost. Failures are
// logged and skipped; a dataset that cannot build yet is not an error.
func (s *Service) Warm(ctx context.Context) {
	const pageSize = 100

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)

	for offset := 0; ; offset += pageSize {
		datasets, total, err := s.cfg.Meta.ListDatasets(ctx, pageSize, offset)
		if err != nil {
			s.log.Warn("builds: failed to list datasets for warm-up", "error", err)
			break
		}
		for _, ds := range datasets {
			datasetID := ds.ID
			g.Go(func() error {
				// Listing carries bare rows; the revision chain needs the
				// full aggregate.
				full, err := s.cfg.Meta.GetDataset(ctx, datasetID)
				if err != nil {
					s.log.Warn("builds: failed to load dataset for warm-up", "dataset", datasetID, "error", err)
					return nil
				}
				if len(full.Revisions) == 0 {
					return nil
				}
				revisionID := full.Revisions[len(full.Revisions)-1].ID
				if _, err := s.Run(ctx, datasetID, revisionID, ModePreview); err != nil {
					s.log.Warn("builds: warm-up build failed", "dataset", datasetID, "error", err)
				}
				return nil
			})
		}
		if offset+pageSize >= total {
			break
		}
	}

	_ = g.Wait()
	s.log.Info("builds: warm-up complete")
}

// Close removes every cached artifact.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for datasetID, st := range s.states {
		st.mu.Lock()
		if st.artifact != nil {
			if err := st.artifact.Remove(); err != nil {
				s.log.Warn("builds: failed to remove artifact", "dataset", datasetID, "error", err)
			}
			st.artifact = nil
		}
		st.mu.Unlock()
	}
}
