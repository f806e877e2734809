// Package cube implements the cube build engine. A build derives the
// physical fact table from a dataset's column catalog, folds the revision
// chain's uploads into it, resolves dimensions and the measure into
// validated lookup joins, expands note codes into translated text, and
// materializes one denormalized view per supported locale into a single
// portable artifact file.
package cube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"

	"github.com/statbase/cube/builder/pkg/datelookup"
	"github.com/statbase/cube/builder/pkg/duckdb"
	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
	"github.com/statbase/cube/builder/pkg/metrics"
	"github.com/statbase/cube/builder/pkg/translate"
)

// DateMatcher resolves the distinct codes of a time dimension into dated
// lookup rows.
type DateMatcher interface {
	Match(extractor *meta.LookupExtractor, values []string) ([]datelookup.Row, error)
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Files      filestore.Store
	Translator *translate.Catalog
	Dates      DateMatcher

	// Locales are the supported locales, one view each. Defaults to every
	// locale the translator carries.
	Locales []string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Files == nil {
		return errors.New("file store is required")
	}
	if c.Translator == nil {
		return errors.New("translator is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Dates == nil {
		c.Dates = datelookup.NewStandard()
	}
	if len(c.Locales) == 0 {
		c.Locales = c.Translator.Locales()
	}
	if len(c.Locales) == 0 {
		return errors.New("at least one locale is required")
	}
	for _, locale := range c.Locales {
		if !c.Translator.HasLocale(locale) {
			return fmt.Errorf("no translation catalog for locale %s", locale)
		}
	}
	return nil
}

// Builder runs cube builds. One Builder serves any number of concurrent
// builds; each Build opens its own private working store and temp files, so
// builds for different revisions never contend.
type Builder struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Builder{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Locales returns the locales every built cube carries views for.
func (b *Builder) Locales() []string {
	return b.cfg.Locales
}

// Build materializes the cube for one revision of a dataset and returns a
// handle on the finished artifact. The build runs to completion or fails as
// a unit: on any error the working store is discarded and no artifact
// exists. The pipeline is strictly sequential; later stages read tables
// written by earlier ones.
func (b *Builder) Build(ctx context.Context, dataset *meta.Dataset, target *meta.Revision) (*Artifact, error) {
	start := b.cfg.Clock.Now()
	b.log.Info("cube: build starting", "dataset", dataset.ID, "revision", target.ID, "locales", len(b.cfg.Locales))

	store, err := duckdb.Open(ctx, b.log, "")
	if err != nil {
		return nil, fmt.Errorf("failed to open working store: %w", err)
	}
	artifact, err := b.build(ctx, store, dataset, target)
	if cerr := store.Close(); cerr != nil {
		b.log.Warn("cube: failed to close working store", "error", cerr)
	}
	if err != nil {
		return nil, err
	}

	b.log.Info("cube: build complete", "dataset", dataset.ID, "revision", target.ID,
		"duration", b.cfg.Clock.Since(start), "artifact", artifact.Filename())
	return artifact, nil
}

func (b *Builder) build(ctx context.Context, store *duckdb.DB, dataset *meta.Dataset, target *meta.Revision) (*Artifact, error) {
	founding, ok := dataset.FoundingUpload()
	if !ok {
		return nil, &SchemaError{Err: errors.New("dataset has no fact table uploads")}
	}
	schema, err := deriveSchema(founding)
	if err != nil {
		return nil, &SchemaError{Err: err}
	}
	if err := createFactTable(ctx, store, schema); err != nil {
		return nil, err
	}

	rec := &reconciler{log: b.log, db: store, files: b.cfg.Files, schema: schema}
	if err := rec.fold(ctx, dataset, target); err != nil {
		return nil, err
	}

	frags := NewViewFragments(b.cfg.Locales)

	dims := &dimensionResolver{
		log:        b.log,
		db:         store,
		files:      b.cfg.Files,
		translator: b.cfg.Translator,
		dates:      b.cfg.Dates,
		locales:    b.cfg.Locales,
		schema:     schema,
		datasetID:  dataset.ID,
	}
	contrib, err := dims.resolve(ctx, dataset)
	if err != nil {
		return nil, err
	}
	frags.Merge(contrib)

	msr := &measureResolver{
		log:        b.log,
		db:         store,
		files:      b.cfg.Files,
		translator: b.cfg.Translator,
		locales:    b.cfg.Locales,
		schema:     schema,
		datasetID:  dataset.ID,
	}
	contrib, err = msr.resolve(ctx, dataset)
	if err != nil {
		return nil, err
	}
	frags.Merge(contrib)

	notes := &noteCodeExpander{
		log:        b.log,
		db:         store,
		translator: b.cfg.Translator,
		locales:    b.cfg.Locales,
		schema:     schema,
	}
	contrib, err = notes.expand(ctx)
	if err != nil {
		return nil, err
	}
	frags.Merge(contrib)

	if err := createViews(ctx, b.log, store, frags, b.cfg.Locales); err != nil {
		return nil, err
	}

	return b.materialize(ctx, store, dataset, target)
}

// materialize snapshots the working store into a fresh artifact file under
// a private temp directory. On failure nothing is left behind.
func (b *Builder) materialize(ctx context.Context, store *duckdb.DB, dataset *meta.Dataset, target *meta.Revision) (*Artifact, error) {
	dir, err := os.MkdirTemp("", "cube-build-")
	if err != nil {
		return nil, &MaterializeError{Err: err}
	}
	filename := fmt.Sprintf("%s_%s_%d.duckdb", dataset.ID, target.ID, b.cfg.Clock.Now().Unix())
	path := filepath.Join(dir, filename)

	if err := store.SnapshotTo(ctx, path); err != nil {
		os.RemoveAll(dir)
		return nil, &MaterializeError{Err: err}
	}

	artifact := &Artifact{log: b.log, dir: dir, path: path}
	if size, err := artifact.Size(); err == nil {
		metrics.ArtifactBytes.Observe(float64(size))
	}
	return artifact, nil
}
