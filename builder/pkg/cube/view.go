package cube

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/statbase/cube/builder/pkg/duckdb"
)

// ViewName derives the deterministic view name for a locale from its
// primary language subtag: en-GB maps to core_view_en.
func ViewName(locale string) string {
	sub := locale
	if i := strings.IndexByte(locale, '-'); i >= 0 {
		sub = locale[:i]
	}
	return "core_view_" + safeName(sub)
}

// createViews renders the accumulated fragments into one view per locale
// over the fact table.
func createViews(ctx context.Context, log *slog.Logger, db *duckdb.DB, frags *ViewFragments, locales []string) error {
	for _, locale := range locales {
		body, err := frags.Render(locale, factTable)
		if err != nil {
			return fmt.Errorf("failed to render view for locale %s: %w", locale, err)
		}
		name := ViewName(locale)
		if err := db.Exec(ctx, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS\n%s", quoteIdent(name), body)); err != nil {
			return fmt.Errorf("failed to create view %s: %w", name, err)
		}
		log.Debug("view: locale view created", "locale", locale, "view", name)
	}
	return nil
}
