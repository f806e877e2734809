// Package translate serves the fixed, non-dataset strings rendered into cube
// views: column headers and note-code descriptions. Catalogs are YAML files
// embedded at build time, one per locale, keyed by dotted paths like
// column_headers.start_date or note_codes.revised.
package translate

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localesFS embed.FS

// Catalog holds the flattened translations for every embedded locale.
type Catalog struct {
	byLocale map[string]map[string]string
}

// Load parses all embedded locale catalogs.
func Load() (*Catalog, error) {
	entries, err := fs.ReadDir(localesFS, "locales")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded locales: %w", err)
	}

	c := &Catalog{byLocale: map[string]map[string]string{}}
	for _, entry := range entries {
		name := entry.Name()
		locale := strings.TrimSuffix(name, ".yaml")

		raw, err := localesFS.ReadFile(path.Join("locales", name))
		if err != nil {
			return nil, fmt.Errorf("failed to read locale %s: %w", locale, err)
		}

		var tree map[string]any
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse locale %s: %w", locale, err)
		}

		flat := map[string]string{}
		flatten("", tree, flat)
		c.byLocale[locale] = flat
	}
	return c, nil
}

// Translate returns the string for key in locale. Unknown keys fall back to
// the key itself so a missing translation is visible rather than blank.
func (c *Catalog) Translate(key, locale string) string {
	if flat, ok := c.byLocale[locale]; ok {
		if s, ok := flat[key]; ok {
			return s
		}
	}
	return key
}

// HasLocale reports whether a catalog was embedded for the locale.
func (c *Catalog) HasLocale(locale string) bool {
	_, ok := c.byLocale[locale]
	return ok
}

// Locales lists the embedded locales, sorted.
func (c *Catalog) Locales() []string {
	out := make([]string, 0, len(c.byLocale))
	for locale := range c.byLocale {
		out = append(out, locale)
	}
	sort.Strings(out)
	return out
}

func flatten(prefix string, tree map[string]any, out map[string]string) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case string:
			out[key] = val
		default:
			out[key] = fmt.Sprintf("%v", val)
		}
	}
}
