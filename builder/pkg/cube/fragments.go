package cube

import (
	"fmt"
	"strings"
)

// SelectItem is one projected column of a locale view. Expr is already
// rendered SQL (built from quoted identifiers); Alias is the raw header
// text and is quoted at render time.
type SelectItem struct {
	Expr  string
	Alias string
}

// Join is one join clause of a locale view. Table and Alias are derived
// safe names; On is rendered SQL.
type Join struct {
	Table string
	Alias string
	On    string
}

// OrderBy is one ordering term of a locale view.
type OrderBy struct {
	Expr string
}

// ViewFragments accumulates the per-locale pieces of the view definitions.
// Each resolver builds its own ViewFragments and the builder merges them in
// the order the resolvers ran, so the final column and join order follows
// component order deterministically instead of depending on shared mutation.
type ViewFragments struct {
	locales  []string
	selects  map[string][]SelectItem
	joins    map[string][]Join
	orderBys map[string][]OrderBy
}

// NewViewFragments returns an empty accumulator for the given locales.
func NewViewFragments(locales []string) *ViewFragments {
	return &ViewFragments{
		locales:  locales,
		selects:  map[string][]SelectItem{},
		joins:    map[string][]Join{},
		orderBys: map[string][]OrderBy{},
	}
}

func (f *ViewFragments) AddSelect(locale string, item SelectItem) {
	f.selects[locale] = append(f.selects[locale], item)
}

func (f *ViewFragments) AddJoin(locale string, j Join) {
	f.joins[locale] = append(f.joins[locale], j)
}

func (f *ViewFragments) AddOrderBy(locale string, o OrderBy) {
	f.orderBys[locale] = append(f.orderBys[locale], o)
}

// Merge appends other's fragments after f's own, locale by locale.
func (f *ViewFragments) Merge(other *ViewFragments) {
	if other == nil {
		return
	}
	for _, locale := range f.locales {
		f.selects[locale] = append(f.selects[locale], other.selects[locale]...)
		f.joins[locale] = append(f.joins[locale], other.joins[locale]...)
		f.orderBys[locale] = append(f.orderBys[locale], other.orderBys[locale]...)
	}
}

// Render builds the SELECT statement for one locale's view over the fact
// table, aliased f. Returns an error when no resolver contributed a single
// column for the locale, which would otherwise render invalid SQL.
func (f *ViewFragments) Render(locale, factTable string) (string, error) {
	items := f.selects[locale]
	if len(items) == 0 {
		return "", fmt.Errorf("no columns resolved for locale %s", locale)
	}

	var sb strings.Builder
	sb.WriteString("SELECT\n")
	for i, item := range items {
		if i > 0 {
			sb.WriteString(",\n")
		}
		sb.WriteString("  " + item.Expr + " AS " + quoteIdent(item.Alias))
	}
	sb.WriteString("\nFROM " + quoteIdent(factTable) + " AS f")
	for _, j := range f.joins[locale] {
		sb.WriteString("\nLEFT JOIN " + quoteIdent(j.Table) + " AS " + quoteIdent(j.Alias) + " ON " + j.On)
	}
	if orders := f.orderBys[locale]; len(orders) > 0 {
		exprs := make([]string, len(orders))
		for i, o := range orders {
			exprs[i] = o.Expr
		}
		sb.WriteString("\nORDER BY " + strings.Join(exprs, ", "))
	}
	return sb.String(), nil
}
