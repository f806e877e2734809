// Package datelookup resolves the distinct codes of a time dimension into
// dated lookup rows. The builder treats the matcher as a pure function:
// codes it cannot resolve are simply absent from the result, and the
// builder's anti-join validation turns that absence into a build failure.
package datelookup

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/statbase/cube/builder/pkg/meta"
)

// Row is one resolved date code.
type Row struct {
	Code        string
	Description string
	Start       time.Time
	End         time.Time
	Type        string
}

const (
	TypeCalendarYear  = "calendar_year"
	TypeFinancialYear = "financial_year"
	TypeQuarter       = "quarter"
	TypeMonth         = "month"
	TypeDate          = "date"
)

var (
	reYear     = regexp.MustCompile(`^(\d{4})$`)
	reYearPair = regexp.MustCompile(`^(\d{4})[-/](\d{2})$`)
	reQuarter  = regexp.MustCompile(`^(\d{4})[-\s]?Q([1-4])$`)
	reDate     = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
)

// Standard is the default matcher. It recognises calendar years (2020),
// UK financial years (2020-21, 2020/21), quarters (2020-Q1), months
// (2020-06) and exact dates (2020-06-15) by shape; the extractor is unused
// beyond honouring the contract.
type Standard struct{}

func NewStandard() *Standard {
	return &Standard{}
}

func (s *Standard) Match(extractor *meta.LookupExtractor, values []string) ([]Row, error) {
	rows := make([]Row, 0, len(values))
	seen := map[string]bool{}
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		if row, ok := parse(v); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func parse(code string) (Row, bool) {
	if m := reYear.FindStringSubmatch(code); m != nil {
		year := atoi(m[1])
		return Row{
			Code:        code,
			Description: code,
			Start:       date(year, time.January, 1),
			End:         date(year, time.December, 31),
			Type:        TypeCalendarYear,
		}, true
	}

	if m := reYearPair.FindStringSubmatch(code); m != nil {
		year := atoi(m[1])
		suffix := atoi(m[2])
		// A suffix naming the following year is a financial year; 2011-12
		// reads as FY 2011/12, not December 2011. Anything else in 01..12
		// is a month.
		if suffix == (year+1)%100 {
			return Row{
				Code:        code,
				Description: fmt.Sprintf("%d-%02d", year, suffix),
				Start:       date(year, time.April, 1),
				End:         date(year+1, time.March, 31),
				Type:        TypeFinancialYear,
			}, true
		}
		if suffix >= 1 && suffix <= 12 {
			month := time.Month(suffix)
			return Row{
				Code:        code,
				Description: fmt.Sprintf("%s %d", month, year),
				Start:       date(year, month, 1),
				End:         endOfMonth(year, month),
				Type:        TypeMonth,
			}, true
		}
		return Row{}, false
	}

	if m := reQuarter.FindStringSubmatch(code); m != nil {
		year := atoi(m[1])
		q := atoi(m[2])
		first := time.Month(3*(q-1) + 1)
		last := first + 2
		return Row{
			Code:        code,
			Description: fmt.Sprintf("%s-%s %d", first.String()[:3], last.String()[:3], year),
			Start:       date(year, first, 1),
			End:         endOfMonth(year, last),
			Type:        TypeQuarter,
		}, true
	}

	if m := reDate.FindStringSubmatch(code); m != nil {
		year, month, day := atoi(m[1]), atoi(m[2]), atoi(m[3])
		if month < 1 || month > 12 {
			return Row{}, false
		}
		d := date(year, time.Month(month), day)
		if d.Day() != day {
			// time.Date normalised an out-of-range day, e.g. Feb 30.
			return Row{}, false
		}
		return Row{
			Code:        code,
			Description: fmt.Sprintf("%d %s %d", day, time.Month(month), year),
			Start:       d,
			End:         d,
			Type:        TypeDate,
		}, true
	}

	return Row{}, false
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func endOfMonth(year int, month time.Month) time.Time {
	return date(year, month, 1).AddDate(0, 1, -1)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
