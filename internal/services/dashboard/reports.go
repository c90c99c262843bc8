package dashboard

import (
	"context"
	"fmt"
	"strings"

	"github.com/gaushala/shelter/internal/domain/cow"
	"github.com/gaushala/shelter/internal/storage"
)

// Report tabs.
const (
	TabAll           = "all"
	TabHealth        = "health"
	TabDemographics  = "demographics"
	TabRegistrations = "registrations"
)

// Tabs lists the report tabs in display order.
var Tabs = []string{TabAll, TabHealth, TabDemographics, TabRegistrations}

// NormalizeTab maps an unknown or empty tab to TabAll.
func NormalizeTab(tab string) string {
	tab = strings.ToLower(strings.TrimSpace(tab))
	for _, t := range Tabs {
		if t == tab {
			return t
		}
	}
	return TabAll
}

// Count is one bucket of a breakdown.
type Count struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// MonthCount is the number of registrations in one calendar month.
type MonthCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// Aggregates are the cacheable report figures.
type Aggregates struct {
	Total           int64        `json:"total"`
	Health          []Count      `json:"health"`
	Gender          []Count      `json:"gender"`
	Source          []Count      `json:"source"`
	Monthly         []MonthCount `json:"monthly"`
	MaxRegistration int64        `json:"max_registration"`
}

// Report is everything the reports page shows.
type Report struct {
	Aggregates
	Tab  string
	Cows []cow.Cow
}

// Percent returns count as a percentage of total, treating a zero total as
// one.
func Percent(count, total int64) float64 {
	if total < 1 {
		total = 1
	}
	return float64(count) / float64(total) * 100
}

// Report loads the reports page for tab.
func (s *Service) Report(ctx context.Context, tab string) (*Report, error) {
	agg, err := s.Aggregates(ctx)
	if err != nil {
		return nil, err
	}
	cows, err := s.cows.ListCows(ctx, storage.ListOptions{Limit: ReportCowsLimit})
	if err != nil {
		return nil, fmt.Errorf("report cows: %w", err)
	}
	return &Report{Aggregates: agg, Tab: NormalizeTab(tab), Cows: cows}, nil
}

// Aggregates computes totals, breakdowns and the monthly registrations for
// this month and the two before it.
func (s *Service) Aggregates(ctx context.Context) (Aggregates, error) {
	var out Aggregates
	key := s.monthKey("report")
	if s.cached(ctx, key, &out) {
		return out, nil
	}

	total, err := s.cows.CountCows(ctx, storage.CountFilter{})
	if err != nil {
		return Aggregates{}, fmt.Errorf("count cows: %w", err)
	}
	out.Total = total

	if out.Health, err = s.breakdown(ctx, storage.ColumnHealthStatus, healthKeys()); err != nil {
		return Aggregates{}, err
	}
	if out.Gender, err = s.breakdown(ctx, storage.ColumnGender, genderKeys()); err != nil {
		return Aggregates{}, err
	}
	if out.Source, err = s.breakdown(ctx, storage.ColumnSource, sourceKeys()); err != nil {
		return Aggregates{}, err
	}

	now := s.now()
	out.MaxRegistration = 1
	for offset := 0; offset > -3; offset-- {
		from := MonthStart(now, s.loc, offset)
		before := MonthStart(now, s.loc, offset+1)
		n, err := s.cows.CountCows(ctx, storage.CountFilter{CreatedFrom: from, CreatedBefore: before})
		if err != nil {
			return Aggregates{}, fmt.Errorf("count month %s: %w", from.Format("2006-01"), err)
		}
		out.Monthly = append(out.Monthly, MonthCount{Label: from.Format("January 2006"), Count: n})
		if n > out.MaxRegistration {
			out.MaxRegistration = n
		}
	}

	s.store(ctx, key, out)
	return out, nil
}

type keyLabel struct{ key, label string }

func healthKeys() []keyLabel {
	out := make([]keyLabel, 0, len(cow.HealthStatuses))
	for _, h := range cow.HealthStatuses {
		out = append(out, keyLabel{string(h), h.Label()})
	}
	return out
}

func genderKeys() []keyLabel {
	out := make([]keyLabel, 0, len(cow.Genders))
	for _, g := range cow.Genders {
		out = append(out, keyLabel{string(g), g.Label()})
	}
	return out
}

func sourceKeys() []keyLabel {
	out := make([]keyLabel, 0, len(cow.Sources))
	for _, src := range cow.Sources {
		out = append(out, keyLabel{string(src), src.Label()})
	}
	return out
}

// breakdown counts column values into the known keys. Values outside the
// known set are ignored.
func (s *Service) breakdown(ctx context.Context, column string, keys []keyLabel) ([]Count, error) {
	values, err := s.cows.ColumnValues(ctx, column)
	if err != nil {
		return nil, fmt.Errorf("%s breakdown: %w", column, err)
	}
	tally := make(map[string]int64, len(keys))
	for _, v := range values {
		tally[v]++
	}
	out := make([]Count, 0, len(keys))
	for _, k := range keys {
		out = append(out, Count{Key: k.key, Label: k.label, Count: tally[k.key]})
	}
	return out, nil
}
