package main

import (
	"fmt"
	"sort"
	"strings"
)

const (
	defaultTopN = 5

	tieBreakBranch     = "branch"
	tieBreakAttendance = "attendance"

	levelConstituency = "constituency"
	levelBranch       = "branch"
)

// AggregateOptions controls the performer rankings.
type AggregateOptions struct {
	TopN     int    `json:"top_n"`
	TieBreak string `json:"tie_break"`
}

func (o AggregateOptions) normalize() (AggregateOptions, error) {
	if o.TopN <= 0 {
		return o, fmt.Errorf("top must be positive, got %d", o.TopN)
	}
	o.TieBreak = strings.ToLower(strings.TrimSpace(o.TieBreak))
	switch o.TieBreak {
	case "":
		o.TieBreak = tieBreakBranch
	case tieBreakBranch, tieBreakAttendance:
	default:
		return o, fmt.Errorf("invalid tie-break %q (branch, attendance)", o.TieBreak)
	}
	return o, nil
}

// AggregateRow summarizes one constituency or branch for one month.
// AttendanceRate is the mean of per-record rates and is nil when no record
// in the group has a target.
type AggregateRow struct {
	Year           int      `json:"year"`
	Month          string   `json:"month"`
	Constituency   string   `json:"constituency"`
	Branch         string   `json:"branch,omitempty"`
	Records        int      `json:"records"`
	Reports        int      `json:"reports"`
	Branches       int      `json:"branches,omitempty"`
	MeanAttendance float64  `json:"mean_attendance"`
	MeanTarget     float64  `json:"mean_target"`
	AttendanceRate *float64 `json:"attendance_rate"`
}

func (r AggregateRow) Period() Period {
	return Period{Year: r.Year, Month: r.Month}
}

type RankedRow struct {
	AggregateRow
	Rank int `json:"rank"`
}

// Aggregates is everything the aggregate workbook holds.
type Aggregates struct {
	Options             AggregateOptions   `json:"options"`
	ConstituencyMonthly []AggregateRow     `json:"constituency_monthly"`
	BranchMonthly       []AggregateRow     `json:"branch_monthly"`
	TopPerformers       []RankedRow        `json:"top_performers"`
	LowPerformers       []RankedRow        `json:"low_performers"`
	Original            []AttendanceRecord `json:"-"`
}

type groupAccumulator struct {
	row        AggregateRow
	attendance int
	target     int
	rateSum    float64
	rateCount  int
	weeks      map[string]struct{}
	branches   map[string]struct{}
}

func newGroupAccumulator(record AttendanceRecord, withBranch bool) *groupAccumulator {
	acc := &groupAccumulator{
		row: AggregateRow{
			Year:         record.Year,
			Month:        record.Month,
			Constituency: record.Constituency,
		},
		weeks:    map[string]struct{}{},
		branches: map[string]struct{}{},
	}
	if withBranch {
		acc.row.Branch = record.Branch
	}
	return acc
}

func (a *groupAccumulator) add(record AttendanceRecord) {
	a.row.Records++
	a.attendance += record.Attendance
	a.target += record.Target
	if rate, ok := record.Rate(); ok {
		a.rateSum += rate
		a.rateCount++
	}
	a.weeks[strings.ToLower(record.Week)] = struct{}{}
	a.branches[strings.ToLower(record.Branch)] = struct{}{}
}

func (a *groupAccumulator) finish() AggregateRow {
	row := a.row
	row.Reports = len(a.weeks)
	if row.Branch == "" {
		row.Branches = len(a.branches)
	}
	if row.Records > 0 {
		row.MeanAttendance = round2(float64(a.attendance) / float64(row.Records))
		row.MeanTarget = round2(float64(a.target) / float64(row.Records))
	}
	if a.rateCount > 0 {
		rate := round4(a.rateSum / float64(a.rateCount))
		row.AttendanceRate = &rate
	}
	return row
}

type groupKey struct {
	period       Period
	constituency string
	branch       string
}

// BuildAggregates computes the monthly tables and rankings. The result only
// depends on the records, never on map iteration order.
func BuildAggregates(records []AttendanceRecord, opts AggregateOptions) (Aggregates, error) {
	opts, err := opts.normalize()
	if err != nil {
		return Aggregates{}, err
	}

	constituencies := map[groupKey]*groupAccumulator{}
	branches := map[groupKey]*groupAccumulator{}
	original := make([]AttendanceRecord, 0, len(records))

	for _, record := range records {
		if record.validate() != nil {
			continue
		}
		original = append(original, record)
		period := record.Period()

		ck := groupKey{period: period, constituency: strings.ToLower(record.Constituency)}
		acc, ok := constituencies[ck]
		if !ok {
			acc = newGroupAccumulator(record, false)
			constituencies[ck] = acc
		}
		acc.add(record)

		bk := groupKey{period: period, constituency: ck.constituency, branch: strings.ToLower(record.Branch)}
		acc, ok = branches[bk]
		if !ok {
			acc = newGroupAccumulator(record, true)
			branches[bk] = acc
		}
		acc.add(record)
	}

	agg := Aggregates{
		Options:             opts,
		ConstituencyMonthly: finishGroups(constituencies),
		BranchMonthly:       finishGroups(branches),
		Original:            original,
	}
	agg.TopPerformers, agg.LowPerformers = rankPerformers(agg.BranchMonthly, opts)
	return agg, nil
}

func finishGroups(groups map[groupKey]*groupAccumulator) []AggregateRow {
	rows := make([]AggregateRow, 0, len(groups))
	for _, acc := range groups {
		rows = append(rows, acc.finish())
	}
	sortAggregateRows(rows)
	return rows
}

func sortAggregateRows(rows []AggregateRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := rows[i].Period(), rows[j].Period()
		if pi != pj {
			return pi.Before(pj)
		}
		if c := compareNames(rows[i].Constituency, rows[j].Constituency); c != 0 {
			return c < 0
		}
		return compareNames(rows[i].Branch, rows[j].Branch) < 0
	})
}

// compareNames orders case-insensitively, falling back to the exact spelling.
func compareNames(a, b string) int {
	if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// rankPerformers builds the per-month top and low lists from branch rows
// that have a rate. The low list is drawn from the tail of the top ordering,
// so the lists only share branches when a month has at most 2N of them.
// When rates tie at the cut, the low list keeps the tied branches that come
// last in the top ordering, which under the branch tie-break are the names
// sorting last.
func rankPerformers(rows []AggregateRow, opts AggregateOptions) ([]RankedRow, []RankedRow) {
	rated := make([]AggregateRow, 0, len(rows))
	for _, row := range rows {
		if row.AttendanceRate != nil {
			rated = append(rated, row)
		}
	}
	periods, byPeriod := groupByPeriod(rated)

	var top, low []RankedRow
	for _, p := range periods {
		ordered := append([]AggregateRow{}, byPeriod[p]...)
		sort.SliceStable(ordered, func(i, j int) bool { return rankBefore(ordered[i], ordered[j], opts.TieBreak, true) })

		n := opts.TopN
		if n > len(ordered) {
			n = len(ordered)
		}
		for i, row := range ordered[:n] {
			top = append(top, RankedRow{AggregateRow: row, Rank: i + 1})
		}

		tail := append([]AggregateRow{}, ordered[len(ordered)-n:]...)
		sort.SliceStable(tail, func(i, j int) bool { return rankBefore(tail[i], tail[j], opts.TieBreak, false) })
		for i, row := range tail {
			low = append(low, RankedRow{AggregateRow: row, Rank: i + 1})
		}
	}
	return top, low
}

// rankBefore orders by rate (descending when best is set), then by the
// configured tie-break, then by branch and constituency name ascending.
func rankBefore(a, b AggregateRow, tieBreak string, best bool) bool {
	ra, rb := *a.AttendanceRate, *b.AttendanceRate
	if ra != rb {
		if best {
			return ra > rb
		}
		return ra < rb
	}
	if tieBreak == tieBreakAttendance && a.MeanAttendance != b.MeanAttendance {
		if best {
			return a.MeanAttendance > b.MeanAttendance
		}
		return a.MeanAttendance < b.MeanAttendance
	}
	if c := compareNames(a.Branch, b.Branch); c != 0 {
		return c < 0
	}
	return compareNames(a.Constituency, b.Constituency) < 0
}

// groupByPeriod splits rows per month and returns the months in calendar order.
func groupByPeriod(rows []AggregateRow) ([]Period, map[Period][]AggregateRow) {
	var periods []Period
	grouped := map[Period][]AggregateRow{}
	for _, row := range rows {
		p := row.Period()
		if _, ok := grouped[p]; !ok {
			periods = append(periods, p)
		}
		grouped[p] = append(grouped[p], row)
	}
	sort.SliceStable(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })
	return periods, grouped
}
