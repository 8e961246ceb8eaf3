// Package report writes batch outcomes to spreadsheets.
package report

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/pipeline"
)

var (
	itemHeader   = []string{"Subject ID", "Name", "Status", "Confidence", "Cost (USD)", "Changes", "Persisted", "Sources", "Error"}
	sourceHeader = []string{"Source", "Attempts", "Found", "Not Found", "Failed", "Blocked", "Cache Hits", "Cost (USD)"}
)

// WriteBatch saves sum to path as an xlsx workbook with an Items sheet,
// a Sources sheet, and a Summary sheet.
func WriteBatch(path string, sum *pipeline.BatchSummary) error {
	if sum == nil {
		return eris.New("report: nil batch summary")
	}
	f := xlsx.NewFile()

	items, err := f.AddSheet("Items")
	if err != nil {
		return eris.Wrap(err, "report: add items sheet")
	}
	addStrings(items, itemHeader)
	for _, it := range sum.Items {
		row := items.AddRow()
		row.AddCell().SetInt64(it.SubjectID)
		row.AddCell().SetString(it.Name)
		row.AddCell().SetString(string(it.Status))
		row.AddCell().SetFloatWithFormat(it.Confidence, "0.00")
		row.AddCell().SetFloatWithFormat(it.CostUSD, "0.0000")
		row.AddCell().SetInt(it.Changes)
		row.AddCell().SetBool(it.Persisted)
		row.AddCell().SetString(strings.Join(it.Sources, ", "))
		row.AddCell().SetString(it.Error)
	}

	sources, err := f.AddSheet("Sources")
	if err != nil {
		return eris.Wrap(err, "report: add sources sheet")
	}
	addStrings(sources, sourceHeader)
	for _, name := range sortedSources(sum.Summary.Sources) {
		st := sum.Summary.Sources[name]
		row := sources.AddRow()
		row.AddCell().SetString(string(name))
		for _, n := range []int{st.Attempts, st.Found, st.NotFound, st.Failed, st.Blocked, st.CacheHit} {
			row.AddCell().SetInt(n)
		}
		row.AddCell().SetFloatWithFormat(st.CostUSD, "0.0000")
	}

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	s := sum.Summary
	for _, kv := range []struct {
		k string
		v any
	}{
		{"Run ID", sum.RunID},
		{"Status", string(sum.Status)},
		{"Processed", s.Processed},
		{"Enriched", s.Enriched},
		{"Not Found", s.NotFound},
		{"Errored", s.Errored},
		{"Fill Rate", s.FillRate},
		{"Total Cost (USD)", s.TotalCostUSD},
		{"Duration (ms)", s.DurationMs},
		{"Circuit Open", sum.CircuitOpen},
	} {
		row := summary.AddRow()
		row.AddCell().SetString(kv.k)
		row.AddCell().SetValue(kv.v)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func addStrings(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func sortedSources(m map[model.SourceType]model.SourceStats) []model.SourceType {
	out := make([]model.SourceType, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
