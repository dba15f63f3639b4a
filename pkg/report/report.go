package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ethpandaops/promptoor/pkg/aggregate"
	"github.com/ethpandaops/promptoor/pkg/outcome"
	"github.com/ethpandaops/promptoor/pkg/resultstore"
	"github.com/ethpandaops/promptoor/pkg/scheduler"
)

// Format selects the report rendering.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatMarkdown, FormatJSON:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// Cell is one (model, test) entry of the report.
type Cell struct {
	Status       outcome.Outcome
	MeanDuration *float64
	Samples      int
}

// Report is the results table: one row per test, one column per model.
type Report struct {
	Passes int
	Models []string
	Tests  []string
	cells  map[resultstore.PairKey]Cell
}

// Build lays out aggregated results. models and tests fix the row and column
// order; when empty they are taken from results in first-seen order. Skipped
// pairs are shown with the SKIPPED status, even when records were stored
// before the model lost the capability.
func Build(results []aggregate.Result, models, tests []string, skipped []scheduler.Skip, passes int) *Report {
	r := &Report{
		Passes: passes,
		Models: models,
		Tests:  tests,
		cells:  make(map[resultstore.PairKey]Cell, len(results)+len(skipped)),
	}

	deriveModels := len(models) == 0
	deriveTests := len(tests) == 0
	seenModel := make(map[string]struct{})
	seenTest := make(map[string]struct{})

	for _, res := range results {
		if deriveModels {
			if _, ok := seenModel[res.Model]; !ok {
				seenModel[res.Model] = struct{}{}
				r.Models = append(r.Models, res.Model)
			}
		}

		if deriveTests {
			if _, ok := seenTest[res.TestName]; !ok {
				seenTest[res.TestName] = struct{}{}
				r.Tests = append(r.Tests, res.TestName)
			}
		}

		r.cells[resultstore.PairKey{Model: res.Model, TestName: res.TestName}] = Cell{
			Status:       res.Status,
			MeanDuration: res.MeanDuration,
			Samples:      res.Samples,
		}
	}

	for _, s := range skipped {
		r.cells[resultstore.PairKey{Model: s.Model, TestName: s.TestName}] = Cell{Status: outcome.Skipped()}
	}

	return r
}

// Cell returns the entry for a pair, false when nothing was recorded.
func (r *Report) Cell(model, test string) (Cell, bool) {
	c, ok := r.cells[resultstore.PairKey{Model: model, TestName: test}]

	return c, ok
}

// Totals sums each model's score: CORRECT counts as the full pass count and
// graded scores add their value.
func (r *Report) Totals() map[string]int {
	totals := make(map[string]int, len(r.Models))

	for _, m := range r.Models {
		totals[m] = 0

		for _, t := range r.Tests {
			c, ok := r.Cell(m, t)
			if !ok {
				continue
			}

			if c.Status.IsCorrect() {
				totals[m] += r.Passes
			} else if score, ok := c.Status.Score(); ok {
				totals[m] += score
			}
		}
	}

	return totals
}

// Write renders the report in the given format.
func Write(w io.Writer, r *Report, format Format) error {
	switch format {
	case FormatText, "":
		_, err := io.WriteString(w, RenderText(r))

		return err
	case FormatMarkdown:
		_, err := io.WriteString(w, RenderMarkdown(r))

		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)

		return enc.Encode(r)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

type jsonResult struct {
	Model        string   `json:"model"`
	TestName     string   `json:"test_name"`
	Status       string   `json:"status"`
	MeanDuration *float64 `json:"mean_duration"`
	Samples      int      `json:"samples"`
}

type jsonReport struct {
	Passes  int            `json:"passes"`
	Models  []string       `json:"models"`
	Tests   []string       `json:"tests"`
	Results []jsonResult   `json:"results"`
	Totals  map[string]int `json:"totals"`
}

// MarshalJSON renders the report as rows in test-major order.
func (r *Report) MarshalJSON() ([]byte, error) {
	out := jsonReport{
		Passes:  r.Passes,
		Models:  nonNil(r.Models),
		Tests:   nonNil(r.Tests),
		Results: make([]jsonResult, 0, len(r.cells)),
		Totals:  r.Totals(),
	}

	for _, t := range r.Tests {
		for _, m := range r.Models {
			c, ok := r.Cell(m, t)
			if !ok {
				continue
			}

			out.Results = append(out.Results, jsonResult{
				Model:        m,
				TestName:     t,
				Status:       c.Status.String(),
				MeanDuration: c.MeanDuration,
				Samples:      c.Samples,
			})
		}
	}

	return json.Marshal(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
