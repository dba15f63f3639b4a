package aggregate

import (
	"math"

	"github.com/ethpandaops/promptoor/pkg/outcome"
	"github.com/ethpandaops/promptoor/pkg/resultstore"
)

// Result is the rollup of all stored passes of one (model, test) pair.
type Result struct {
	Model    string
	TestName string
	Status   outcome.Outcome
	// MeanDuration is the mean of the recorded durations in seconds, nil when
	// no pass recorded one.
	MeanDuration *float64
	Samples      int
}

// Aggregate reduces a pair's records to a single status. It returns false
// when records is empty.
//
// Identical outcomes yield that outcome. Mixed outcomes yield the number of
// CORRECT records as a graded score. Mixed sets where every record is graded
// are the exception to that count rule and use the rounded mean score
// ([3, 2] gives 3). A graded record mixed with CORRECT does not count as a
// pass ([CORRECT, 2] gives 1).
func Aggregate(records []resultstore.Record) (Result, bool) {
	if len(records) == 0 {
		return Result{}, false
	}

	return Result{
		Model:        records[0].Model,
		TestName:     records[0].TestName,
		Status:       status(records),
		MeanDuration: meanDuration(records),
		Samples:      len(records),
	}, true
}

func status(records []resultstore.Record) outcome.Outcome {
	first := records[0].Outcome
	unanimous := true
	allGraded := true
	correct := 0
	scoreSum := 0

	for _, r := range records {
		if r.Outcome != first {
			unanimous = false
		}

		if r.Outcome.IsCorrect() {
			correct++
		}

		if score, ok := r.Outcome.Score(); ok {
			scoreSum += score
		} else {
			allGraded = false
		}
	}

	switch {
	case unanimous:
		return first
	case allGraded:
		return outcome.Graded(int(math.Round(float64(scoreSum) / float64(len(records)))))
	default:
		return outcome.Graded(correct)
	}
}

func meanDuration(records []resultstore.Record) *float64 {
	var (
		sum float64
		n   int
	)

	for _, r := range records {
		if r.Duration == nil {
			continue
		}

		sum += *r.Duration
		n++
	}

	if n == 0 {
		return nil
	}

	mean := sum / float64(n)

	return &mean
}

// All groups records by pair, in first-seen order, and aggregates each group.
func All(records []resultstore.Record) []Result {
	var (
		order  []resultstore.PairKey
		groups = make(map[resultstore.PairKey][]resultstore.Record)
	)

	for _, r := range records {
		key := r.Pair()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}

		groups[key] = append(groups[key], r)
	}

	results := make([]Result, 0, len(order))

	for _, key := range order {
		if res, ok := Aggregate(groups[key]); ok {
			results = append(results, res)
		}
	}

	return results
}

// Index maps each pair to its result.
func Index(results []Result) map[resultstore.PairKey]Result {
	idx := make(map[resultstore.PairKey]Result, len(results))

	for _, r := range results {
		idx[resultstore.PairKey{Model: r.Model, TestName: r.TestName}] = r
	}

	return idx
}
