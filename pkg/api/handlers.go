package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/promptoor/pkg/aggregate"
	"github.com/ethpandaops/promptoor/pkg/report"
	"github.com/ethpandaops/promptoor/pkg/resultstore"
	"github.com/ethpandaops/promptoor/pkg/scheduler"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleResults returns the aggregated results table.
func (s *server) handleResults(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.All(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to read results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to read results"})

		return
	}

	rep := report.Build(aggregate.All(records), nil, nil, nil, s.suite.Passes)

	writeJSON(w, http.StatusOK, rep)
}

type aggregateResponse struct {
	Status       string   `json:"status"`
	MeanDuration *float64 `json:"mean_duration"`
	Samples      int      `json:"samples"`
}

type pairResponse struct {
	Model     string               `json:"model"`
	TestName  string               `json:"test_name"`
	Records   []resultstore.Record `json:"records"`
	Aggregate aggregateResponse    `json:"aggregate"`
}

// handleResult returns the stored passes and aggregate of one pair.
func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	test := chi.URLParam(r, "test")

	records, err := s.store.Read(r.Context(), model, test)
	if err != nil {
		s.log.WithError(err).Error("Failed to read results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to read results"})

		return
	}

	agg, ok := aggregate.Aggregate(records)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"no results"})

		return
	}

	writeJSON(w, http.StatusOK, pairResponse{
		Model:    model,
		TestName: test,
		Records:  records,
		Aggregate: aggregateResponse{
			Status:       agg.Status.String(),
			MeanDuration: agg.MeanDuration,
			Samples:      agg.Samples,
		},
	})
}

type planJob struct {
	Model     string `json:"model"`
	TestName  string `json:"test_name"`
	PassIndex int    `json:"pass_index"`
}

type planSkip struct {
	Model    string `json:"model"`
	TestName string `json:"test_name"`
}

type planResponse struct {
	Passes  int        `json:"passes"`
	Total   int        `json:"total"`
	Jobs    []planJob  `json:"jobs"`
	Skipped []planSkip `json:"skipped"`
}

// handlePlan returns the outstanding jobs for ?passes=N (default: configured).
func (s *server) handlePlan(w http.ResponseWriter, r *http.Request) {
	passes := s.suite.Passes

	if v := r.URL.Query().Get("passes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"passes must be a positive integer"})

			return
		}

		passes = n
	}

	plan, err := scheduler.Schedule(r.Context(), s.store, s.suite.Models, s.suite.Cases, scheduler.Options{
		Passes:   passes,
		UseCache: true,
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to compute plan")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to compute plan"})

		return
	}

	resp := planResponse{
		Passes:  passes,
		Total:   plan.Total(),
		Jobs:    make([]planJob, 0, len(plan.Jobs)),
		Skipped: make([]planSkip, 0, len(plan.Skipped)),
	}

	for _, j := range plan.Jobs {
		resp.Jobs = append(resp.Jobs, planJob{
			Model:     j.Model.Name,
			TestName:  j.TestCase.Name,
			PassIndex: j.PassIndex,
		})
	}

	for _, sk := range plan.Skipped {
		resp.Skipped = append(resp.Skipped, planSkip{Model: sk.Model, TestName: sk.TestName})
	}

	writeJSON(w, http.StatusOK, resp)
}
