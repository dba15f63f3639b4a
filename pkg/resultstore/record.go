package resultstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/ethpandaops/promptoor/pkg/outcome"
)

// ErrInvalidRecord is returned when a record fails validation.
var ErrInvalidRecord = errors.New("invalid record")

// Record is the outcome of one pass of one test case against one model.
type Record struct {
	Model     string
	TestName  string
	PassIndex int
	Outcome   outcome.Outcome
	// Duration in seconds; nil when no timing was captured.
	Duration *float64
}

// Key identifies a record slot.
type Key struct {
	Model     string
	TestName  string
	PassIndex int
}

// PairKey identifies a (model, test) pair.
type PairKey struct {
	Model    string
	TestName string
}

// Key returns the record's slot key.
func (r *Record) Key() Key {
	return Key{Model: r.Model, TestName: r.TestName, PassIndex: r.PassIndex}
}

// Pair returns the record's (model, test) pair.
func (r *Record) Pair() PairKey {
	return PairKey{Model: r.Model, TestName: r.TestName}
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	switch {
	case r.Model == "":
		return fmt.Errorf("%w: empty model", ErrInvalidRecord)
	case r.TestName == "":
		return fmt.Errorf("%w: empty test name", ErrInvalidRecord)
	case !utf8.ValidString(r.Model):
		return fmt.Errorf("%w: model %q is not valid UTF-8", ErrInvalidRecord, r.Model)
	case !utf8.ValidString(r.TestName):
		return fmt.Errorf("%w: test name %q is not valid UTF-8", ErrInvalidRecord, r.TestName)
	case r.PassIndex < 1:
		return fmt.Errorf("%w: pass index %d", ErrInvalidRecord, r.PassIndex)
	case r.Outcome.IsZero():
		return fmt.Errorf("%w: missing outcome", ErrInvalidRecord)
	case r.Outcome.Kind() == outcome.KindSkipped:
		return fmt.Errorf("%w: skipped outcomes are not stored", ErrInvalidRecord)
	}

	return nil
}

type wireRecord struct {
	Model     string          `json:"model"`
	TestName  string          `json:"test_name"`
	PassIndex int             `json:"pass_index"`
	Outcome   outcome.Outcome `json:"outcome"`
	Duration  *float64        `json:"duration"`
}

// MarshalJSON writes the canonical line format.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		Model:     r.Model,
		TestName:  r.TestName,
		PassIndex: r.PassIndex,
		Outcome:   r.Outcome,
		Duration:  r.Duration,
	})
}

type legacyRecord struct {
	Model     string          `json:"model"`
	TestName  *string         `json:"test_name"`
	Testcase  *string         `json:"testcase"`
	PassIndex *int            `json:"pass_index"`
	Passes    *int            `json:"passes"`
	Outcome   json.RawMessage `json:"outcome"`
	Result    json.RawMessage `json:"result"`
	Duration  *float64        `json:"duration"`
}

// UnmarshalJSON reads the canonical format and the older field names
// (testcase, passes, result). A missing pass index decodes as 0 and is
// assigned by the loader.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in legacyRecord
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	out := Record{Model: in.Model, Duration: in.Duration}

	switch {
	case in.TestName != nil:
		out.TestName = *in.TestName
	case in.Testcase != nil:
		out.TestName = *in.Testcase
	}

	switch {
	case in.PassIndex != nil:
		out.PassIndex = *in.PassIndex
	case in.Passes != nil:
		out.PassIndex = *in.Passes
	}

	raw := in.Outcome
	if len(raw) == 0 {
		raw = in.Result
	}

	o, err := decodeOutcome(raw)
	if err != nil {
		return err
	}

	out.Outcome = o
	*r = out

	return nil
}

// decodeOutcome accepts a string code or a bare JSON integer.
func decodeOutcome(raw json.RawMessage) (outcome.Outcome, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return outcome.Outcome{}, fmt.Errorf("%w: missing outcome", ErrInvalidRecord)
	}

	if raw[0] == '"' {
		var code string
		if err := json.Unmarshal(raw, &code); err != nil {
			return outcome.Outcome{}, err
		}

		return outcome.Parse(code)
	}

	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return outcome.Outcome{}, fmt.Errorf("%w: outcome %s", ErrInvalidRecord, raw)
	}

	return outcome.Parse(strconv.Itoa(n))
}

// Float returns a pointer to v, for building durations.
func Float(v float64) *float64 {
	return &v
}
