package outcome

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which variant an Outcome holds.
type Kind uint8

const (
	// KindNone is the zero value; it never appears in a stored record.
	KindNone Kind = iota
	// KindBoolean is a CORRECT or WRONG verdict.
	KindBoolean
	// KindGraded is an integer score produced by delegated grading.
	KindGraded
	// KindFailure is a provider or decoding failure (see Failure).
	KindFailure
	// KindUnknown means a reply arrived but no grading field could be extracted.
	KindUnknown
	// KindSkipped marks a pair excluded by a capability filter. Never persisted.
	KindSkipped
)

// Failure is the kind of a failed pass.
type Failure string

const (
	NotImplemented Failure = "NOT_IMPLEMENTED"
	BadRequest     Failure = "BAD_REQUEST"
	RateLimited    Failure = "RATE_LIMITED"
	NoJSON         Failure = "NO_JSON"
)

// Canonical codes for the non-failure variants.
const (
	CodeCorrect = "CORRECT"
	CodeWrong   = "WRONG"
	CodeUnknown = "UNKNOWN"
	CodeSkipped = "SKIPPED"
)

// ErrInvalidCode is returned by Parse for codes that map to no variant.
var ErrInvalidCode = errors.New("invalid outcome code")

// Outcome is the classification of a single pass. The zero value is invalid.
type Outcome struct {
	kind    Kind
	correct bool
	score   int
	failure Failure
}

// Correct returns the CORRECT outcome.
func Correct() Outcome { return Outcome{kind: KindBoolean, correct: true} }

// Wrong returns the WRONG outcome.
func Wrong() Outcome { return Outcome{kind: KindBoolean} }

// Boolean returns CORRECT when ok is true, WRONG otherwise.
func Boolean(ok bool) Outcome { return Outcome{kind: KindBoolean, correct: ok} }

// Graded returns an integer score. Negative scores are clamped to zero.
func Graded(n int) Outcome {
	if n < 0 {
		n = 0
	}

	return Outcome{kind: KindGraded, score: n}
}

// Fail returns a failure outcome of the given kind.
func Fail(f Failure) Outcome { return Outcome{kind: KindFailure, failure: f} }

// Unknown returns the UNKNOWN outcome.
func Unknown() Outcome { return Outcome{kind: KindUnknown} }

// Skipped returns the capability-exclusion sentinel.
func Skipped() Outcome { return Outcome{kind: KindSkipped} }

// Kind reports the variant.
func (o Outcome) Kind() Kind { return o.kind }

// IsZero reports whether o is the invalid zero value.
func (o Outcome) IsZero() bool { return o.kind == KindNone }

// IsCorrect reports whether o is the boolean CORRECT outcome.
func (o Outcome) IsCorrect() bool { return o.kind == KindBoolean && o.correct }

// Score returns the graded score, if o is graded.
func (o Outcome) Score() (int, bool) {
	if o.kind != KindGraded {
		return 0, false
	}

	return o.score, true
}

// Failure returns the failure kind, if o is a failure.
func (o Outcome) Failure() (Failure, bool) {
	if o.kind != KindFailure {
		return "", false
	}

	return o.failure, true
}

// String returns the canonical code written to the result store.
func (o Outcome) String() string {
	switch o.kind {
	case KindBoolean:
		if o.correct {
			return CodeCorrect
		}

		return CodeWrong
	case KindGraded:
		return strconv.Itoa(o.score)
	case KindFailure:
		return string(o.failure)
	case KindUnknown:
		return CodeUnknown
	case KindSkipped:
		return CodeSkipped
	default:
		return ""
	}
}

// Label returns a short (at most five characters) display label.
func (o Outcome) Label() string {
	switch o.kind {
	case KindBoolean:
		if o.correct {
			return "PASS"
		}

		return "FAIL"
	case KindGraded:
		return strconv.Itoa(o.score)
	case KindFailure:
		switch o.failure {
		case NotImplemented:
			return "N/I"
		case BadRequest:
			return "BAD"
		case RateLimited:
			return "RATE"
		case NoJSON:
			return "NOJSN"
		}

		return "ERR"
	case KindUnknown:
		return "?"
	case KindSkipped:
		return "SKIP"
	default:
		return ""
	}
}

// legacyCodes maps the single-character codes of older result files.
var legacyCodes = map[string]Outcome{
	"√": Correct(),
	"X": Wrong(),
	"N": Fail(NotImplemented),
	"B": Fail(BadRequest),
	"R": Fail(RateLimited),
	"?": Unknown(),
}

// Parse converts a stored code back into an Outcome. It accepts the canonical
// codes, decimal scores and the legacy single-character codes.
func Parse(code string) (Outcome, error) {
	code = strings.TrimSpace(code)

	switch code {
	case CodeCorrect:
		return Correct(), nil
	case CodeWrong:
		return Wrong(), nil
	case CodeUnknown:
		return Unknown(), nil
	case CodeSkipped:
		return Skipped(), nil
	case string(NotImplemented), string(BadRequest), string(RateLimited), string(NoJSON):
		return Fail(Failure(code)), nil
	}

	if o, ok := legacyCodes[code]; ok {
		return o, nil
	}

	if n, err := strconv.Atoi(code); err == nil && n >= 0 {
		return Graded(n), nil
	}

	return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidCode, code)
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	if o.IsZero() {
		return nil, fmt.Errorf("%w: zero value", ErrInvalidCode)
	}

	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*o = parsed

	return nil
}
