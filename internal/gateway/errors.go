package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// Failure sentinels. Clients wrap one of these so the gateway can decide
// between retrying, falling back and recording quota exhaustion.
var (
	// ErrTransient marks a failure worth retrying on the same model:
	// timeouts, 5xx responses, dropped connections.
	ErrTransient = errors.New("transient model failure")

	// ErrQuotaExhausted marks a rate or quota rejection. The model is not
	// retried and is recorded as exhausted.
	ErrQuotaExhausted = errors.New("model quota exhausted")

	// ErrMalformedOutput marks a response that could not be extracted into
	// a structured object or was rejected by the validator.
	ErrMalformedOutput = errors.New("malformed model output")
)

// Kind categorizes an attempt failure.
type Kind string

const (
	KindTransient Kind = "transient"
	KindQuota     Kind = "quota"
	KindMalformed Kind = "malformed"
	KindCanceled  Kind = "canceled"
	KindOther     Kind = "other"
)

// Classify maps an error to its failure kind.
func Classify(err error) Kind {
	var ae *AttemptError
	if errors.As(err, &ae) && ae.Kind != "" {
		return ae.Kind
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuotaExhausted):
		return KindQuota
	case errors.Is(err, ErrMalformedOutput):
		return KindMalformed
	case errors.Is(err, ErrTransient):
		return KindTransient
	case isCanceled(err):
		return KindCanceled
	default:
		return KindOther
	}
}

// AttemptError records one failed attempt against one model.
type AttemptError struct {
	Model   string
	Attempt int
	Kind    Kind
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("model %s attempt %d (%s): %v", e.Model, e.Attempt, e.Kind, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned when every candidate model failed. Attempts
// holds the last failure of each model tried, in order.
type ExhaustedError struct {
	Requested string
	Skipped   []string
	Attempts  []*AttemptError
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all models failed for %s (%d tried, %d skipped as exhausted)",
		e.Requested, len(e.Attempts), len(e.Skipped))
}

// Unwrap exposes the per-model failures to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}

// Diagnostic renders the failure chain as the text stored in place of a
// stage result.
func (e *ExhaustedError) Diagnostic() string {
	var b strings.Builder
	fmt.Fprintf(&b, "VIRHE: Kaikki mallit epäonnistuivat (pyydetty malli: %s).\n", e.Requested)
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, "Ohitetut (kiintiö käytetty): %s\n", strings.Join(e.Skipped, ", "))
	}
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "- %s: %s (yritys %d): %v\n", a.Model, a.Kind, a.Attempt, a.Err)
	}
	return strings.TrimRight(b.String(), "\n")
}
