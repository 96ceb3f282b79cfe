// Package fetch retrieves catalog payloads through an ordered list of request
// strategies, shaping traffic and riding out soft blocks along the way.
package fetch

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"
)

// Sentinel errors recorded inside a Failure.
var (
	ErrSoftBlock        = errors.New("soft block")
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrServerStatus     = errors.New("server error status")
	ErrNoTargetURLs     = errors.New("target has no urls")
)

// PayloadKind tells the extraction stage which family a body belongs to.
type PayloadKind int

// Payload kinds.
const (
	KindUnknown PayloadKind = iota
	KindStructured
	KindMarkup
)

func (k PayloadKind) String() string {
	switch k {
	case KindStructured:
		return "structured"
	case KindMarkup:
		return "markup"
	default:
		return "unknown"
	}
}

// Target is one logical catalog listing, reachable through one or more URLs
// tried in order.
type Target struct {
	Name string
	URLs []string
}

// Payload is a successfully retrieved response body.
type Payload struct {
	Target    string
	Strategy  string
	URL       *url.URL
	Kind      PayloadKind
	Body      []byte
	FetchedAt time.Time
}

// AttemptState holds per-engine request counters.
type AttemptState struct {
	Requests        int64
	SoftBlocks      int64
	TransportErrors int64
	LastSuccess     time.Time
	// BackoffLevel is the current soft-block escalation level; reset when a
	// strategy is selected or a fetch succeeds.
	BackoffLevel int
}

// AttemptError describes a single failed request.
type AttemptError struct {
	Strategy string
	URL      string
	Attempt  int
	Status   int
	Err      error
}

func (e *AttemptError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s attempt %d: status %d: %v", e.Strategy, e.URL, e.Attempt, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s attempt %d: %v", e.Strategy, e.URL, e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Failure is returned by Engine.Fetch when no strategy produced a payload.
// It carries every error encountered along the way.
type Failure struct {
	Target string
	err    error
}

func (f *Failure) add(err error) {
	f.err = multierr.Append(f.err, err)
}

// Errors returns the individual errors in the order they occurred.
func (f *Failure) Errors() []error {
	return multierr.Errors(f.err)
}

// SoftBlocks counts the recorded soft-block errors.
func (f *Failure) SoftBlocks() int {
	n := 0
	for _, err := range f.Errors() {
		if errors.Is(err, ErrSoftBlock) {
			n++
		}
	}
	return n
}

func (f *Failure) Error() string {
	errs := f.Errors()
	if len(errs) == 0 {
		return fmt.Sprintf("fetch %s: no attempts made", f.Target)
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("fetch %s: all strategies failed: %s", f.Target, strings.Join(msgs, "; "))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (f *Failure) Unwrap() []error { return f.Errors() }
