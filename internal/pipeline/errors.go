package pipeline

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrInvalidConfig is returned when a pipeline Config fails validation.
var ErrInvalidConfig = errors.New("pipeline: invalid config")

// ErrorKind names a class of failure the Retrier can be told to absorb.
type ErrorKind string

// Built-in error kinds. Callers may define their own and return errors that
// implement Kind() ErrorKind.
const (
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindValidation ErrorKind = "validation"
)

type kinded interface {
	error
	Kind() ErrorKind
}

// TransientNetworkError reports a connection-level failure or a timeout.
type TransientNetworkError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *TransientNetworkError) Error() string {
	what := "network error"
	if e.Timeout {
		what = "timeout"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s fetching %s", what, e.URL)
	}
	return fmt.Sprintf("%s fetching %s: %v", what, e.URL, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// Kind reports KindTimeout for timeouts and KindNetwork otherwise.
func (e *TransientNetworkError) Kind() ErrorKind {
	if e.Timeout {
		return KindTimeout
	}
	return KindNetwork
}

// ValidationError reports a response that arrived intact but failed a
// caller-defined check.
type ValidationError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed for %s", e.URL)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Kind always reports KindValidation.
func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// KindOf returns the kind of the first error in err's chain that carries one.
func KindOf(err error) (ErrorKind, bool) {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind(), true
	}
	return "", false
}

// Classifier partitions errors into retryable and fatal. The zero value
// treats every error as fatal; use DefaultClassifier for the usual set.
// Classifier values are immutable; the With* methods return copies.
type Classifier struct {
	kinds   map[ErrorKind]struct{}
	targets []error
}

// NewClassifier builds a Classifier that retries the given kinds.
func NewClassifier(kinds ...ErrorKind) Classifier {
	return Classifier{}.WithKinds(kinds...)
}

// DefaultClassifier retries network failures, timeouts and validation failures.
func DefaultClassifier() Classifier {
	return NewClassifier(KindNetwork, KindTimeout, KindValidation)
}

// WithKinds returns a copy of c that also retries the given kinds.
func (c Classifier) WithKinds(kinds ...ErrorKind) Classifier {
	out := c.clone()
	for _, k := range kinds {
		out.kinds[k] = struct{}{}
	}
	return out
}

// WithErrors returns a copy of c that also retries any error matching one of
// targets under errors.Is.
func (c Classifier) WithErrors(targets ...error) Classifier {
	out := c.clone()
	for _, t := range targets {
		if t != nil {
			out.targets = append(out.targets, t)
		}
	}
	return out
}

// IsZero reports whether c retries nothing.
func (c Classifier) IsZero() bool {
	return len(c.kinds) == 0 && len(c.targets) == 0
}

// Kinds returns the retryable kinds in no particular order.
func (c Classifier) Kinds() []ErrorKind {
	out := make([]ErrorKind, 0, len(c.kinds))
	for k := range c.kinds {
		out = append(out, k)
	}
	return out
}

// Retryable reports whether err belongs to the retryable set.
func (c Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := KindOf(err); ok {
		if _, hit := c.kinds[kind]; hit {
			return true
		}
	}
	for _, t := range c.targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func (c Classifier) clone() Classifier {
	out := Classifier{
		kinds:   make(map[ErrorKind]struct{}, len(c.kinds)),
		targets: append([]error(nil), c.targets...),
	}
	for k := range c.kinds {
		out.kinds[k] = struct{}{}
	}
	return out
}

// Describe renders err as "<Type>: <message>", or just the type name when the
// message is empty. The type is taken from the classified error in the chain
// when there is one.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	named := err
	var k kinded
	if errors.As(err, &k) {
		named = k
	}
	name := typeName(named)
	if msg := err.Error(); msg != "" {
		return name + ": " + msg
	}
	return name
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
