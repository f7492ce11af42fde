package deploy

import (
	"errors"
	"fmt"
)

// Failure is one external step that did not succeed.
type Failure struct {
	Stage   string
	Subject string
	Err     error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Stage, f.Subject, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

type Report struct {
	Failures []Failure
}

func (r *Report) add(stage, subject string, err error) {
	r.Failures = append(r.Failures, Failure{Stage: stage, Subject: subject, Err: err})
}

// OK reports a pass without failures.
func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

// Err joins every failure, nil when there is none.
func (r *Report) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
