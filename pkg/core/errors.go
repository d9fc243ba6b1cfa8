package core

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/pkg/model"
)

// ErrInvalidConfiguration is returned when the trial's configuration cannot express the lengths
// the searcher asks for, e.g. epochs without records_per_epoch.
var ErrInvalidConfiguration = model.ErrInvalidConfiguration

// ErrProtocolViolation marks a misuse of the workload or operation protocol, such as asking for an
// operation before completing the previous one. It is raised by panicking.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrFinishedGracefully is returned once a trial has run every workload it was given. It is a
// success, not a failure.
var ErrFinishedGracefully = errors.New("workload sequence finished")

// InvalidHP is returned by training code to signal that the hyperparameters of the trial cannot
// work. The trial is reported as exited early and the process still exits successfully.
type InvalidHP struct {
	Reason string
}

func (e InvalidHP) Error() string {
	if e.Reason == "" {
		return "invalid hyperparameters"
	}
	return fmt.Sprintf("invalid hyperparameters: %s", e.Reason)
}

// IsInvalidHP reports whether err is or wraps an InvalidHP.
func IsInvalidHP(err error) bool {
	var ihp InvalidHP
	if errors.As(err, &ihp) {
		return true
	}
	var pihp *InvalidHP
	return errors.As(err, &pihp)
}

func protocolViolation(format string, args ...interface{}) {
	panic(errors.Wrapf(ErrProtocolViolation, format, args...))
}

// ExitCode maps the error that ended a worker to its process exit code. Graceful completion and
// invalid hyperparameters are successes.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, ErrFinishedGracefully), IsInvalidHP(err):
		return 0
	default:
		return 1
	}
}
