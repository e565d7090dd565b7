package fault

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindResourceUnavailable Kind = "resource_unavailable"
	KindPolicyRejection     Kind = "policy_rejection"
	KindExecution           Kind = "execution_failure"
	KindInfrastructure      Kind = "infrastructure_failure"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInternal            Kind = "internal"
)

var (
	ErrCyclicDependency        = errors.New("cyclic dependency")
	ErrInvalidDefinition       = errors.New("invalid pipeline definition")
	ErrNoAgentAvailable        = errors.New("no agent available")
	ErrProvisioningFailed      = errors.New("provisioning failed")
	ErrAgentLost               = errors.New("agent lost")
	ErrScopeDenied             = errors.New("scope denied")
	ErrRevoked                 = errors.New("credential revoked")
	ErrExpired                 = errors.New("credential expired")
	ErrInvalidToken            = errors.New("invalid credential token")
	ErrEnvironmentBusy         = errors.New("environment busy")
	ErrMaintenanceWindowActive = errors.New("maintenance window active")
	ErrApproverNotAuthorized   = errors.New("approver not authorized")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrNoRollbackTarget        = errors.New("no previous successful deployment")
	ErrUnknownEnvironment      = errors.New("unknown environment")
	ErrAlreadyExists           = errors.New("already exists")
	ErrNotFound                = errors.New("not found")
	ErrJobFailed               = errors.New("job failed")
	ErrTimeout                 = errors.New("timeout")
	ErrCancelled               = errors.New("cancelled")
	ErrShutdown                = errors.New("shutting down")
)

// Error is the terminal failure shape carried by job runs, deployments and
// API responses.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Context   map[string]string
	Err       error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Component)
	if e.Op != "" {
		sb.WriteString(".")
		sb.WriteString(e.Op)
	}
	sb.WriteString(": ")
	sb.WriteString(string(e.Kind))
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	if len(e.Context) > 0 {
		keys := slices.Sorted(maps.Keys(e.Context))
		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%s=%s", k, e.Context[k])
		}
		sb.WriteString("]")
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) With(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func New(kind Kind, component, op string, err error) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Err: err}
}

func Validation(component, op string, err error) *Error {
	return New(KindValidation, component, op, err)
}

func Unavailable(component, op string, err error) *Error {
	return New(KindResourceUnavailable, component, op, err)
}

func Policy(component, op string, err error) *Error {
	return New(KindPolicyRejection, component, op, err)
}

func Execution(component, op string, err error) *Error {
	return New(KindExecution, component, op, err)
}

func Infrastructure(component, op string, err error) *Error {
	return New(KindInfrastructure, component, op, err)
}

func Timeout(component, op string, err error) *Error {
	return New(KindTimeout, component, op, err)
}

// KindOf reports the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err is a failure a job run may be retried for.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExecution, KindInfrastructure:
		return true
	}
	return false
}

func ContextOf(err error) map[string]string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Context
	}
	return nil
}
