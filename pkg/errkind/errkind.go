// Package errkind defines the classified errors the harness reports
// and maps to process exit codes. Callers match with errors.Is against
// the sentinel values; the concrete Error carries the detail message
// and the wrapped cause.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a harness failure.
type Kind string

const (
	// KindStepAssertion marks a step whose outcome did not match its
	// expectation.
	KindStepAssertion Kind = "step_assertion"
	// KindTimeout marks a command that exceeded its execution bound and
	// was killed.
	KindTimeout Kind = "timeout"
	// KindComposeTimeout marks a compose job that did not reach a
	// terminal state within the wait bound.
	KindComposeTimeout Kind = "compose_timeout"
	// KindArtifactMissing marks a fetch from a compose that produced no
	// retrievable artifact.
	KindArtifactMissing Kind = "artifact_missing"
	// KindUploadFailed marks a failed transfer to cloud storage.
	KindUploadFailed Kind = "upload_failed"
	// KindInstanceNotReady marks an instance that never became reachable.
	KindInstanceNotReady Kind = "instance_not_ready"
	// KindResourceLeak marks cloud resources still present after cleanup.
	KindResourceLeak Kind = "resource_leak"
	// KindConfigMissing marks a required environment variable or
	// configuration value that was absent.
	KindConfigMissing Kind = "config_missing"
)

// Sentinel errors, one per kind. errors.Is(err, errkind.Timeout) holds
// for any error created with KindTimeout.
var (
	StepAssertion    = &Error{Kind: KindStepAssertion, Message: "step assertion failed"}
	Timeout          = &Error{Kind: KindTimeout, Message: "execution timed out"}
	ComposeTimeout   = &Error{Kind: KindComposeTimeout, Message: "compose did not finish in time"}
	ArtifactMissing  = &Error{Kind: KindArtifactMissing, Message: "compose artifact missing"}
	UploadFailed     = &Error{Kind: KindUploadFailed, Message: "image upload failed"}
	InstanceNotReady = &Error{Kind: KindInstanceNotReady, Message: "instance not ready"}
	ResourceLeak     = &Error{Kind: KindResourceLeak, Message: "cloud resources leaked"}
	ConfigMissing    = &Error{Kind: KindConfigMissing, Message: "required configuration missing"}
)

// Error is a classified harness error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, keeping it reachable through
// errors.Unwrap.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so sentinels compare by
// classification rather than identity.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the classification of err, or "" for unclassified
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
