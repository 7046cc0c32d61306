// Package fault classifies pipeline failures so callers can tell a bad
// configuration from a transient backend problem from a broken system.
//
// Packages declare their sentinel errors with Transient or Permanent, which
// attaches a Kind and Reason to the sentinel. Wrapping with fmt.Errorf("%w")
// keeps the classification reachable through errors.As, and At stamps the
// pipeline stage on the way out of a job.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the top-level failure category.
type Kind string

const (
	KindValidation Kind = "validation"
	KindParse      Kind = "parse"
	KindChunk      Kind = "chunk"
	KindProvider   Kind = "provider"
	KindStorage    Kind = "storage"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindCanceled   Kind = "canceled"
	KindInternal   Kind = "internal"
)

// Reason narrows a Kind. Provider failures carry Unavailable, RateLimited or
// InvalidResponse; storage failures name the backend that failed.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonUnavailable     Reason = "unavailable"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonInvalidResponse Reason = "invalid_response"
	ReasonVectorDb        Reason = "vector_db"
	ReasonCache           Reason = "cache"
	ReasonBlob            Reason = "blob"
	ReasonEntity          Reason = "entity"
)

// Stage names the step of a job in which the failure happened.
type Stage string

const (
	StageUpload      Stage = "upload"
	StageParsing     Stage = "parsing"
	StageChunking    Stage = "chunking"
	StageCacheLookup Stage = "cache_lookup"
	StageEmbedding   Stage = "embedding"
	StageStoring     Stage = "storing"
	StageReporting   Stage = "reporting"
	StageDeleting    Stage = "deleting"
	StageSearch      Stage = "search"
	StageCollection  Stage = "collection"
	StageExtraction  Stage = "extraction"
)

type classifier interface {
	class() (Kind, Reason, bool)
}

type sentinel struct {
	kind      Kind
	reason    Reason
	retryable bool
	msg       string
}

func (s *sentinel) Error() string { return s.msg }

func (s *sentinel) class() (Kind, Reason, bool) { return s.kind, s.reason, s.retryable }

// Transient returns a sentinel error whose failures may succeed on retry.
func Transient(kind Kind, reason Reason, msg string) error {
	return &sentinel{kind: kind, reason: reason, retryable: true, msg: msg}
}

// Permanent returns a sentinel error that must not be retried.
func Permanent(kind Kind, reason Reason, msg string) error {
	return &sentinel{kind: kind, reason: reason, msg: msg}
}

// Error is a classified failure with the stage it escaped from.
type Error struct {
	Kind      Kind
	Reason    Reason
	Stage     Stage
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) class() (Kind, Reason, bool) { return e.Kind, e.Reason, e.Retryable }

// At classifies err and records stage on it. An error that already carries
// a stage keeps it, so the innermost stage wins.
func At(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Stage != "" {
		return err
	}
	kind, reason, retryable := classify(err)
	return &Error{Kind: kind, Reason: reason, Stage: stage, Retryable: retryable, Err: err}
}

// New builds a classified error directly, for failures without a sentinel.
func New(kind Kind, stage Stage, format string, args ...any) error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

func classify(err error) (Kind, Reason, bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled, ReasonNone, false
	}
	var c classifier
	if errors.As(err, &c) {
		return c.class()
	}
	return KindInternal, ReasonNone, false
}

// KindOf returns the failure category of err, or KindInternal when err was
// never classified.
func KindOf(err error) Kind {
	k, _, _ := classify(err)
	return k
}

// ReasonOf returns the sub-category of err.
func ReasonOf(err error) Reason {
	_, r, _ := classify(err)
	return r
}

// StageOf returns the stage recorded by At, or "" if none.
func StageOf(err error) Stage {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return ""
}

// Retryable reports whether err is a transient provider or backend failure.
func Retryable(err error) bool {
	_, _, r := classify(err)
	return r
}
