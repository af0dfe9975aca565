package scenegraph

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Kinds are comparable with errors.Is:
//
//	errors.Is(err, scenegraph.KindGraphNotFound)
type Kind string

const (
	KindUnsupportedFormat     Kind = "unsupported_format"
	KindCorruptDocument       Kind = "corrupt_document"
	KindExtractionUnavailable Kind = "extraction_unavailable"
	KindExtractionMalformed   Kind = "extraction_malformed"
	KindQueryUnavailable      Kind = "query_unavailable"
	KindGraphValidation       Kind = "graph_validation"
	KindGraphNotFound         Kind = "graph_not_found"
	KindContextTooLarge       Kind = "context_too_large"
)

func (k Kind) Error() string { return string(k) }

// Stage names the pipeline step that produced an error.
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageExtract   Stage = "extract"
	StageValidate  Stage = "validate"
	StagePersist   Stage = "persist"
	StageLoad      Stage = "load"
	StageContext   Stage = "context"
	StageQuery     Stage = "query"
	StageSession   Stage = "session"
)

type Error struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e != nil && e.Kind == k
}

func NewError(stage Stage, kind Kind, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Err: err}
}

func Errorf(stage Stage, kind Kind, format string, args ...any) *Error {
	return &Error{Stage: stage, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind carried by err, or "" if err is not a pipeline error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	for _, k := range allKinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ""
}

var allKinds = []Kind{
	KindUnsupportedFormat,
	KindCorruptDocument,
	KindExtractionUnavailable,
	KindExtractionMalformed,
	KindQueryUnavailable,
	KindGraphValidation,
	KindGraphNotFound,
	KindContextTooLarge,
}

// StageOf returns the stage carried by err, or "" if none.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// AtStage keeps an existing pipeline error as is and tags anything else
// with the given stage and kind.
func AtStage(stage Stage, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Stage: stage, Kind: kind, Err: err}
}
