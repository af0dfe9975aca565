package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/yungbote/scenegraph-backend/internal/domain/scenegraph"
)

type Error struct {
	Status int
	Code   string
	Stage  string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

var kindStatus = map[scenegraph.Kind]int{
	scenegraph.KindUnsupportedFormat:     http.StatusUnsupportedMediaType,
	scenegraph.KindCorruptDocument:       http.StatusUnprocessableEntity,
	scenegraph.KindExtractionMalformed:   http.StatusBadGateway,
	scenegraph.KindExtractionUnavailable: http.StatusServiceUnavailable,
	scenegraph.KindQueryUnavailable:      http.StatusServiceUnavailable,
	scenegraph.KindGraphValidation:       http.StatusUnprocessableEntity,
	scenegraph.KindGraphNotFound:         http.StatusNotFound,
	scenegraph.KindContextTooLarge:       http.StatusRequestEntityTooLarge,
}

// FromError maps pipeline errors onto HTTP statuses. The pipeline kind
// becomes the code and the stage is kept so clients can tell an extraction
// failure from a query failure.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if kind := scenegraph.KindOf(err); kind != "" {
		status, ok := kindStatus[kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return &Error{Status: status, Code: string(kind), Stage: string(scenegraph.StageOf(err)), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Status: http.StatusGatewayTimeout, Code: "timeout", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		// nginx convention for a client that went away.
		return &Error{Status: 499, Code: "canceled", Err: err}
	}
	return &Error{Status: http.StatusInternalServerError, Code: "internal", Err: err}
}
