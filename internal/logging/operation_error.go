package logging

import (
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// OperationError tags an infrastructure failure (storage write, audit insert,
// health dial) with the step that failed and the request it served.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	msg := e.Operation + ": " + e.Err.Error()
	if e.RequestID != "" {
		msg += " [request " + e.RequestID + "]"
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MarshalLogObject lets zap log the failure as structured fields.
func (e *OperationError) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("operation", e.Operation)
	if e.RequestID != "" {
		enc.AddString("request_id", e.RequestID)
	}
	if e.Err != nil {
		enc.AddString("cause", e.Err.Error())
	}
	return nil
}

// NewOperationError wraps err. A nil err yields nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// ErrorField logs err under "error", adding a structured "failure" object
// when an OperationError is anywhere in its chain.
func ErrorField(err error) zap.Field {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return zap.Inline(failure{err: err, op: opErr})
	}
	return zap.Error(err)
}

type failure struct {
	err error
	op  *OperationError
}

func (f failure) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("error", f.err.Error())
	return enc.AddObject("failure", f.op)
}
