package task

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a handler outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindRetryable
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one handler invocation. Construct it with
// Success, Retryable or Terminal.
type Outcome struct {
	kind   Kind
	result json.RawMessage
	err    error
}

// Success reports a completed task with an optional JSON result.
func Success(result json.RawMessage) Outcome {
	return Outcome{kind: KindSuccess, result: result}
}

// SuccessValue marshals v as the result. A value that cannot be encoded
// turns into a terminal failure.
func SuccessValue(v any) Outcome {
	b, err := json.Marshal(v)
	if err != nil {
		return Terminal(fmt.Errorf("encode result: %w", err))
	}
	return Success(b)
}

// Retryable reports a transient failure that should be retried with backoff.
func Retryable(err error) Outcome {
	if err == nil {
		err = errors.New("retryable failure")
	}
	return Outcome{kind: KindRetryable, err: err}
}

// Terminal reports a failure that retrying cannot fix.
func Terminal(err error) Outcome {
	if err == nil {
		err = errors.New("terminal failure")
	}
	return Outcome{kind: KindTerminal, err: err}
}

func (o Outcome) Kind() Kind              { return o.kind }
func (o Outcome) Result() json.RawMessage { return o.result }
func (o Outcome) Err() error              { return o.err }
