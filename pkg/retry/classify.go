package retry

import (
	"errors"
	"strconv"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
)

// ErrMalformed marks input that no retry can fix.
var ErrMalformed = errors.New("malformed input")

// StatusError carries an upstream HTTP status code.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return "upstream status " + strconv.Itoa(e.Code) + ": " + e.Err.Error()
	}
	return "upstream status " + strconv.Itoa(e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Classify maps a handler error onto an Outcome. Malformed input and 4xx
// responses other than 408 and 429 are terminal; everything else, timeouts
// and network errors included, is retried.
func Classify(err error) task.Outcome {
	if err == nil {
		return task.Success(nil)
	}
	if errors.Is(err, ErrMalformed) {
		return task.Terminal(err)
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != 408 && se.Code != 429 {
		return task.Terminal(err)
	}
	return task.Retryable(err)
}
