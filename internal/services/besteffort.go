package services

import "fmt"

// BestEffortResult reports the outcome of a side effect whose failure must
// not change the outcome of the operation that triggered it. Callers may
// ignore it.
type BestEffortResult struct {
	Op  string
	Err error
}

// OK reports whether the side effect completed.
func (r BestEffortResult) OK() bool { return r.Err == nil }

// bestEffort runs fn, turning a panic into an error, and logs any failure.
func bestEffort(logger Logger, op string, fn func() error, logArgs ...any) (res BestEffortResult) {
	res.Op = op
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic in %s: %v", op, p)
		}
		if res.Err != nil {
			logger.Warn("best-effort operation failed", append([]any{"op", op, "error", res.Err}, logArgs...)...)
		}
	}()
	res.Err = fn()
	return res
}
