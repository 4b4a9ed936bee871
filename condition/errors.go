package condition

import (
	"fmt"
)

// DataError reports a window that may not be evaluated. It aborts the
// affected symbol or window only.
type DataError struct {
	Mode   string
	Symbol string
	Err    error
}

func (e *DataError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("%s evaluation: %v", e.Mode, e.Err)
	}
	return fmt.Sprintf("%s evaluation %s: %v", e.Mode, e.Symbol, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }
