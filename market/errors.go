package market

import "errors"

var (
	ErrInsufficientBars = errors.New("insufficient bars")
	ErrForecastBar      = errors.New("forecast bar used for a live decision")
	ErrFutureBar        = errors.New("bar timestamp is after evaluation time")
	ErrOpenBar          = errors.New("bar is not closed")
	ErrUnordered        = errors.New("bars are not in strictly increasing time order")
)
