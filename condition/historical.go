package condition

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/strategy"
)

// Historical evaluates trees over completed bars with indicator values taken
// from the series rows. It holds no state and is safe for concurrent use.
type Historical struct {
	// Workers bounds EvaluateMany's goroutines. Zero means GOMAXPROCS.
	Workers int
}

// Evaluate requires a non-empty window of closed bars.
func (h Historical) Evaluate(tree *strategy.Node, window *market.Series) (bool, error) {
	if err := h.Check(window); err != nil {
		return false, err
	}
	return Evaluate(tree, window.Len(), window.Indicator), nil
}

// Check verifies the window is non-empty and every bar is closed.
func (h Historical) Check(window *market.Series) error {
	if window.Len() == 0 {
		return &DataError{Mode: "historical", Err: fmt.Errorf("empty window: %w", market.ErrInsufficientBars)}
	}
	for _, b := range window.Bars {
		if !b.Closed {
			return &DataError{Mode: "historical", Symbol: window.Symbol, Err: fmt.Errorf("%s: %w", b.Time, market.ErrOpenBar)}
		}
	}
	return nil
}

// EvaluateMany evaluates tree against each window in parallel. Results are
// in input order. The first precondition failure cancels the rest.
func (h Historical) EvaluateMany(ctx context.Context, tree *strategy.Node, windows []*market.Series) ([]bool, error) {
	out := make([]bool, len(windows))
	g, ctx := errgroup.WithContext(ctx)
	workers := h.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)

	for i, w := range windows {
		i, w := i, w
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := h.Evaluate(tree, w)
			if err != nil {
				return fmt.Errorf("window %d: %w", i, err)
			}
			out[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
