package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rustyeddy/walkforward/backtest"
)

const (
	stateOpen int32 = iota + 1
	stateClosed
)

type slot struct {
	pos   backtest.Position
	state atomic.Int32
}

// MemoryStore keeps positions in process. The map lock only guards
// membership; the open→closed switch is a compare-and-swap on the slot.
type MemoryStore struct {
	mu     sync.RWMutex
	slots  map[string]*slot
	open   map[string]string // strategy/symbol → position id
	trades []backtest.Trade
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots: make(map[string]*slot),
		open:  make(map[string]string),
	}
}

func openKey(strategyID, symbol string) string { return strategyID + "/" + symbol }

func (s *MemoryStore) Open(_ context.Context, p backtest.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	k := openKey(p.StrategyID, p.Symbol)
	if other, ok := s.open[k]; ok && s.slots[other].state.Load() == stateOpen {
		return fmt.Errorf("%s %s (position %s): %w", p.StrategyID, p.Symbol, other, ErrAlreadyOpen)
	}
	sl := &slot{pos: p}
	sl.state.Store(stateOpen)
	s.slots[p.ID] = sl
	s.open[k] = p.ID
	return nil
}

func (s *MemoryStore) CloseIfOpen(_ context.Context, id string, exit ExitFill) (backtest.Trade, bool, error) {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if !ok {
		return backtest.Trade{}, false, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if !sl.state.CompareAndSwap(stateOpen, stateClosed) {
		return backtest.Trade{}, false, nil
	}

	t := backtest.Settle(sl.pos, exit.Price, exit.Time, exit.Reason, exit.CommissionRate)
	s.mu.Lock()
	s.trades = append(s.trades, t)
	k := openKey(sl.pos.StrategyID, sl.pos.Symbol)
	if s.open[k] == id {
		delete(s.open, k)
	}
	s.mu.Unlock()
	return t, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	if !ok {
		return Position{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s.view(sl), nil
}

func (s *MemoryStore) view(sl *slot) Position {
	p := Position{Position: sl.pos, Status: StatusOpen}
	if sl.state.Load() == stateClosed {
		p.Status = StatusClosed
		for _, t := range s.trades {
			if t.PositionID == sl.pos.ID {
				p.ClosedAt = t.ExitTime
				break
			}
		}
	}
	return p
}

func (s *MemoryStore) ListOpen(_ context.Context) ([]Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Position
	for _, sl := range s.slots {
		if sl.state.Load() == stateOpen {
			out = append(out, Position{Position: sl.pos, Status: StatusOpen})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Trades(_ context.Context) ([]backtest.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]backtest.Trade(nil), s.trades...), nil
}

func (s *MemoryStore) Close() error { return nil }
