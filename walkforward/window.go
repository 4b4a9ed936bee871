// Package walkforward selects an adaptive strategy parameter with rolling
// train/test windows, choosing each window's value from its training bars
// only.
package walkforward

import (
	"fmt"
)

// WindowConfig sizes the rolling windows in bars.
type WindowConfig struct {
	Train int `json:"train" yaml:"train"`
	Test  int `json:"test" yaml:"test"`
	Step  int `json:"step" yaml:"step"`
}

// DefaultWindowConfig is one trading year of daily bars followed by a month.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{Train: 252, Test: 21, Step: 21}
}

func (c WindowConfig) Validate() error {
	if c.Train <= 0 || c.Test <= 0 || c.Step <= 0 {
		return fmt.Errorf("window sizes must be positive (train=%d test=%d step=%d)", c.Train, c.Test, c.Step)
	}
	if c.Step < c.Test {
		return fmt.Errorf("step %d shorter than test %d would overlap test ranges", c.Step, c.Test)
	}
	return nil
}

// Window holds half-open bar index ranges. TestStart always equals TrainEnd.
type Window struct {
	ID         int `json:"window_id"`
	TrainStart int `json:"train_start"`
	TrainEnd   int `json:"train_end"`
	TestStart  int `json:"test_start"`
	TestEnd    int `json:"test_end"`
}

// BuildWindows slides windows over n bars until a full train+test range no
// longer fits. The remainder is dropped, never padded.
func BuildWindows(n int, c WindowConfig) ([]Window, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var out []Window
	for start := 0; start+c.Train+c.Test <= n; start += c.Step {
		trainEnd := start + c.Train
		out = append(out, Window{
			ID:         len(out),
			TrainStart: start,
			TrainEnd:   trainEnd,
			TestStart:  trainEnd,
			TestEnd:    trainEnd + c.Test,
		})
	}
	return out, nil
}
