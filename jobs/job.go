// Package jobs accepts walk-forward job submissions, hands them to workers
// through a claim/complete queue and runs them symbol by symbol.
package jobs

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rustyeddy/walkforward/perf"
	"github.com/rustyeddy/walkforward/walkforward"
)

// Status is a job's lifecycle state: pending → running → completed | failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("job is not in a state that allows this transition")
	ErrInvalidJob        = errors.New("invalid job")
)

// Parameters tune one job. Zero values take the runner's defaults.
type Parameters struct {
	GridFrom  float64 `json:"grid_from,omitempty"`
	GridTo    float64 `json:"grid_to,omitempty"`
	GridStep  float64 `json:"grid_step,omitempty"`
	Objective string  `json:"objective,omitempty"`
	Train     int     `json:"train,omitempty"`
	Test      int     `json:"test,omitempty"`
	Step      int     `json:"step,omitempty"`
}

// Value stores Parameters as JSON.
func (p Parameters) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan reads Parameters from a JSON column.
func (p *Parameters) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = Parameters{}
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	}
	return fmt.Errorf("jobs: cannot scan %T into Parameters", src)
}

// Candidates returns the grid the job searches.
func (p Parameters) Candidates() ([]float64, error) {
	from, to, step := p.GridFrom, p.GridTo, p.GridStep
	if from == 0 && to == 0 && step == 0 {
		from, to, step = 1, 5, 0.5
	}
	return walkforward.Grid(from, to, step)
}

// Window overlays the job's window sizes on base.
func (p Parameters) Window(base walkforward.WindowConfig) walkforward.WindowConfig {
	if p.Train > 0 {
		base.Train = p.Train
	}
	if p.Test > 0 {
		base.Test = p.Test
	}
	if p.Step > 0 {
		base.Step = p.Step
	}
	return base
}

type Job struct {
	ID         string     `json:"id"`
	StrategyID string     `json:"strategy_id"`
	Symbols    []string   `json:"symbols"`
	Timeframe  string     `json:"timeframe"`
	Start      time.Time  `json:"start_date"`
	End        time.Time  `json:"end_date"`
	Parameters Parameters `json:"parameters"`
	Status     Status     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Created    time.Time  `json:"created"`
	Updated    time.Time  `json:"updated"`
}

// Validate checks a submission.
func (j *Job) Validate() error {
	switch {
	case j.StrategyID == "":
		return fmt.Errorf("%w: strategy_id is required", ErrInvalidJob)
	case len(j.Symbols) == 0:
		return fmt.Errorf("%w: at least one symbol is required", ErrInvalidJob)
	case !j.Start.IsZero() && !j.End.IsZero() && !j.End.After(j.Start):
		return fmt.Errorf("%w: end_date must be after start_date", ErrInvalidJob)
	}
	for _, s := range j.Symbols {
		if s == "" {
			return fmt.Errorf("%w: empty symbol", ErrInvalidJob)
		}
	}
	if _, err := j.Parameters.Candidates(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if j.Parameters.Objective != "" {
		if _, err := perf.ParseObjective(j.Parameters.Objective); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
	}
	return nil
}

// prepare validates a submission and stamps it pending with a fresh id.
func prepare(j Job, now time.Time) (Job, error) {
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	if j.Timeframe == "" {
		j.Timeframe = "1h"
	}
	j.ID = uuid.NewString()
	j.Status = StatusPending
	j.Message = ""
	j.Created = now
	j.Updated = now
	return j, nil
}
