package experiment

import (
	"github.com/schaermu/buildlineage/internal/kconfig"
	"github.com/schaermu/buildlineage/internal/label"
)

// Plan is the ordered list of builds to perform
type Plan struct {
	Steps []Step
}

// Step is one build attempt
type Step struct {
	Label    string     // branch name
	Kind     label.Kind // clean or incremental
	Group    string     // configuration group name
	ConfigID string
	Source   string // absolute path of the configuration file
	From     string // branch to start from; empty for the pristine commit
	Diff     *kconfig.DiffResult
}

// Summary reports what a run did
type Summary struct {
	Attempts []Attempt
}

// Attempt is the outcome of one Step
type Attempt struct {
	Label          string
	Kind           label.Kind
	Commit         string
	Success        bool
	Skipped        bool
	ElapsedSeconds float64
}

// Failed returns the number of attempted builds that failed
func (s *Summary) Failed() int {
	n := 0
	for _, a := range s.Attempts {
		if !a.Skipped && !a.Success {
			n++
		}
	}
	return n
}

// Skipped returns the number of steps skipped because their branch existed
func (s *Summary) Skipped() int {
	n := 0
	for _, a := range s.Attempts {
		if a.Skipped {
			n++
		}
	}
	return n
}
