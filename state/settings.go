package state

import "runtime"

// Settings are the knobs of a data plane computation.
type Settings struct {
	// DebugOscillation renders a route level diff of the oscillating iterations into the OscillationError.
	DebugOscillation bool `yaml:"debug_oscillation,omitempty"`
	// MaxOscillationRecoveryAttempts bounds the restarts after an oscillation is detected.
	// nil means DefaultMaxRecoveryAttempts; 0 makes the first oscillation fatal.
	MaxOscillationRecoveryAttempts *int `yaml:"max_oscillation_recovery_attempts,omitempty"`
	MaxRecordedIterations          int  `yaml:"max_recorded_iterations,omitempty"`
	RecordAllIterations            bool `yaml:"record_all_iterations,omitempty"`
	PrintAllIterations             bool `yaml:"print_all_iterations,omitempty"`
	Workers                        int  `yaml:"workers,omitempty"`
}

func DefaultSettings() Settings {
	attempts := DefaultMaxRecoveryAttempts
	return Settings{
		MaxOscillationRecoveryAttempts: &attempts,
		MaxRecordedIterations:          DefaultMaxRecordedIters,
	}
}

func (s Settings) RecoveryAttempts() int {
	if s.MaxOscillationRecoveryAttempts == nil {
		return DefaultMaxRecoveryAttempts
	}
	return max(*s.MaxOscillationRecoveryAttempts, 0)
}

// RecordedIterations is the number of iteration snapshots to retain, 0 meaning unbounded.
func (s Settings) RecordedIterations() int {
	if s.RecordAllIterations {
		return 0
	}
	if s.MaxRecordedIterations == 0 {
		return DefaultMaxRecordedIters
	}
	return max(s.MaxRecordedIterations, MinRecordedIters)
}

func (s Settings) WorkerCount() int {
	if s.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return s.Workers
}

func (s Settings) WithRecoveryAttempts(n int) Settings {
	s.MaxOscillationRecoveryAttempts = &n
	return s
}
