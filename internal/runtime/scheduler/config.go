package scheduler

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"
)

const (
	DefaultLoopPause                 = 50 * time.Millisecond
	DefaultOverrunGracePeriod        = 15 * time.Second
	DefaultMaxProcessingTime         = 30 * time.Second
	DefaultProcessorTargetPercentage = 80.0
	DefaultOverloadedAfter           = 5 * time.Second
)

// Reservation bounds the work admitted at one priority level. SlotCount tasks
// are always admitted; Overage more may run while global capacity remains.
type Reservation struct {
	Level     int `yaml:"level" json:"level"`
	SlotCount int `yaml:"slots" json:"slots"`
	Overage   int `yaml:"overage" json:"overage"`
}

// Config controls admission and overrun handling.
type Config struct {
	Reservations              []Reservation `yaml:"reservations"`
	ConcurrentMin             int           `yaml:"concurrent_min"`
	ConcurrentMax             int           `yaml:"concurrent_max"`
	LoopPause                 time.Duration `yaml:"loop_pause"`
	OverrunGracePeriod        time.Duration `yaml:"overrun_grace_period"`
	DefaultMaxProcessingTime  time.Duration `yaml:"default_max_processing_time"`
	// ExecuteInternalDirect sends payloads for locally served commands
	// straight to the scheduler, where they start without queuing. It stays
	// off unless set, so every payload travels through the transport.
	ExecuteInternalDirect     bool          `yaml:"execute_internal_direct"`
	ProcessorTargetPercentage float64       `yaml:"processor_target_percentage"`
	OverloadedAfter           time.Duration `yaml:"overloaded_after"`
}

// DefaultReservations returns the four standard levels: 0 background, 1 data,
// 2 negotiation and 3 urgent.
func DefaultReservations() []Reservation {
	return []Reservation{
		{Level: 0, SlotCount: 2, Overage: 2},
		{Level: 1, SlotCount: 8, Overage: 8},
		{Level: 2, SlotCount: 2, Overage: 2},
		{Level: 3, SlotCount: 1, Overage: 2},
	}
}

// DefaultConfig sizes concurrency from the number of CPUs.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	cpus := runtime.NumCPU()
	if len(c.Reservations) == 0 {
		c.Reservations = DefaultReservations()
	}
	if c.ConcurrentMax <= 0 {
		c.ConcurrentMax = cpus * 16
	}
	if c.ConcurrentMin <= 0 {
		c.ConcurrentMin = min(cpus*2, c.ConcurrentMax)
	}
	if c.LoopPause <= 0 {
		c.LoopPause = DefaultLoopPause
	}
	if c.OverrunGracePeriod <= 0 {
		c.OverrunGracePeriod = DefaultOverrunGracePeriod
	}
	if c.DefaultMaxProcessingTime <= 0 {
		c.DefaultMaxProcessingTime = DefaultMaxProcessingTime
	}
	if c.ProcessorTargetPercentage <= 0 {
		c.ProcessorTargetPercentage = DefaultProcessorTargetPercentage
	}
	if c.OverloadedAfter <= 0 {
		c.OverloadedAfter = DefaultOverloadedAfter
	}
	return c
}

// Validate checks that levels are contiguous from zero and that no level can
// exceed the global maximum on its own.
func (c Config) Validate() error {
	var errs []error
	if c.ConcurrentMax <= 0 {
		errs = append(errs, errors.New("concurrent_max must be positive"))
	}
	if c.ConcurrentMin < 0 || c.ConcurrentMin > c.ConcurrentMax {
		errs = append(errs, fmt.Errorf("concurrent_min %d must be between 0 and concurrent_max %d", c.ConcurrentMin, c.ConcurrentMax))
	}
	if len(c.Reservations) == 0 {
		errs = append(errs, errors.New("at least one reservation level is required"))
	}
	levels := sortedReservations(c.Reservations)
	for i, r := range levels {
		if r.Level != i {
			errs = append(errs, fmt.Errorf("reservation levels must be contiguous from 0, missing level %d", i))
			break
		}
		if r.SlotCount < 0 || r.Overage < 0 {
			errs = append(errs, fmt.Errorf("level %d: slots and overage must not be negative", r.Level))
		}
		if r.SlotCount+r.Overage > c.ConcurrentMax {
			errs = append(errs, fmt.Errorf("level %d: slots+overage %d exceeds concurrent_max %d", r.Level, r.SlotCount+r.Overage, c.ConcurrentMax))
		}
	}
	if c.ProcessorTargetPercentage < 0 || c.ProcessorTargetPercentage > 100 {
		errs = append(errs, errors.New("processor_target_percentage must be within 0..100"))
	}
	return errors.Join(errs...)
}

func sortedReservations(in []Reservation) []Reservation {
	out := slices.Clone(in)
	slices.SortFunc(out, func(a, b Reservation) int { return a.Level - b.Level })
	return out
}
