// Package autorange selects the full-scale voltage range of each capture
// channel so that a signal uses as much of the ADC as possible without
// clipping.
//
// Each channel holds an index into an ascending range table. After every
// capture the channel's peak |v| is compared against two thresholds:
//
//	down-shift: i > 0   && peak < DownShift·range[i-1]
//	up-shift:   i < K-1 && peak > UpShift·range[i]
//
// The gap between the two thresholds is hysteresis: a signal sitting at
// one boundary does not bounce between neighboring ranges.
package autorange

import (
	"errors"
	"fmt"
	"sort"

	"freqresp/internal/instrument"
)

// SentinelRange is the near-zero range prepended at index 0 of every table.
// A signal can only drop into it when it is essentially absent.
const SentinelRange = 1e-6

// Default thresholds.
const (
	DefaultDownShift = 0.6
	DefaultUpShift   = 0.95
)

// Errors returned by the controller.
var (
	ErrEmptyTable   = errors.New("autorange: range table is empty")
	ErrTableOrder   = errors.New("autorange: ranges must be strictly ascending and positive")
	ErrIndexRange   = errors.New("autorange: range index outside table")
	ErrThresholds   = errors.New("autorange: thresholds must satisfy 0 < down-shift < up-shift <= 1")
	ErrNoConfigurer = errors.New("autorange: no channel configurer")
)

// Table is an ascending list of full-scale voltage ranges whose first
// entry is SentinelRange.
type Table []float64

// NewTable validates the instrument ranges and prepends the sentinel.
func NewTable(ranges []float64) (Table, error) {
	if len(ranges) == 0 {
		return nil, ErrEmptyTable
	}

	if !sort.Float64sAreSorted(ranges) {
		return nil, ErrTableOrder
	}

	t := make(Table, 0, len(ranges)+1)
	t = append(t, SentinelRange)
	for i, r := range ranges {
		if r <= SentinelRange || (i > 0 && r == ranges[i-1]) {
			return nil, fmt.Errorf("%w: %g", ErrTableOrder, r)
		}
		t = append(t, r)
	}

	return t, nil
}

// Len is the number of ranges K, sentinel included.
func (t Table) Len() int { return len(t) }

// Volts returns the full-scale range at index i.
func (t Table) Volts(i int) float64 { return t[i] }

// Transition is the outcome of evaluating one channel.
type Transition int

const (
	Stable Transition = iota
	DownShift
	UpShift
)

func (t Transition) String() string {
	switch t {
	case DownShift:
		return "down-shift"
	case UpShift:
		return "up-shift"
	default:
		return "stable"
	}
}

// Decision is the outcome of evaluating both channels after one capture.
type Decision struct {
	Transitions [2]Transition
	Recapture   bool
}

// ChannelSetup holds the fixed per-channel settings applied on every
// range change.
type ChannelSetup struct {
	Coupling    instrument.Coupling
	Attenuation float64
}

// Controller owns the range state of both channels.
type Controller struct {
	DownShift float64
	UpShift   float64

	table      Table
	index      [2]int
	setup      [2]ChannelSetup
	configurer instrument.ChannelConfigurer
}

// NewController creates a controller starting at the given indices.
// Thresholds default to DefaultDownShift and DefaultUpShift.
func NewController(table Table, start [2]int, setup [2]ChannelSetup, configurer instrument.ChannelConfigurer) (*Controller, error) {
	if len(table) == 0 {
		return nil, ErrEmptyTable
	}

	if configurer == nil {
		return nil, ErrNoConfigurer
	}

	for _, i := range start {
		if i < 0 || i >= len(table) {
			return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrIndexRange, i, len(table)-1)
		}
	}

	return &Controller{
		DownShift:  DefaultDownShift,
		UpShift:    DefaultUpShift,
		table:      table,
		index:      start,
		setup:      setup,
		configurer: configurer,
	}, nil
}

// Table returns the controller's range table.
func (c *Controller) Table() Table { return c.table }

// Index returns the current range index of ch.
func (c *Controller) Index(ch instrument.Channel) int { return c.index[ch] }

// Range returns the current full-scale voltage of ch.
func (c *Controller) Range(ch instrument.Channel) float64 { return c.table[c.index[ch]] }

// MaxAttempts bounds the captures per frequency step: enough to walk from
// any index to either end of the table, plus one.
func (c *Controller) MaxAttempts() int { return len(c.table) + 1 }

// Validate checks the thresholds.
func (c *Controller) Validate() error {
	if !(c.DownShift > 0 && c.DownShift < c.UpShift && c.UpShift <= 1) {
		return fmt.Errorf("%w: down=%g up=%g", ErrThresholds, c.DownShift, c.UpShift)
	}
	return nil
}

// Configure pushes the current range of both channels to the instrument.
func (c *Controller) Configure() error {
	for _, ch := range instrument.Channels {
		if err := c.apply(ch); err != nil {
			return err
		}
	}
	return nil
}

// Next returns the transition for ch at the given peak without changing state.
func (c *Controller) Next(ch instrument.Channel, peak float64) Transition {
	i := c.index[ch]
	switch {
	case i > 0 && peak < c.DownShift*c.table[i-1]:
		return DownShift
	case i < len(c.table)-1 && peak > c.UpShift*c.table[i]:
		return UpShift
	default:
		return Stable
	}
}

// Step moves ch one range according to its peak and returns the transition.
// It does not touch the instrument.
func (c *Controller) Step(ch instrument.Channel, peak float64) Transition {
	tr := c.Next(ch, peak)
	switch tr {
	case DownShift:
		c.index[ch]--
	case UpShift:
		c.index[ch]++
	}
	return tr
}

// Evaluate steps both channels and reconfigures every channel that moved.
// A configuration failure aborts the evaluation and should abort the sweep.
func (c *Controller) Evaluate(peakA, peakB float64) (Decision, error) {
	var d Decision

	peaks := [2]float64{peakA, peakB}
	for _, ch := range instrument.Channels {
		d.Transitions[ch] = c.Step(ch, peaks[ch])
		if d.Transitions[ch] == Stable {
			continue
		}

		d.Recapture = true
		if err := c.apply(ch); err != nil {
			return d, err
		}
	}

	return d, nil
}

// CanUpShift reports whether ch has a larger range available.
func (c *Controller) CanUpShift(ch instrument.Channel) bool {
	return c.index[ch] < len(c.table)-1
}

func (c *Controller) apply(ch instrument.Channel) error {
	s := c.setup[ch]
	if err := c.configurer.ConfigureChannel(ch, s.Coupling, c.Range(ch), s.Attenuation); err != nil {
		return fmt.Errorf("failed to set channel %s to %g V: %w", ch, c.Range(ch), err)
	}
	return nil
}

// NotConvergedError reports a frequency step whose ranges were still moving
// when the capture budget ran out. The last capture's values were kept.
type NotConvergedError struct {
	Frequency float64
	Attempts  int
	Index     [2]int
}

func (e *NotConvergedError) Error() string {
	return fmt.Sprintf("range did not settle at %g Hz after %d captures (A=%d, B=%d)",
		e.Frequency, e.Attempts, e.Index[0], e.Index[1])
}
