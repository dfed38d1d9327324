// Package scenario describes simulated estimator runs in YAML and executes
// them on the synthetic link from testutil.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/thesyncim/rbe/pkg/bwe"
)

// ErrInvalidScenario is returned, wrapped, for scenarios that cannot run.
var ErrInvalidScenario = errors.New("invalid scenario")

const (
	defaultFPS       = 30
	defaultClockRate = 90000
)

// Scenario is one simulated session: a set of streams sent over a link of
// fixed capacity, with timed changes.
//
// Example:
//
//	name: capacity_drop
//	duration_ms: 20000
//	capacity_bps: 1000000
//	follow_estimate: true
//	streams:
//	  - ssrc: 1
//	    bitrate_bps: 300000
//	events:
//	  - at_ms: 10000
//	    capacity_bps: 500000
//	estimator:
//	  mode: single
//	expect:
//	  max_final_bps: 500000
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// DurationMs is the simulated sender time to run for.
	DurationMs int64 `yaml:"duration_ms"`

	// CapacityBps is the initial link capacity.
	CapacityBps int `yaml:"capacity_bps"`

	// FollowEstimate makes the sender adopt every reported target, split
	// across streams in proportion to their current rates.
	FollowEstimate bool `yaml:"follow_estimate"`

	Streams   []Stream   `yaml:"streams"`
	Events    []Event    `yaml:"events,omitempty"`
	Estimator bwe.Config `yaml:"estimator"`
	Expect    Expect     `yaml:"expect,omitempty"`
}

// Stream is one generated RTP stream.
type Stream struct {
	SSRC            uint32  `yaml:"ssrc"`
	FPS             int     `yaml:"fps,omitempty"`
	BitrateBps      int     `yaml:"bitrate_bps"`
	ClockRate       uint32  `yaml:"clock_rate,omitempty"`
	TimestampOffset uint32  `yaml:"timestamp_offset,omitempty"`
	RTCPStartMs     float64 `yaml:"rtcp_start_ms,omitempty"`
}

// Event changes the link or the sender at AtMs. Zero fields are left alone.
type Event struct {
	AtMs        int64 `yaml:"at_ms"`
	CapacityBps int   `yaml:"capacity_bps,omitempty"`
	BitrateBps  int   `yaml:"bitrate_bps,omitempty"`
}

// Expect bounds the outcome of a run. Zero fields are not checked.
type Expect struct {
	MinFinalBps  uint32 `yaml:"min_final_bps,omitempty"`
	MaxFinalBps  uint32 `yaml:"max_final_bps,omitempty"`
	MinEstimates int    `yaml:"min_estimates,omitempty"`
	MinOveruses  int    `yaml:"min_overuses,omitempty"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes a scenario on top of the defaults. Unknown fields are
// rejected.
func Parse(data []byte) (*Scenario, error) {
	sc := &Scenario{Estimator: bwe.DefaultConfig()}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(sc); err != nil {
		return nil, fmt.Errorf("could not parse scenario: %w", err)
	}
	sc.applyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *Scenario) applyDefaults() {
	for i := range sc.Streams {
		s := &sc.Streams[i]
		if s.FPS == 0 {
			s.FPS = defaultFPS
		}
		if s.ClockRate == 0 {
			s.ClockRate = defaultClockRate
		}
	}
	slices.SortStableFunc(sc.Events, func(a, b Event) int {
		switch {
		case a.AtMs < b.AtMs:
			return -1
		case a.AtMs > b.AtMs:
			return 1
		}
		return 0
	})
}

// Validate checks that the scenario can run.
func (sc *Scenario) Validate() error {
	if sc.DurationMs <= 0 {
		return fmt.Errorf("%w: duration_ms must be positive", ErrInvalidScenario)
	}
	if sc.CapacityBps <= 0 {
		return fmt.Errorf("%w: capacity_bps must be positive", ErrInvalidScenario)
	}
	if len(sc.Streams) == 0 {
		return fmt.Errorf("%w: no streams", ErrInvalidScenario)
	}

	seen := make(map[uint32]bool, len(sc.Streams))
	for _, s := range sc.Streams {
		if seen[s.SSRC] {
			return fmt.Errorf("%w: duplicate ssrc %d", ErrInvalidScenario, s.SSRC)
		}
		seen[s.SSRC] = true
		if s.FPS < 0 || s.BitrateBps < 0 {
			return fmt.Errorf("%w: ssrc %d: negative fps or bitrate", ErrInvalidScenario, s.SSRC)
		}
	}
	for _, ev := range sc.Events {
		if ev.AtMs < 0 || ev.CapacityBps < 0 || ev.BitrateBps < 0 {
			return fmt.Errorf("%w: event at %d ms has negative fields", ErrInvalidScenario, ev.AtMs)
		}
	}
	if e := sc.Expect; e.MaxFinalBps != 0 && e.MinFinalBps > e.MaxFinalBps {
		return fmt.Errorf("%w: expect min_final_bps %d above max_final_bps %d", ErrInvalidScenario, e.MinFinalBps, e.MaxFinalBps)
	}
	if err := sc.Estimator.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	return nil
}
