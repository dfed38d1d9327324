package bwe

import (
	"math"
	"testing"
)

func TestOveruseDetector_InitialState(t *testing.T) {
	config := DefaultOveruseConfig()
	detector := NewOveruseDetector(config)

	if got := detector.State(); got != BwNormal {
		t.Errorf("initial state = %v, want %v", got, BwNormal)
	}
	if got := detector.Threshold(); got != config.InitialThreshold {
		t.Errorf("initial threshold = %v, want %v", got, config.InitialThreshold)
	}
}

func TestOveruseDetector_TooFewDeltas(t *testing.T) {
	detector := NewOveruseDetector(DefaultOveruseConfig())

	// A single delta is never trusted, whatever the offset
	if got := detector.Detect(50, 33, 1, 0); got != BwNormal {
		t.Errorf("state = %v, want %v", got, BwNormal)
	}
	if got := detector.Threshold(); got != 12.5 {
		t.Errorf("threshold = %v, must not adapt without enough deltas", got)
	}
}

func TestOveruseDetector_NormalOperation(t *testing.T) {
	detector := NewOveruseDetector(DefaultOveruseConfig())

	// Scaled by 60 these stay within +-12.5
	offsets := []float64{0.1, -0.05, 0.15, -0.1, 0.2}
	for i, offset := range offsets {
		state := detector.Detect(offset, 33, 60, int64(i*33))
		if state != BwNormal {
			t.Errorf("offset[%d]=%v: state = %v, want %v", i, offset, state, BwNormal)
		}
	}
}

func TestOveruseDetector_OffsetScaledByDeltas(t *testing.T) {
	tests := []struct {
		name      string
		numDeltas int
		want      BandwidthUsage
	}{
		{"young filter", 10, BwNormal},
		{"mature filter", 60, BwOverusing},
		{"capped at 60", 1000, BwOverusing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := NewOveruseDetector(DefaultOveruseConfig())
			var state BandwidthUsage
			for i := 0; i < 3; i++ {
				state = detector.Detect(1.0, 33, tt.numDeltas, int64(i*33))
			}
			if state != tt.want {
				t.Errorf("state = %v, want %v", state, tt.want)
			}
		})
	}
}

func TestOveruseDetector_SustainedOveruse(t *testing.T) {
	detector := NewOveruseDetector(DefaultOveruseConfig())

	var calls int
	var oldState, newState BandwidthUsage
	detector.SetCallback(func(old, new BandwidthUsage) {
		calls++
		oldState, newState = old, new
	})

	// First sample above threshold only starts the overuse timer
	if got := detector.Detect(1.0, 33, 60, 0); got != BwNormal {
		t.Fatalf("first sample: state = %v, want %v", got, BwNormal)
	}
	if calls != 0 {
		t.Fatalf("callback called %d times before overuse", calls)
	}

	if got := detector.Detect(1.0, 33, 60, 33); got != BwOverusing {
		t.Fatalf("second sample: state = %v, want %v", got, BwOverusing)
	}
	if calls != 1 || oldState != BwNormal || newState != BwOverusing {
		t.Errorf("callback: calls=%d %v -> %v, want 1 Normal -> Overusing", calls, oldState, newState)
	}
}

func TestOveruseDetector_OveruseRequiresSustainedPeriod(t *testing.T) {
	detector := NewOveruseDetector(DefaultOveruseConfig())

	// 2 ms send deltas: the timer reads 1, 3, 5, 7, 9, 11 ms
	for i := 0; i < 5; i++ {
		if got := detector.Detect(1.0, 2, 60, int64(i*2)); got != BwNormal {
			t.Fatalf("sample %d: state = %v, want %v", i, got, BwNormal)
		}
	}
	if got := detector.Detect(1.0, 2, 60, 10); got != BwOverusing {
		t.Errorf("after 11 ms: state = %v, want %v", got, BwOverusing)
	}
}

func TestOveruseDetector_FallingOffsetSuppressesOveruse(t *testing.T) {
	detector := NewOveruseDetector(DefaultOveruseConfig())

	detector.Detect(1.0, 33, 60, 0)
	if got := detector.Detect(0.9, 33, 60, 33); got != BwNormal {
		t.Fatalf("falling offset: state = %v, want %v", got, BwNormal)
	}
	if got := detector.Detect(0.95, 33, 60, 66); got != BwOverusing {
		t.Errorf("rising again: state = %v, want %v", got, BwOverusing)
	}
}

func TestOveruseDetector_Underuse(t *testing.T) {
	detector := NewOveruseDetector(DefaultOveruseConfig())

	if got := detector.Detect(-1.0, 33, 60, 0); got != BwUnderusing {
		t.Errorf("state = %v, want %v", got, BwUnderusing)
	}
	if got := detector.Detect(0, 33, 60, 33); got != BwNormal {
		t.Errorf("state = %v, want %v", got, BwNormal)
	}
}

func TestOveruseDetector_OveruseToNormal(t *testing.T) {
	detector := NewOveruseDetector(DefaultOveruseConfig())

	var transitions []BandwidthUsage
	detector.SetCallback(func(_, new BandwidthUsage) {
		transitions = append(transitions, new)
	})

	detector.Detect(1.0, 33, 60, 0)
	detector.Detect(1.0, 33, 60, 33)
	detector.Detect(0.05, 33, 60, 66)

	want := []BandwidthUsage{BwOverusing, BwNormal}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestOveruseDetector_StaysOverusingWhileTimerRebuilds(t *testing.T) {
	detector := NewOveruseDetector(DefaultOveruseConfig())

	detector.Detect(1.0, 33, 60, 0)
	detector.Detect(1.0, 33, 60, 33)

	// The timer restarted on the transition; the state holds meanwhile
	if got := detector.Detect(1.0, 33, 60, 66); got != BwOverusing {
		t.Errorf("state = %v, want %v", got, BwOverusing)
	}
}

func TestOveruseDetector_AdaptiveThreshold(t *testing.T) {
	tests := []struct {
		name   string
		offset float64
		times  []int64
		want   float64
	}{
		{
			name:   "rises with k_up",
			offset: 0.3, // 18 ms scaled
			times:  []int64{0, 50},
			want:   12.5 + 0.0087*(18-12.5)*50,
		},
		{
			name:   "falls with k_down",
			offset: 0,
			times:  []int64{0, 5},
			want:   12.5 - 0.039*12.5*5,
		},
		{
			name:   "elapsed time capped at 100 ms",
			offset: 0.3,
			times:  []int64{0, 1000},
			want:   12.5 + 0.0087*(18-12.5)*100,
		},
		{
			name:   "spike far above threshold ignored",
			offset: 1.0, // 60 ms scaled
			times:  []int64{0, 100},
			want:   12.5,
		},
		{
			name:   "clamped to minimum",
			offset: 0,
			times:  []int64{0, 100},
			want:   6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := NewOveruseDetector(DefaultOveruseConfig())
			for _, now := range tt.times {
				detector.Detect(tt.offset, 33, 60, now)
			}
			if got := detector.Threshold(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("threshold = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOveruseDetector_ThresholdClampedToMaximum(t *testing.T) {
	config := DefaultOveruseConfig()
	config.MaxThreshold = 15
	detector := NewOveruseDetector(config)

	// 24 ms scaled is within the adaptation band of 12.5 + 15
	detector.Detect(0.4, 33, 60, 0)
	detector.Detect(0.4, 33, 60, 100)

	if got := detector.Threshold(); got != 15 {
		t.Errorf("threshold = %v, want 15", got)
	}
}

func TestOveruseDetector_CallbackNil(t *testing.T) {
	detector := NewOveruseDetector(DefaultOveruseConfig())
	detector.SetCallback(nil)

	// Must not panic on transitions
	detector.Detect(-1.0, 33, 60, 0)
	detector.Detect(0, 33, 60, 33)
}

func TestOveruseDetector_Reset(t *testing.T) {
	detector := NewOveruseDetector(DefaultOveruseConfig())
	detector.Detect(0.3, 33, 60, 0)
	detector.Detect(0.3, 33, 60, 50)
	detector.Detect(1.0, 33, 60, 100)

	detector.Reset()

	if got := detector.State(); got != BwNormal {
		t.Errorf("state after reset = %v, want %v", got, BwNormal)
	}
	if got := detector.Threshold(); got != 12.5 {
		t.Errorf("threshold after reset = %v, want 12.5", got)
	}

	// The overuse timer starts over as well
	if got := detector.Detect(1.0, 33, 60, 200); got != BwNormal {
		t.Errorf("first sample after reset = %v, want %v", got, BwNormal)
	}
}
