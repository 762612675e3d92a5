package drr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdaptiveCap_GateBeforeTwentySamples(t *testing.T) {
	a := NewAdaptiveCap(4, 32)
	for i := 0; i < 19; i++ {
		a.Record(false)
	}
	assert.Equal(t, 4, a.Current())
}

func TestAdaptiveCap_AdditiveIncreaseToCeiling(t *testing.T) {
	a := NewAdaptiveCap(4, 32)
	for i := 0; i < 200; i++ {
		a.Record(true)
	}
	assert.Equal(t, 32, a.Current())
}

func TestAdaptiveCap_MultiplicativeDecrease(t *testing.T) {
	a := NewAdaptiveCap(4, 32)
	for i := 0; i < 200; i++ {
		a.Record(true)
	}
	// A sustained error burst pushes the window error rate over 5%.
	for i := 0; i < 20; i++ {
		a.Record(false)
	}
	assert.Less(t, a.Current(), 32)
	assert.GreaterOrEqual(t, a.Current(), 4)
}

func TestAdaptiveCap_AlternatingErrorsPinToFloor(t *testing.T) {
	a := NewAdaptiveCap(4, 32)
	for i := 0; i < 200; i++ {
		a.Record(i%2 == 0)
	}
	// Error rate 0.5 after the 20-sample gate keeps shrinking the cap.
	assert.Equal(t, 4, a.Current())
}

func TestAdaptiveCap_SingleDecreaseStep(t *testing.T) {
	a := NewAdaptiveCap(4, 32)
	for i := 0; i < 30; i++ {
		a.Record(true)
	}
	prev := a.Current()
	a.Record(false)
	a.Record(false)
	a.Record(false) // window error rate now > 0.05
	want := int(float64(prev) * 0.7)
	if want < 4 {
		want = 4
	}
	// Two of the three records may each shrink once the rate crosses
	// the threshold; the cap is never below floor(prev*0.7*0.7).
	assert.LessOrEqual(t, a.Current(), want)
	assert.GreaterOrEqual(t, a.Current(), 4)
}
