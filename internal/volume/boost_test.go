package volume

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateBoost_Examples(t *testing.T) {
	tests := []struct {
		speed       float64
		sensitivity Sensitivity
		want        int
	}{
		{0, SensitivityMid, 0},
		{19.9, SensitivityMid, 0},
		{20, SensitivityMid, 5},
		{39.99, SensitivityMid, 5},
		{40, SensitivityMid, 10},
		{100, SensitivityMid, 20},
		{100, SensitivityLow, 15},
		{120, SensitivityLow, 20},
		{29, SensitivityLow, 0},
		{10, SensitivityHigh, 5},
		{35, SensitivityHigh, 15},
		{250, SensitivityHigh, 20},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CalculateBoost(tt.speed, tt.sensitivity),
			"speed=%v sensitivity=%s", tt.speed, tt.sensitivity)
	}
}

func TestCalculateBoost_MonotonicAndBounded(t *testing.T) {
	for _, s := range []Sensitivity{SensitivityLow, SensitivityMid, SensitivityHigh} {
		prev := 0
		for speed := 0.0; speed <= 300; speed += 0.5 {
			b := CalculateBoost(speed, s)
			require.GreaterOrEqual(t, b, prev, "speed=%v sensitivity=%s", speed, s)
			require.GreaterOrEqual(t, b, 0)
			require.LessOrEqual(t, b, MaxBoost)
			require.Zero(t, b%BoostIncrement)
			prev = b
		}
	}
}

func TestCalculateBoost_OddSpeeds(t *testing.T) {
	assert.Equal(t, 0, CalculateBoost(-15, SensitivityHigh))
	assert.Equal(t, 0, CalculateBoost(math.NaN(), SensitivityHigh))
	assert.Equal(t, 0, CalculateBoost(math.Inf(-1), SensitivityHigh))
	assert.Equal(t, 0, CalculateBoost(math.Inf(1), SensitivityHigh))
	assert.Equal(t, MaxBoost, CalculateBoost(math.MaxFloat64, SensitivityLow))
}

func TestCalculateBoost_UnknownSensitivityPanics(t *testing.T) {
	assert.Panics(t, func() { CalculateBoost(50, Sensitivity("turbo")) })
}

func TestApplyBoost(t *testing.T) {
	assert.Equal(t, 75, ApplyBoost(60, 15))
	assert.Equal(t, 100, ApplyBoost(90, 20))
	assert.Equal(t, 40, ApplyBoost(40, 0))
	assert.Equal(t, 0, ApplyBoost(-10, 5))
}

func TestParseSensitivity(t *testing.T) {
	for in, want := range map[string]Sensitivity{
		"low":    SensitivityLow,
		"MID":    SensitivityMid,
		" High ": SensitivityHigh,
	} {
		got, err := ParseSensitivity(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseSensitivity("medium")
	assert.Error(t, err)
}

func TestSpeedPerBoostStep(t *testing.T) {
	assert.Equal(t, 30.0, SensitivityLow.SpeedPerBoostStep())
	assert.Equal(t, 20.0, SensitivityMid.SpeedPerBoostStep())
	assert.Equal(t, 10.0, SensitivityHigh.SpeedPerBoostStep())
}

func TestSettings_Validate(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	s.Sensitivity = "loud"
	assert.Error(t, s.Validate())

	s = DefaultSettings()
	s.Curve.Exponent = 0
	assert.ErrorIs(t, s.Validate(), ErrInvalidCurve)

	s = DefaultSettings()
	s.SavedStep = s.Curve.MaxSteps + 1
	assert.Error(t, s.Validate())
}

func TestSettings_UnmuteStep(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 7, s.UnmuteStep(), "half of 15 steps without a saved step")

	s.SavedStep = 11
	assert.Equal(t, 11, s.UnmuteStep())
}
