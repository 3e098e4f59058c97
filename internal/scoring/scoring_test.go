package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbabilistic(t *testing.T) {
	tests := []struct {
		name string
		p    float64
		want int
	}{
		{"zero", 0, 0},
		{"small", 0.01, 1},
		{"low segment", 0.3, 20},
		{"lower knee", 0.75, 50},
		{"middle segment", 0.8, 65},
		{"upper knee", 0.85, 80},
		{"upper segment", 0.9, 87},
		{"one", 1, 100},
		{"below range", -0.5, 0},
		{"above range", 1.7, 100},
		{"nan", math.NaN(), 0},
		{"positive infinity", math.Inf(1), 100},
		{"negative infinity", math.Inf(-1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Probabilistic(tt.p))
		})
	}
}

func TestProbabilistic_MonotonicAndBounded(t *testing.T) {
	prev := Probabilistic(0)
	for i := 1; i <= 100000; i++ {
		p := float64(i) / 100000
		s := Probabilistic(p)
		require.GreaterOrEqual(t, s, prev, "p=%v", p)
		require.GreaterOrEqual(t, s, MinScore)
		require.LessOrEqual(t, s, MaxScore)
		prev = s
	}
}

func TestBinary(t *testing.T) {
	assert.Equal(t, 0, Binary(0))
	assert.Equal(t, 100, Binary(1))
	assert.Equal(t, 0, Binary(0.49))
	assert.Equal(t, 100, Binary(0.5))
	assert.Equal(t, 0, Binary(math.NaN()))
	assert.LessOrEqual(t, Binary(0.2), Binary(0.7))
}

func TestCalibrator_Mode(t *testing.T) {
	assert.Equal(t, 100, NewCalibrator(ModeBinary).Calibrate(1))
	assert.Equal(t, 0, NewCalibrator(ModeBinary).Calibrate(0))
	assert.Equal(t, 87, NewCalibrator(ModeProbabilistic).Calibrate(0.9))
	assert.Equal(t, ModeBinary, NewCalibrator(ModeBinary).Mode())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("binary")
	require.NoError(t, err)
	assert.Equal(t, ModeBinary, m)

	m, err = ParseMode("probabilistic")
	require.NoError(t, err)
	assert.Equal(t, ModeProbabilistic, m)

	_, err = ParseMode("")
	assert.Error(t, err)
	_, err = ParseMode("sigmoid")
	assert.Error(t, err)
}
