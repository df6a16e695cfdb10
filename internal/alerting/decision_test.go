package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldAlert(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		score     float64
		alerted   bool
		want      bool
	}{
		{"Above threshold", 0.6, 1.0, false, true},
		{"At threshold", 0.6, 0.6, false, true},
		{"Below threshold", 0.6, 0.5, false, false},
		{"Already alerted", 0.6, 1.0, true, false},
		{"Already alerted and dropped", 0.6, 0.1, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldAlert(tt.threshold, tt.score, tt.alerted))
		})
	}
}
