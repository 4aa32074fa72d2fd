package writer

import "testing"

func TestStats_DropRate(t *testing.T) {
	tests := []struct {
		name  string
		stats Stats
		want  float64
	}{
		{"idle", Stats{}, 0},
		{"no drops", Stats{Accepted: 10}, 0},
		{"quarter dropped", Stats{Accepted: 3, Dropped: 1}, 0.25},
		{"all dropped", Stats{Dropped: 4}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stats.DropRate(); got != tt.want {
				t.Errorf("Expected drop rate %v, got %v", tt.want, got)
			}
		})
	}
}
