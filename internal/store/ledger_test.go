package store

import (
	"testing"
)

func TestAverageCost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		oldQty    int64
		oldAvg    int64
		fillQty   int64
		fillPrice int64
		want      int64
	}{
		{name: "first fill sets price", oldQty: 0, oldAvg: 0, fillQty: 10, fillPrice: 500, want: 500},
		{name: "even blend", oldQty: 10, oldAvg: 100, fillQty: 10, fillPrice: 200, want: 150},
		{name: "weighted blend", oldQty: 3, oldAvg: 500, fillQty: 2, fillPrice: 510, want: 504},
		{name: "rounds half to even down", oldQty: 1, oldAvg: 100, fillQty: 1, fillPrice: 101, want: 100},
		{name: "rounds half to even up", oldQty: 1, oldAvg: 101, fillQty: 1, fillPrice: 102, want: 102},
		{name: "zero total", oldQty: 0, oldAvg: 0, fillQty: 0, fillPrice: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := AverageCost(tt.oldQty, tt.oldAvg, tt.fillQty, tt.fillPrice)
			if got != tt.want {
				t.Errorf("AverageCost(%d, %d, %d, %d) = %d, want %d",
					tt.oldQty, tt.oldAvg, tt.fillQty, tt.fillPrice, got, tt.want)
			}
		})
	}
}
