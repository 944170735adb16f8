package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDemandBoard(t *testing.T) {
	tests := []struct {
		name  string
		sets  map[string]int
		label string
		want  int
	}{
		{name: "unset label", sets: map[string]int{}, label: "ec2-fleet", want: 0},
		{name: "positive demand", sets: map[string]int{"ec2-fleet": 4}, label: "ec2-fleet", want: 4},
		{name: "zero clears", sets: map[string]int{"ec2-fleet": 0}, label: "ec2-fleet", want: 0},
		{name: "negative clears", sets: map[string]int{"ec2-fleet": -3}, label: "ec2-fleet", want: 0},
		{name: "other label", sets: map[string]int{"gpu": 2}, label: "ec2-fleet", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewDemandBoard()
			for label, count := range tt.sets {
				b.Set(label, count)
			}
			assert.Equal(t, tt.want, b.Get(tt.label))
		})
	}
}

func TestDemandBoardReturnsCopy(t *testing.T) {
	b := NewDemandBoard()
	b.Set("ec2-fleet", 2)
	b.Set("gpu", 1)

	snapshot := b.Demand()
	assert.Equal(t, map[string]int{"ec2-fleet": 2, "gpu": 1}, snapshot)

	snapshot["ec2-fleet"] = 100
	assert.Equal(t, 2, b.Get("ec2-fleet"))

	b.Set("gpu", 0)
	assert.Equal(t, map[string]int{"ec2-fleet": 2}, b.Demand())
}
