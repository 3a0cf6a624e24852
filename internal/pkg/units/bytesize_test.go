package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHumanSize(t *testing.T) {
	tests := []struct {
		size     float64
		expected string
	}{
		{size: 0, expected: "0B"},
		{size: 512, expected: "512B"},
		{size: 1000, expected: "1kB"},
		{size: 1024, expected: "1.024kB"},
		{size: 1048576, expected: "1.049MB"},
		{size: 2 * MB, expected: "2MB"},
		{size: 3.42 * GB, expected: "3.42GB"},
		{size: 2.22 * PB, expected: "2.22PB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, HumanSize(tt.size))
		})
	}
}

func TestFromHumanSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{input: "0", expected: 0},
		{input: "32", expected: 32},
		{input: "32b", expected: 32},
		{input: "32 B", expected: 32},
		{input: "32k", expected: 32 * KB},
		{input: "32KB", expected: 32 * KB},
		{input: "25MB", expected: 25 * MB},
		{input: "1g", expected: GB},
		{input: "32.5 kB", expected: 32500},
		{input: ".3kB", expected: 300},
		{input: "2Tb", expected: 2 * TB},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			actual, err := FromHumanSize(tt.input)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, actual)
		})
	}
}

func TestFromHumanSizeInvalid(t *testing.T) {
	for _, input := range []string{"", "hello", " 32", "-32", "32  b", "32 bb", "32m b", "32x", "."} {
		t.Run(input, func(t *testing.T) {
			res, err := FromHumanSize(input)
			assert.Error(t, err)
			assert.Equal(t, int64(-1), res)
		})
	}
}
