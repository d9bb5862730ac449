package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{"AA-BB-CC-DD-EE-FF", "AA:BB:CC:DD:EE:FF"},
		{"aabb.ccdd.eeff", "AA:BB:CC:DD:EE:FF"},
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF"},
		{"  aa:bb:cc:dd:ee:ff  ", "AA:BB:CC:DD:EE:FF"},
		{"not-a-mac", "not-a-mac"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeMAC(tt.in), "input %q", tt.in)
	}
}

func TestIsMAC(t *testing.T) {
	assert.True(t, IsMAC("AA:BB:CC:DD:EE:FF"))
	assert.True(t, IsMAC("aa-bb-cc-dd-ee-ff"))
	assert.True(t, IsMAC("aabb.ccdd.eeff"))
	assert.True(t, IsMAC("aabbccddeeff"))
	assert.False(t, IsMAC("core-switch"))
	assert.False(t, IsMAC(""))
	assert.False(t, IsMAC("Device-10.0.0.1"))
}
