package bleuuid

import (
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit short form",
			input:    "180d",
			expected: "0000180d-0000-1000-8000-00805f9b34fb",
		},
		{
			name:     "16-bit short form with 0x prefix",
			input:    "0x180d",
			expected: "0000180d-0000-1000-8000-00805f9b34fb",
		},
		{
			name:     "16-bit short form uppercase",
			input:    "180D",
			expected: "0000180d-0000-1000-8000-00805f9b34fb",
		},
		{
			name:     "32-bit short form",
			input:    "12345678",
			expected: "12345678-0000-1000-8000-00805f9b34fb",
		},
		{
			name:     "single digit",
			input:    "7",
			expected: "00000007-0000-1000-8000-00805f9b34fb",
		},
		{
			name:     "full GUID lowercase",
			input:    "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		},
		{
			name:     "full GUID uppercase",
			input:    "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
			expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		},
		{
			name:     "full GUID with braces",
			input:    "{6e400001-b5a3-f393-e0a9-e50e24dcca9e}",
			expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Normalize(tt.input, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"0",
		"not-a-uuid",
		"123456789", // 9 hex digits
		"6e400001-b5a3-f393-e0a9-e50e24dcca9e-ff",
		"{6e400001-b5a3-f393-e0a9-e50e24dcca9e",
	}

	for _, input := range inputs {
		t.Run(fmt.Sprintf("%q", input), func(t *testing.T) {
			_, err := Normalize(input, nil)
			assert.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

// Normalization must be idempotent and short forms must land on the
// Bluetooth base UUID.
func TestNormalize_RoundTrip(t *testing.T) {
	base := regexp.MustCompile(`^[0-9a-f]{8}-0000-1000-8000-00805f9b34fb$`)

	for _, input := range []string{"1", "2902", "0x2a37", "ffff", "12345678"} {
		t.Run(input, func(t *testing.T) {
			once, err := Normalize(input, nil)
			require.NoError(t, err)
			assert.Regexp(t, base, once)

			twice, err := Normalize(once, nil)
			require.NoError(t, err)
			assert.Equal(t, once, twice)
		})
	}
}

func TestNormalize_Aliases(t *testing.T) {
	svc, err := NormalizeService("heart_rate")
	require.NoError(t, err)
	assert.Equal(t, "0000180d-0000-1000-8000-00805f9b34fb", svc)

	char, err := NormalizeCharacteristic("heart_rate_measurement")
	require.NoError(t, err)
	assert.Equal(t, "00002a37-0000-1000-8000-00805f9b34fb", char)

	desc, err := NormalizeDescriptor("gatt.client_characteristic_configuration")
	require.NoError(t, err)
	assert.Equal(t, "00002902-0000-1000-8000-00805f9b34fb", desc)

	// Alias tables are per-kind: a service alias is not a characteristic.
	_, err = NormalizeCharacteristic("heart_rate")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestPlatformForms(t *testing.T) {
	svc, err := PlatformService("180d")
	require.NoError(t, err)
	assert.Equal(t, "{0000180d-0000-1000-8000-00805f9b34fb}", svc)

	char, err := PlatformCharacteristic("2a37")
	require.NoError(t, err)
	assert.Equal(t, "{00002a37-0000-1000-8000-00805f9b34fb}", char)

	desc, err := PlatformDescriptor("2902")
	require.NoError(t, err)
	assert.Equal(t, "{00002902-0000-1000-8000-00805f9b34fb}", desc)

	// Absent descriptor passes through unchanged.
	desc, err = PlatformDescriptor("")
	require.NoError(t, err)
	assert.Equal(t, "", desc)
}
