// Package bleuuid canonicalizes Bluetooth service, characteristic and
// descriptor identifiers between SIG alias names, short hex forms and full
// 128-bit GUIDs.
package bleuuid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidFormat indicates the input is neither a recognized alias, a short
// hex form, nor a full hyphenated GUID.
var ErrInvalidFormat = errors.New("invalid UUID format")

// baseSuffix is the fixed Bluetooth SIG base UUID tail used to expand 16/32
// bit short forms.
const baseSuffix = "-0000-1000-8000-00805f9b34fb"

var (
	shortForm = regexp.MustCompile(`^(0x)?[0-9a-f]{1,8}$`)
	fullForm  = regexp.MustCompile(`^\{?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\}?$`)
)

func expand(v uint32) string {
	return fmt.Sprintf("%08x%s", v, baseSuffix)
}

// Normalize converts uuid to its canonical lowercase hyphenated form.
// Aliases are resolved first, then 1-8 hex digit short forms (optionally
// 0x-prefixed) are expanded via the Bluetooth base UUID. Full GUIDs are
// accepted with or without braces, case-insensitively.
func Normalize(uuid string, aliases map[string]uint32) (string, error) {
	if v, ok := aliases[uuid]; ok {
		return expand(v), nil
	}
	lower := strings.ToLower(uuid)
	if shortForm.MatchString(lower) {
		v, err := strconv.ParseUint(strings.TrimPrefix(lower, "0x"), 16, 32)
		if err == nil && v > 0 {
			return expand(uint32(v)), nil
		}
	}
	if fullForm.MatchString(lower) {
		return strings.Trim(lower, "{}"), nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidFormat, uuid)
}

// NormalizeService resolves service aliases ("battery_service", ...).
func NormalizeService(uuid string) (string, error) {
	return Normalize(uuid, serviceAliases)
}

// NormalizeCharacteristic resolves characteristic aliases ("battery_level", ...).
func NormalizeCharacteristic(uuid string) (string, error) {
	return Normalize(uuid, characteristicAliases)
}

// NormalizeDescriptor resolves descriptor aliases.
func NormalizeDescriptor(uuid string) (string, error) {
	return Normalize(uuid, descriptorAliases)
}

// PlatformService wraps the canonical service UUID in braces, the
// representation the native host expects.
func PlatformService(uuid string) (string, error) {
	n, err := NormalizeService(uuid)
	if err != nil {
		return "", err
	}
	return "{" + n + "}", nil
}

// PlatformCharacteristic wraps the canonical characteristic UUID in braces.
func PlatformCharacteristic(uuid string) (string, error) {
	n, err := NormalizeCharacteristic(uuid)
	if err != nil {
		return "", err
	}
	return "{" + n + "}", nil
}

// PlatformDescriptor wraps the canonical descriptor UUID in braces. An empty
// descriptor is passed through unchanged so optional-descriptor calls keep
// their "absent" marker.
func PlatformDescriptor(uuid string) (string, error) {
	if uuid == "" {
		return "", nil
	}
	n, err := NormalizeDescriptor(uuid)
	if err != nil {
		return "", err
	}
	return "{" + n + "}", nil
}
