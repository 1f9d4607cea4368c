// Package refdata holds shared, slow-changing reference data in a keyed registry.
// Consumers register interest in a Key, read stale-while-revalidate snapshots and
// invalidate keys their writes have made stale.
package refdata

import (
	"errors"
	"fmt"
)

// ErrUnknownKey is returned when a name does not belong to the closed key set.
var ErrUnknownKey = errors.New("unknown reference data key")

// Key identifies one named slot of reference data. The set is closed: the only
// way to obtain a Key from outside Go code is ParseKey.
type Key uint8

const (
	KeyCountry Key = iota + 1
	KeyRegion
	KeyGlobalEnums
	KeyDisasterType
	KeyUserMe
	KeySecondarySector
	KeyPerComponents
)

var keyNames = map[Key]string{
	KeyCountry:         "country",
	KeyRegion:          "region",
	KeyGlobalEnums:     "global-enums",
	KeyDisasterType:    "disaster-type",
	KeyUserMe:          "user-me",
	KeySecondarySector: "secondary-sector",
	KeyPerComponents:   "per-components",
}

// Keys returns every key in declaration order.
func Keys() []Key {
	return []Key{
		KeyCountry,
		KeyRegion,
		KeyGlobalEnums,
		KeyDisasterType,
		KeyUserMe,
		KeySecondarySector,
		KeyPerComponents,
	}
}

// String returns the wire name of the key.
func (k Key) String() string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	return fmt.Sprintf("key(%d)", uint8(k))
}

// Valid reports whether k is a member of the key set.
func (k Key) Valid() bool {
	_, ok := keyNames[k]
	return ok
}

// ParseKey maps a wire name to its Key.
func ParseKey(name string) (Key, error) {
	for k, n := range keyNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKey, name)
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKey, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
