package exported

import (
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/gicmo/bolt-sub000/boltderr"
)

// WireConv is a custom (property spec, wire type) converter pair
// (spec.md §4.10 "Wire type conversion"). Properties whose native
// representation is not a 1:1 match for a D-Bus basic type — enums,
// flag sets, and structured types like LinkSpeed — register one of
// these.
type WireConv struct {
	ToWire   func(native interface{}) (interface{}, error)
	FromWire func(wire interface{}) (interface{}, error)
}

// toWire applies the property's converter, if any, else passes the
// native value straight through to dbus.MakeVariant.
func (p *PropertySpec) toWire(native interface{}) (interface{}, error) {
	if p.Conv == nil {
		return native, nil
	}
	return p.Conv.ToWire(native)
}

// fromWire applies the property's converter, if any, else passes the
// wire value straight through.
func (p *PropertySpec) fromWire(wire interface{}) (interface{}, error) {
	if p.Conv == nil {
		return wire, nil
	}
	return p.Conv.FromWire(wire)
}

// EnumConv builds a WireConv mapping a string-backed enum to/from its
// registered "nick" on the wire, matching spec.md's "enumerations whose
// wire type is string map via their registered nick".
func EnumConv(nicks map[string]string) *WireConv {
	reverse := make(map[string]string, len(nicks))
	for native, nick := range nicks {
		reverse[nick] = native
	}
	return &WireConv{
		ToWire: func(native interface{}) (interface{}, error) {
			s, ok := native.(string)
			if !ok {
				return nil, boltderr.New(boltderr.KindFailed, "enum value is not a string: %v", native)
			}
			nick, ok := nicks[s]
			if !ok {
				return nil, boltderr.New(boltderr.KindFailed, "no nick registered for enum value %q", s)
			}
			return nick, nil
		},
		FromWire: func(wire interface{}) (interface{}, error) {
			nick, ok := wire.(string)
			if !ok {
				return nil, boltderr.New(boltderr.KindFailed, "wire enum value is not a string: %v", wire)
			}
			native, ok := reverse[nick]
			if !ok {
				return nil, boltderr.New(boltderr.KindFailed, "unknown enum nick %q", nick)
			}
			return native, nil
		},
	}
}

// FlagsConv builds a WireConv mapping a set of string flags to/from a
// pipe-separated nick string, matching spec.md's "flag sets map to
// pipe-separated nicks".
func FlagsConv(nicks map[string]string) *WireConv {
	reverse := make(map[string]string, len(nicks))
	for native, nick := range nicks {
		reverse[nick] = native
	}
	return &WireConv{
		ToWire: func(native interface{}) (interface{}, error) {
			flags, ok := native.([]string)
			if !ok {
				return nil, boltderr.New(boltderr.KindFailed, "flags value is not []string: %v", native)
			}
			parts := make([]string, 0, len(flags))
			for _, f := range flags {
				nick, ok := nicks[f]
				if !ok {
					return nil, boltderr.New(boltderr.KindFailed, "no nick registered for flag %q", f)
				}
				parts = append(parts, nick)
			}
			sort.Strings(parts)
			return strings.Join(parts, "|"), nil
		},
		FromWire: func(wire interface{}) (interface{}, error) {
			s, ok := wire.(string)
			if !ok {
				return nil, boltderr.New(boltderr.KindFailed, "wire flags value is not a string: %v", wire)
			}
			if s == "" {
				return []string{}, nil
			}
			var native []string
			for _, nick := range strings.Split(s, "|") {
				f, ok := reverse[nick]
				if !ok {
					return nil, boltderr.New(boltderr.KindFailed, "unknown flag nick %q", nick)
				}
				native = append(native, f)
			}
			return native, nil
		},
	}
}

// LinkSpeedWire is the dictionary representation of a link speed pair
// on the wire (spec.md §4.10's worked example).
type LinkSpeedWire struct {
	RxSpeed int32
	RxLanes int32
	TxSpeed int32
	TxLanes int32
}

// LinkSpeedConv converts between a native (rx, tx) pair — represented
// generically as a [4]int{rxSpeed, rxLanes, txSpeed, txLanes} to keep
// this package free of a sysfs dependency — and the
// {rx.speed, rx.lanes, tx.speed, tx.lanes} wire dictionary.
func LinkSpeedConv() *WireConv {
	return &WireConv{
		ToWire: func(native interface{}) (interface{}, error) {
			v, ok := native.([4]int)
			if !ok {
				return nil, boltderr.New(boltderr.KindFailed, "link speed value has unexpected shape: %v", native)
			}
			return map[string]interface{}{
				"rx.speed": int32(v[0]),
				"rx.lanes": int32(v[1]),
				"tx.speed": int32(v[2]),
				"tx.lanes": int32(v[3]),
			}, nil
		},
		FromWire: func(wire interface{}) (interface{}, error) {
			m, ok := wire.(map[string]dbus.Variant)
			if !ok {
				return nil, boltderr.New(boltderr.KindFailed, "link speed wire value has unexpected shape: %v", wire)
			}
			get := func(key string) int {
				v, ok := m[key]
				if !ok {
					return 0
				}
				n, _ := v.Value().(int32)
				return int(n)
			}
			return [4]int{get("rx.speed"), get("rx.lanes"), get("tx.speed"), get("tx.lanes")}, nil
		},
	}
}
