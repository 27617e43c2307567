package exported

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumConvRoundTrip(t *testing.T) {
	conv := EnumConv(map[string]string{
		"secure": "sec",
		"user":   "usr",
	})

	wire, err := conv.ToWire("secure")
	require.NoError(t, err)
	assert.Equal(t, "sec", wire)

	native, err := conv.FromWire("usr")
	require.NoError(t, err)
	assert.Equal(t, "user", native)
}

func TestEnumConvUnknownValue(t *testing.T) {
	conv := EnumConv(map[string]string{"secure": "sec"})
	_, err := conv.ToWire("bogus")
	require.Error(t, err)
	_, err = conv.FromWire("bogus")
	require.Error(t, err)
}

func TestFlagsConvRoundTripSortsNicks(t *testing.T) {
	conv := FlagsConv(map[string]string{
		"nopcie": "np",
		"nokey":  "nk",
	})

	wire, err := conv.ToWire([]string{"nokey", "nopcie"})
	require.NoError(t, err)
	assert.Equal(t, "nk|np", wire)

	native, err := conv.FromWire("nk|np")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"nokey", "nopcie"}, native)
}

func TestFlagsConvEmptyString(t *testing.T) {
	conv := FlagsConv(map[string]string{"nokey": "nk"})
	native, err := conv.FromWire("")
	require.NoError(t, err)
	assert.Equal(t, []string{}, native)
}

func TestLinkSpeedConvRoundTrip(t *testing.T) {
	conv := LinkSpeedConv()
	wire, err := conv.ToWire([4]int{20, 2, 20, 2})
	require.NoError(t, err)

	wireMap := wire.(map[string]interface{})
	variants := make(map[string]dbus.Variant, len(wireMap))
	for k, v := range wireMap {
		variants[k] = dbus.MakeVariant(v)
	}

	native, err := conv.FromWire(variants)
	require.NoError(t, err)
	assert.Equal(t, [4]int{20, 2, 20, 2}, native)
}

func TestPropertySpecPassthroughWithoutConv(t *testing.T) {
	spec := &PropertySpec{Name: "Plain"}
	wire, err := spec.toWire(42)
	require.NoError(t, err)
	assert.Equal(t, 42, wire)

	native, err := spec.fromWire("x")
	require.NoError(t, err)
	assert.Equal(t, "x", native)
}
