package radio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("c0:ff:ee:00:01:02")
	require.NoError(t, err)
	assert.Equal(t, Address{0xC0, 0xFF, 0xEE, 0x00, 0x01, 0x02}, a)
	assert.Equal(t, "C0:FF:EE:00:01:02", a.String())
	assert.False(t, a.IsZero())

	for _, bad := range []string{"", "C0:FF:EE", "C0:FF:EE:00:01:ZZ", "C0:FF:EE:00:01:02:03", "100:FF:EE:00:01:02"} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestMustParseAddressPanics(t *testing.T) {
	assert.Panics(t, func() { MustParseAddress("nope") })
	assert.True(t, Address{}.IsZero())
}

func TestAddressTypeString(t *testing.T) {
	assert.Equal(t, "public", AddressPublic.String())
	assert.Equal(t, "random", AddressRandom.String())
}
