package wol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMagicPacket_Shape(t *testing.T) {
	pkt, err := MagicPacket("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Len(t, pkt, 102)

	for i := 0; i < 6; i++ {
		assert.Equal(t, byte(0xFF), pkt[i])
	}
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	for rep := 0; rep < 16; rep++ {
		assert.Equal(t, want, pkt[6+rep*6:6+rep*6+6])
	}
}

func TestMagicPacket_NormalizesSeparatorsAndCase(t *testing.T) {
	withColons, err := MagicPacket("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	withDashes, err := MagicPacket("AA-BB-CC-DD-EE-FF")
	require.NoError(t, err)
	bare, err := MagicPacket("aabbccddeeff")
	require.NoError(t, err)

	assert.Equal(t, withColons, withDashes)
	assert.Equal(t, withColons, bare)
}

func TestMagicPacket_RejectsMalformedMAC(t *testing.T) {
	_, err := MagicPacket("not-a-mac")
	assert.Error(t, err)

	_, err = MagicPacket("AA:BB:CC")
	assert.Error(t, err)
}
