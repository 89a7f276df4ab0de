package lobby

import (
	"math/rand"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeIDShape(t *testing.T) {
	// 8 bytes of base32hex without padding: 13 lowercase characters,
	// all alphanumeric.
	shape := regexp.MustCompile(`^[0-9a-v]{13}$`)
	for _, id := range []uint64{0, 1, 0xffffffffffffffff, 0xdeadbeefcafe} {
		require.Regexp(t, shape, EncodeID(id))
	}
}

func TestIDRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		id := rng.Uint64()
		decoded, err := DecodeID(EncodeID(id))
		require.NoError(t, err)
		require.Equal(t, id, decoded)
	}
}

func TestDecodeIDRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"short",
		"0000000000000000000000", // too long
		"!!!!!!!!!!!!!",          // not in the alphabet
		"zzzzzzzzzzzzz",          // z is outside base32hex
	} {
		_, err := DecodeID(s)
		require.Error(t, err, "id %q", s)
	}
}
