package lobby

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
)

// Match ids are 8 bytes of entropy through unpadded base32hex (the
// DNSSEC alphabet), lowercased: 13 characters, all alphanumeric, so
// they are safe as archive directory names.
var idEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// EncodeID renders a numeric match id in its wire form.
func EncodeID(id uint64) string {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], id)
	return strings.ToLower(idEncoding.EncodeToString(raw[:]))
}

// DecodeID parses a wire-form match id.
func DecodeID(s string) (uint64, error) {
	raw, err := idEncoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("invalid id: wrong length")
	}
	return binary.LittleEndian.Uint64(raw), nil
}
