package messageid

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
)

// decodeB verifies the five signature bytes embedded after the 13-byte tag.
func decodeB(c *Codec, id, tag, _ string) (Tag, bool) {
	if tag == "" {
		return Tag{}, false
	}
	raw, err := decodeBase64(tag)
	if err != nil || len(raw) != tagSize+sigSize {
		return Tag{}, false
	}
	packed, sig := raw[:tagSize], raw[tagSize:]
	if !hmac.Equal(c.sign(packed, id), sig) {
		return Tag{}, false
	}
	return Tag{
		UserID:    binary.LittleEndian.Uint32(packed[0:4]),
		EntryID:   binary.LittleEndian.Uint32(packed[4:8]),
		ThreadID:  binary.LittleEndian.Uint32(packed[8:12]),
		UserClass: packed[12],
	}, true
}

// decodeA handles the legacy layout VA-B-C-D@sig: the tag packs a user id,
// an entry id and the class, and is signed by the last ten hex characters
// of HMAC-SHA1(tag + id) carried after '@'.
func decodeA(c *Codec, id, tag, sig string) (Tag, bool) {
	if tag == "" {
		return Tag{}, false
	}
	mac := hmac.New(sha1.New, c.salt)
	mac.Write([]byte(tag))
	mac.Write([]byte(id))
	sum := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sum[len(sum)-10:]), []byte(sig)) {
		return Tag{}, false
	}
	raw, err := decodeBase64(tag)
	if err != nil || len(raw) < 9 {
		return Tag{}, false
	}
	return Tag{
		UserID:    binary.LittleEndian.Uint32(raw[0:4]),
		EntryID:   binary.LittleEndian.Uint32(raw[4:8]),
		UserClass: raw[8],
	}, true
}
