// Package messageid encodes and decodes the signed correlation token carried
// in the Message-ID of every outbound email.
//
// Format (version B):
//
//	B<code>-<rand>-<tag>-<sig>
//
// code is the installation code derived from the secret salt, rand five
// random characters, tag base64(pack(userId, entryId, threadId, class) +
// signature) with padding removed, where signature is the last five bytes
// of HMAC-SHA1(pack + rand + code) keyed by the salt. sig is the sender
// address (or a fixed fallback) and only serves as a readable hint.
package messageid

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
)

// ErrUnknownVersion is returned by Decode for tokens whose version code
// matches no registered decoder.
var ErrUnknownVersion = errors.New("messageid: unknown version")

// CurrentVersion is the only version produced by Encode.
const CurrentVersion = 'B'

// FallbackSig is used in place of the sender address when none is known.
const FallbackSig = "@threadmail"

const (
	tagSize = 13
	sigSize = 5
)

// randAlphabet excludes the RFC 822 specials, the '-' section separator
// and '+'.
const randAlphabet = "abcdefghiklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_="

// Tag is the recipient and thread data packed into a token.
type Tag struct {
	UserID    uint32
	EntryID   uint32
	ThreadID  uint32
	UserClass byte
}

// Decoded is what Decode recovers from a Message-ID.
type Decoded struct {
	// Loopback reports whether Code is this installation's code.
	Loopback bool `yaml:"loopback"`
	// Version is zero for ids that are not ours.
	Version byte   `yaml:"-"`
	Code    string `yaml:"code,omitempty"`
	ID      string `yaml:"id,omitempty"`
	// Verified reports whether the tag signature checked out. Ids and
	// class below are only set when it did.
	Verified  bool   `yaml:"verified"`
	UID       uint32 `yaml:"uid,omitempty"`
	EntryID   uint32 `yaml:"entry_id,omitempty"`
	ThreadID  uint32 `yaml:"thread_id,omitempty"`
	StaffID   uint32 `yaml:"staff_id,omitempty"`
	UserID    uint32 `yaml:"user_id,omitempty"`
	UserClass byte   `yaml:"-"`
}

// Decoder verifies and unpacks the tag section of one token version. sig
// is the text following '@' in the id. It reports false when the tag is
// absent, malformed or unverifiable.
type Decoder func(c *Codec, id, tag, sig string) (Tag, bool)

// Codec encodes and decodes tokens for one installation.
type Codec struct {
	salt []byte
	code string
	rand io.Reader

	mu       sync.RWMutex
	decoders map[byte]Decoder
}

// New creates a codec keyed by the installation's secret salt, with the
// A and B decoders registered.
func New(secret string) *Codec {
	c := &Codec{
		salt: []byte(secret),
		rand: rand.Reader,
		decoders: map[byte]Decoder{
			'A': decodeA,
			'B': decodeB,
		},
	}
	c.code = systemCode(c.salt)
	return c
}

// Register adds or replaces the decoder for a version code.
func (c *Codec) Register(version byte, d Decoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[version] = d
}

// SystemCode returns the installation code embedded in every token.
func (c *Codec) SystemCode() string {
	return c.code
}

// Encode produces a new version B token for tag. sig is normally the
// sender address; an empty sig uses FallbackSig.
func (c *Codec) Encode(tag Tag, sig string) (string, error) {
	r, err := c.randCode(5)
	if err != nil {
		return "", fmt.Errorf("messageid: generate random code: %w", err)
	}
	if tag.UserClass == 0 {
		tag.UserClass = '?'
	}
	if sig == "" {
		sig = FallbackSig
	}

	packed := pack(tag)
	blob := append(packed, c.sign(packed, r)...)
	encoded := strings.ReplaceAll(base64.StdEncoding.EncodeToString(blob), "=", "")

	return fmt.Sprintf("%c%s-%s-%s-%s", CurrentVersion, c.code, r, encoded, sig), nil
}

// Decode parses a Message-ID, In-Reply-To or References token.
//
// Ids with fewer than two sections are not ours and yield a zero Decoded
// with Version 0. Ids whose version code has no decoder yield
// ErrUnknownVersion. A malformed or tampered tag degrades to the envelope
// fields with Verified false.
func (c *Codec) Decode(mid string) (*Decoded, error) {
	mid = strings.Trim(mid, "<> ")
	lhs, sig, _ := strings.Cut(mid, "@")
	parts := strings.Split(lhs, "-")

	rv := &Decoded{}
	if len(parts) < 2 {
		return rv, nil
	}
	if parts[0] == "" {
		return nil, ErrUnknownVersion
	}

	version := parts[0][0]
	c.mu.RLock()
	decode, ok := c.decoders[version]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownVersion
	}

	rv.Version = version
	rv.Code = parts[0][1:]
	rv.ID = parts[1]
	rv.Loopback = rv.Code == c.code

	var tag string
	if len(parts) > 2 {
		tag = parts[2]
	}
	info, ok := decode(c, rv.ID, tag, sig)
	if !ok {
		return rv, nil
	}

	rv.Verified = true
	rv.UID = info.UserID
	rv.EntryID = info.EntryID
	rv.ThreadID = info.ThreadID
	rv.UserClass = info.UserClass
	switch info.UserClass {
	case 'S':
		rv.StaffID = info.UserID
	case 'U', 'C':
		rv.UserID = info.UserID
	}
	return rv, nil
}

func (c *Codec) sign(packed []byte, r string) []byte {
	mac := hmac.New(sha1.New, c.salt)
	mac.Write(packed)
	mac.Write([]byte(r))
	mac.Write([]byte(c.code))
	sum := mac.Sum(nil)
	return sum[len(sum)-sigSize:]
}

func (c *Codec) randCode(n int) (string, error) {
	max := big.NewInt(int64(len(randAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(c.rand, max)
		if err != nil {
			return "", err
		}
		b[i] = randAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// systemCode is the first six characters of base64(md5("mail" + salt))
// with '+' replaced by '='.
func systemCode(salt []byte) string {
	sum := md5.Sum(append([]byte("mail"), salt...))
	enc := strings.ReplaceAll(base64.StdEncoding.EncodeToString(sum[:]), "+", "=")
	return enc[:6]
}

func pack(t Tag) []byte {
	b := make([]byte, tagSize)
	binary.LittleEndian.PutUint32(b[0:4], t.UserID)
	binary.LittleEndian.PutUint32(b[4:8], t.EntryID)
	binary.LittleEndian.PutUint32(b[8:12], t.ThreadID)
	b[12] = t.UserClass
	return b
}

// decodeBase64 accepts both padded and unpadded input.
func decodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
