// Package tsid generates 64-bit time-sorted identifiers encoded as
// 13-character Crockford Base32 strings. The router uses them for
// batch IDs, so IDs created later sort lexicographically after IDs
// created earlier.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// Layout: 42 bits of milliseconds since the epoch below, then a 22-bit
// sequence. The sequence is seeded randomly each millisecond and
// incremented for IDs generated within the same millisecond, so IDs
// stay ordered even at sub-millisecond rates.
const (
	epochMillis = 1577836800000 // 2020-01-01T00:00:00Z

	sequenceBits = 22
	sequenceMask = (1 << sequenceBits) - 1

	encodedLen = 13

	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// ErrInvalid is returned when parsing a string that is not a valid
// encoded identifier.
var ErrInvalid = errors.New("tsid: invalid identifier")

var decodeTable = buildDecodeTable()

func buildDecodeTable() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		t[c] = int8(i)
		if c >= 'A' && c <= 'Z' {
			t[c+'a'-'A'] = int8(i)
		}
	}
	// Crockford aliases for commonly confused characters.
	for _, c := range []byte{'o', 'O'} {
		t[c] = 0
	}
	for _, c := range []byte{'i', 'I', 'l', 'L'} {
		t[c] = 1
	}
	return t
}

// Generator produces identifiers. The zero value is not usable; call
// New.
type Generator struct {
	mu         sync.Mutex
	lastMillis int64
	sequence   uint32
}

// New creates a Generator.
func New() *Generator {
	return &Generator{lastMillis: -1}
}

var defaultGenerator = New()

// Generate returns a new identifier from the package-level generator.
func Generate() string {
	return defaultGenerator.Generate()
}

// Generate returns a new identifier.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := time.Now().UnixMilli() - epochMillis
	if millis == g.lastMillis {
		g.sequence = (g.sequence + 1) & sequenceMask
	} else {
		g.lastMillis = millis
		g.sequence = randomSequence()
	}

	id := uint64(millis)<<sequenceBits | uint64(g.sequence)
	return Format(int64(id))
}

// randomSequence returns a random 22-bit seed with the top bit clear,
// leaving headroom for ~2M increments within one millisecond before
// the sequence wraps.
func randomSequence() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:]) & (sequenceMask >> 1)
}

// Format encodes a 64-bit identifier as a 13-character Crockford
// Base32 string.
func Format(id int64) string {
	v := uint64(id)
	var out [encodedLen]byte
	for i := encodedLen - 1; i >= 0; i-- {
		out[i] = alphabet[v&0x1F]
		v >>= 5
	}
	return string(out[:])
}

// Parse decodes a 13-character Crockford Base32 string into the 64-bit
// identifier it encodes. Lowercase input and the usual Crockford
// aliases (O for 0, I and L for 1) are accepted.
func Parse(s string) (int64, error) {
	if len(s) != encodedLen {
		return 0, ErrInvalid
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		d := decodeTable[s[i]]
		if d < 0 {
			return 0, ErrInvalid
		}
		v = v<<5 | uint64(d)
	}
	// 13 characters carry 65 bits; the leading character must fit in
	// the 4 bits left for it.
	if decodeTable[s[0]] > 0x0F {
		return 0, ErrInvalid
	}
	return int64(v), nil
}

// Time extracts the creation time of an encoded identifier.
func Time(s string) (time.Time, error) {
	id, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	millis := int64(uint64(id)>>sequenceBits) + epochMillis
	return time.UnixMilli(millis), nil
}
