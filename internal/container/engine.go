package container

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/andresmejia3/veil/internal/failure"
)

const (
	// NonceSize is the only nonce length the container uses.
	NonceSize = 12
	// DefaultTagLength is the authentication tag length unless configured.
	DefaultTagLength = 16
)

// ValidTagLength reports whether n is an accepted tag length.
func ValidTagLength(n int) bool {
	switch n {
	case 4, 8, 12, 13, 14, 15, 16:
		return true
	}
	return false
}

// ValidKeyLength reports whether n selects AES-128, AES-192 or AES-256.
func ValidKeyLength(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// Engine is a streaming authenticated cipher. SetIV starts a new message;
// SetAAD, if used, must come before the first Encrypt or Decrypt. Encrypt and
// Decrypt may be called with chunks of any size.
type Engine interface {
	SetIV(nonce []byte) error
	SetAAD(aad []byte) error
	Encrypt(chunk []byte) []byte
	Decrypt(chunk []byte) []byte
	Finalize(tagLen int) ([]byte, error)
}

// EngineFactory builds a fresh Engine for key.
type EngineFactory func(key []byte) (Engine, error)

// BlockFunc builds a 128-bit block cipher for key. aes.NewCipher is one;
// any cipher.Block constructor with the same shape, such as LEA, plugs in.
type BlockFunc func(key []byte) (cipher.Block, error)

// NewGCM returns a factory for AES-GCM engines whose GHASH is computed with s.
func NewGCM(s Strategy) EngineFactory {
	return NewBlockGCM(aes.NewCipher, s)
}

// NewBlockGCM returns a factory for GCM engines over the block cipher built
// by newBlock.
func NewBlockGCM(newBlock BlockFunc, s Strategy) EngineFactory {
	return func(key []byte) (Engine, error) {
		if !ValidKeyLength(len(key)) {
			return nil, failure.Wrap(failure.ErrConfig, "cipher", fmt.Sprintf("key must be 16, 24 or 32 bytes, got %d", len(key)), nil)
		}
		block, err := newBlock(key)
		if err != nil {
			return nil, failure.Wrap(failure.ErrConfig, "cipher", "init block cipher", err)
		}
		if block.BlockSize() != 16 {
			return nil, failure.Wrap(failure.ErrConfig, "cipher", fmt.Sprintf("GCM needs a 16-byte block cipher, got %d", block.BlockSize()), nil)
		}
		var h [16]byte
		block.Encrypt(h[:], h[:])
		return &gcmEngine{block: block, mul: s.NewMultiplier(h)}, nil
	}
}

var errNoIV = errors.New("SetIV must be called first")

// gcmEngine runs GCM incrementally: CTR keystream with a 32-bit counter and a
// GHASH over AAD and ciphertext fed as it streams past.
type gcmEngine struct {
	block cipher.Block
	mul   Multiplier

	j0      [16]byte
	counter [16]byte
	stream  [16]byte
	used    int

	y       [16]byte
	partial [16]byte
	plen    int

	aadLen uint64
	ctLen  uint64
	ready  bool
}

func (g *gcmEngine) SetIV(nonce []byte) error {
	if len(nonce) != NonceSize {
		return failure.Wrap(failure.ErrConfig, "cipher", fmt.Sprintf("nonce must be %d bytes, got %d", NonceSize, len(nonce)), nil)
	}
	*g = gcmEngine{block: g.block, mul: g.mul}
	copy(g.j0[:], nonce)
	g.j0[15] = 1
	g.counter = g.j0
	inc32(&g.counter)
	g.used = 16
	g.ready = true
	return nil
}

func (g *gcmEngine) SetAAD(aad []byte) error {
	if !g.ready {
		return errNoIV
	}
	if g.ctLen > 0 || g.aadLen > 0 {
		return errors.New("associated data must be set once, before any payload")
	}
	g.absorb(aad)
	g.flush()
	g.aadLen = uint64(len(aad))
	return nil
}

func (g *gcmEngine) Encrypt(chunk []byte) []byte {
	out := make([]byte, len(chunk))
	g.xorKeyStream(out, chunk)
	g.absorb(out)
	g.ctLen += uint64(len(chunk))
	return out
}

func (g *gcmEngine) Decrypt(chunk []byte) []byte {
	g.absorb(chunk)
	g.ctLen += uint64(len(chunk))
	out := make([]byte, len(chunk))
	g.xorKeyStream(out, chunk)
	return out
}

func (g *gcmEngine) Finalize(tagLen int) ([]byte, error) {
	if !g.ready {
		return nil, errNoIV
	}
	if !ValidTagLength(tagLen) {
		return nil, failure.Wrap(failure.ErrConfig, "cipher", fmt.Sprintf("invalid tag length %d", tagLen), nil)
	}
	g.flush()

	var lengths [16]byte
	binary.BigEndian.PutUint64(lengths[:8], g.aadLen*8)
	binary.BigEndian.PutUint64(lengths[8:], g.ctLen*8)
	xorBlock(&g.y, &lengths)
	g.mul.Mul(&g.y)

	var tag [16]byte
	g.block.Encrypt(tag[:], g.j0[:])
	xorBlock(&tag, &g.y)
	g.ready = false
	return tag[:tagLen], nil
}

func (g *gcmEngine) xorKeyStream(dst, src []byte) {
	for i := range src {
		if g.used == 16 {
			g.block.Encrypt(g.stream[:], g.counter[:])
			inc32(&g.counter)
			g.used = 0
		}
		dst[i] = src[i] ^ g.stream[g.used]
		g.used++
	}
}

// absorb feeds data into GHASH, buffering any trailing partial block.
func (g *gcmEngine) absorb(data []byte) {
	for len(data) > 0 {
		n := copy(g.partial[g.plen:], data)
		g.plen += n
		data = data[n:]
		if g.plen == 16 {
			xorBlock(&g.y, &g.partial)
			g.mul.Mul(&g.y)
			g.plen = 0
		}
	}
}

// flush zero-pads and absorbs a pending partial block.
func (g *gcmEngine) flush() {
	if g.plen == 0 {
		return
	}
	for i := g.plen; i < 16; i++ {
		g.partial[i] = 0
	}
	xorBlock(&g.y, &g.partial)
	g.mul.Mul(&g.y)
	g.plen = 0
}

func xorBlock(dst, src *[16]byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// inc32 increments the low 32 bits of a counter block, wrapping.
func inc32(b *[16]byte) {
	binary.BigEndian.PutUint32(b[12:], binary.BigEndian.Uint32(b[12:])+1)
}
