package container

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sys/cpu"
)

// fieldElement is a GF(2^128) element in GCM bit order: the most significant bit
// of hi is the coefficient of x^0.
type fieldElement struct {
	hi, lo uint64
}

func loadElement(b *[16]byte) fieldElement {
	return fieldElement{
		hi: binary.BigEndian.Uint64(b[:8]),
		lo: binary.BigEndian.Uint64(b[8:]),
	}
}

func storeElement(b *[16]byte, e fieldElement) {
	binary.BigEndian.PutUint64(b[:8], e.hi)
	binary.BigEndian.PutUint64(b[8:], e.lo)
}

// mulX multiplies v by x, reducing by x^128 + x^7 + x^2 + x + 1.
func mulX(v fieldElement) fieldElement {
	mask := -(v.lo & 1)
	v.lo = v.lo>>1 | v.hi<<63
	v.hi >>= 1
	v.hi ^= 0xe100000000000000 & mask
	return v
}

// Multiplier multiplies a GHASH accumulator by the hash key in place.
type Multiplier interface {
	Mul(y *[16]byte)
}

// Strategy builds Multipliers. Implementations must agree bit for bit; they
// differ in speed, memory and whether their timing depends on secret data.
type Strategy interface {
	Name() string
	// ConstantTime reports whether Mul runs without secret-dependent memory
	// access or branches.
	ConstantTime() bool
	NewMultiplier(h [16]byte) Multiplier
}

// bitwise is the shift-and-add multiplication from NIST SP 800-38D.
type bitwise struct{}

func (bitwise) Name() string { return "bitwise" }

func (bitwise) ConstantTime() bool { return true }

func (bitwise) NewMultiplier(h [16]byte) Multiplier {
	return &bitwiseMultiplier{h: loadElement(&h)}
}

type bitwiseMultiplier struct {
	h fieldElement
}

func (m *bitwiseMultiplier) Mul(y *[16]byte) {
	x := loadElement(y)
	var z fieldElement
	v := m.h
	for i := 0; i < 128; i++ {
		var bit uint64
		if i < 64 {
			bit = (x.hi >> (63 - i)) & 1
		} else {
			bit = (x.lo >> (127 - i)) & 1
		}
		mask := -bit
		z.hi ^= v.hi & mask
		z.lo ^= v.lo & mask
		v = mulX(v)
	}
	storeElement(y, z)
}

// table precomputes H times every byte value at every byte position, so one
// multiplication is sixteen lookups. The lookups are indexed by the
// accumulator, which depends on the key and plaintext, so cache timing can
// leak it. It is only used when asked for by name.
type table struct{}

func (table) Name() string { return "table" }

func (table) ConstantTime() bool { return false }

func (table) NewMultiplier(h [16]byte) Multiplier {
	var basis [128]fieldElement
	basis[0] = loadElement(&h)
	for k := 1; k < 128; k++ {
		basis[k] = mulX(basis[k-1])
	}

	m := &tableMultiplier{}
	for i := 0; i < 16; i++ {
		for b := 0; b < 256; b++ {
			var e fieldElement
			for j := 0; j < 8; j++ {
				if b&(0x80>>j) != 0 {
					e.hi ^= basis[8*i+j].hi
					e.lo ^= basis[8*i+j].lo
				}
			}
			m.t[i][b] = e
		}
	}
	return m
}

type tableMultiplier struct {
	t [16][256]fieldElement
}

func (m *tableMultiplier) Mul(y *[16]byte) {
	var z fieldElement
	for i := 0; i < 16; i++ {
		e := m.t[i][y[i]]
		z.hi ^= e.hi
		z.lo ^= e.lo
	}
	storeElement(y, z)
}

var strategies = map[string]Strategy{
	"bitwise": bitwise{},
	"table":   table{},
}

// SelectStrategy returns the default GHASH variant. Only constant-time
// strategies are eligible; the faster table variant must be configured
// explicitly.
func SelectStrategy() Strategy {
	return bitwise{}
}

// HardwareAES reports whether crypto/aes runs on AES instructions here.
// Without them the block cipher falls back to a software implementation
// that is not constant-time either.
func HardwareAES() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	}
	return false
}

// StrategyByName resolves a configured strategy. "auto" and "" defer to
// SelectStrategy.
func StrategyByName(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "auto" {
		return SelectStrategy(), nil
	}
	if s, ok := strategies[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown cipher strategy %q (want auto, %s)", name, strings.Join(StrategyNames(), ", "))
}

// StrategyNames lists the selectable strategies.
func StrategyNames() []string {
	names := make([]string, 0, len(strategies))
	for n := range strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
