package container

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/andresmejia3/veil/internal/failure"
)

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func newCodec(t testing.TB, s Strategy, tagLen, chunk int) *Codec {
	t.Helper()
	c, err := NewCodec(NewGCM(s), tagLen, chunk)
	require.NoError(t, err)
	return c
}

func encode(t testing.TB, c *Codec, payload, key []byte, meta *Metadata) []byte {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, c.Encode(context.Background(), &out, bytes.NewReader(payload), int64(len(payload)), key, meta, nil))
	return out.Bytes()
}

func TestValidTagLength(t *testing.T) {
	for n := 0; n <= 17; n++ {
		want := n == 4 || n == 8 || (n >= 12 && n <= 16)
		if got := ValidTagLength(n); got != want {
			t.Errorf("ValidTagLength(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestStrategyByName(t *testing.T) {
	for _, name := range []string{"table", "bitwise", "TABLE"} {
		s, err := StrategyByName(name)
		require.NoError(t, err)
		assert.Contains(t, []string{"table", "bitwise"}, s.Name())
	}
	auto, err := StrategyByName("auto")
	require.NoError(t, err)
	assert.Equal(t, SelectStrategy().Name(), auto.Name())
	empty, err := StrategyByName("")
	require.NoError(t, err)
	assert.Equal(t, "bitwise", empty.Name())

	_, err = StrategyByName("simd9000")
	assert.Error(t, err)
	assert.Equal(t, []string{"bitwise", "table"}, StrategyNames())
}

func TestDefaultStrategyIsConstantTime(t *testing.T) {
	assert.Equal(t, "bitwise", SelectStrategy().Name())
	assert.True(t, SelectStrategy().ConstantTime())

	tbl, err := StrategyByName("table")
	require.NoError(t, err)
	assert.False(t, tbl.ConstantTime())
}

func TestStrategiesAgree(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var h, y [16]byte
		copy(h[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "h"))
		copy(y[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "y"))
		a, b := y, y
		bitwise{}.NewMultiplier(h).Mul(&a)
		table{}.NewMultiplier(h).Mul(&b)
		if a != b {
			t.Fatalf("bitwise %x != table %x", a, b)
		}
	})
}

func TestEngineMatchesStandardGCM(t *testing.T) {
	for _, s := range []Strategy{bitwise{}, table{}} {
		for _, keyLen := range []int{16, 24, 32} {
			for _, size := range []int{0, 1, 15, 16, 17, 100, 4097} {
				key := randomBytes(t, keyLen)
				nonce := randomBytes(t, NonceSize)
				plaintext := randomBytes(t, size)

				block, err := aes.NewCipher(key)
				require.NoError(t, err)
				gcm, err := cipher.NewGCM(block)
				require.NoError(t, err)
				want := gcm.Seal(nil, nonce, plaintext, nil)

				eng, err := NewGCM(s)(key)
				require.NoError(t, err)
				require.NoError(t, eng.SetIV(nonce))
				var got []byte
				// Odd chunking must not change the output.
				for off := 0; off < size; off += 7 {
					got = append(got, eng.Encrypt(plaintext[off:min(off+7, size)])...)
				}
				tag, err := eng.Finalize(16)
				require.NoError(t, err)
				got = append(got, tag...)

				assert.Equal(t, want, got, "%s key=%d size=%d", s.Name(), keyLen, size)
			}
		}
	}
}

func TestEngineWithAAD(t *testing.T) {
	key := randomBytes(t, 16)
	nonce := randomBytes(t, NonceSize)
	aad := []byte("header bytes")
	plaintext := randomBytes(t, 50)

	block, _ := aes.NewCipher(key)
	gcm, _ := cipher.NewGCM(block)
	want := gcm.Seal(nil, nonce, plaintext, aad)

	eng, err := NewGCM(table{})(key)
	require.NoError(t, err)
	require.NoError(t, eng.SetIV(nonce))
	require.NoError(t, eng.SetAAD(aad))
	got := eng.Encrypt(plaintext)
	tag, err := eng.Finalize(16)
	require.NoError(t, err)
	assert.Equal(t, want, append(got, tag...))
}

func TestBlockGCMUsesInjectedCipher(t *testing.T) {
	// A stand-in block cipher: AES under the byte-reversed key.
	reversed := func(key []byte) (cipher.Block, error) {
		r := bytes.Clone(key)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return aes.NewCipher(r)
	}
	key := []byte("0123456789abcdef")
	nonce := randomBytes(t, NonceSize)
	plaintext := randomBytes(t, 100)

	block, err := reversed(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	want := gcm.Seal(nil, nonce, plaintext, nil)

	eng, err := NewBlockGCM(reversed, bitwise{})(key)
	require.NoError(t, err)
	require.NoError(t, eng.SetIV(nonce))
	got := eng.Encrypt(plaintext)
	tag, err := eng.Finalize(16)
	require.NoError(t, err)
	assert.Equal(t, want, append(got, tag...))

	c, err := NewCodec(NewBlockGCM(reversed, bitwise{}), DefaultTagLength, DefaultChunkSize)
	require.NoError(t, err)
	sealed := encode(t, c, plaintext, key, nil)
	opened, _, err := c.Decode(context.Background(), sealed, key, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	// The AES codec cannot open it.
	_, _, err = newCodec(t, bitwise{}, DefaultTagLength, DefaultChunkSize).Decode(context.Background(), sealed, key, nil)
	assert.ErrorIs(t, err, failure.ErrAuthentication)
}

func TestBlockGCMRejectsNarrowBlocks(t *testing.T) {
	_, err := NewBlockGCM(des.NewTripleDESCipher, bitwise{})(make([]byte, 24))
	assert.ErrorIs(t, err, failure.ErrConfig)
}

func TestEngineRejectsBadKeyAndNonce(t *testing.T) {
	_, err := NewGCM(bitwise{})(make([]byte, 20))
	assert.ErrorIs(t, err, failure.ErrConfig)

	eng, err := NewGCM(bitwise{})(make([]byte, 16))
	require.NoError(t, err)
	assert.ErrorIs(t, eng.SetIV(make([]byte, 16)), failure.ErrConfig)
	require.NoError(t, eng.SetIV(make([]byte, NonceSize)))
	_, err = eng.Finalize(5)
	assert.ErrorIs(t, err, failure.ErrConfig)
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 4095, 4096, 4097, 1_000_000}
	for _, keyLen := range []int{16, 24, 32} {
		key := randomBytes(t, keyLen)
		c := newCodec(t, SelectStrategy(), DefaultTagLength, DefaultChunkSize)
		for _, size := range sizes {
			payload := randomBytes(t, size)
			data := encode(t, c, payload, key, nil)
			assert.Len(t, data, NonceSize+size+DefaultTagLength)

			got, meta, err := c.Decode(context.Background(), data, key, nil)
			require.NoError(t, err, "key=%d size=%d", keyLen, size)
			assert.Nil(t, meta)
			assert.True(t, bytes.Equal(payload, got), "key=%d size=%d", keyLen, size)
		}
	}
}

func TestRoundTripWithMetadataAndTruncatedTags(t *testing.T) {
	key := randomBytes(t, 32)
	meta := &Metadata{PlayDate: "2026-11-16", PlayCount: 99}
	for _, tagLen := range []int{4, 8, 12, 13, 14, 15, 16} {
		c := newCodec(t, bitwise{}, tagLen, 1000)
		payload := randomBytes(t, 3333)
		data := encode(t, c, payload, key, meta)

		got, gotMeta, err := c.Decode(context.Background(), data, key, nil)
		require.NoError(t, err, "tag=%d", tagLen)
		assert.Equal(t, payload, got)
		assert.Equal(t, meta, gotMeta)
	}
}

func TestChunkSizeDoesNotAffectPlaintext(t *testing.T) {
	key := randomBytes(t, 16)
	payload := randomBytes(t, 10_000)
	data := encode(t, newCodec(t, table{}, 16, 4096), payload, key, nil)
	for _, chunk := range []int{1, 7, 16, 4096, 20_000} {
		got, _, err := newCodec(t, bitwise{}, 16, chunk).Decode(context.Background(), data, key, nil)
		require.NoError(t, err, "chunk=%d", chunk)
		assert.Equal(t, payload, got)
	}
}

func TestTamperDetection(t *testing.T) {
	key := randomBytes(t, 16)
	c := newCodec(t, SelectStrategy(), 16, 64)
	payload := randomBytes(t, 300)
	data := encode(t, c, payload, key, &Metadata{PlayCount: 3})
	l, err := locate(data, 16)
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		pos := rapid.IntRange(NonceSize, l.TagEnd-1).Draw(rt, "pos")
		flip := rapid.ByteRange(1, 255).Draw(rt, "flip")
		tampered := append([]byte(nil), data...)
		tampered[pos] ^= flip

		got, _, err := c.Decode(context.Background(), tampered, key, nil)
		if !failureIs(err, failure.ErrAuthentication) {
			rt.Fatalf("byte %d flipped: err = %v", pos, err)
		}
		if got != nil {
			rt.Fatalf("plaintext returned after tamper")
		}
	})
}

func failureIs(err, marker error) bool {
	return err != nil && failure.Marker(err) == marker
}

func TestWrongKeyFails(t *testing.T) {
	key := randomBytes(t, 24)
	other := append([]byte(nil), key...)
	other[0] ^= 0x01
	c := newCodec(t, table{}, 16, 4096)
	data := encode(t, c, []byte("sensitive footage"), key, nil)

	got, _, err := c.Decode(context.Background(), data, other, nil)
	assert.ErrorIs(t, err, failure.ErrAuthentication)
	assert.Nil(t, got)
}

func TestDecodeRejectsShortInput(t *testing.T) {
	c := newCodec(t, bitwise{}, 16, 4096)
	_, _, err := c.Decode(context.Background(), make([]byte, 20), make([]byte, 16), nil)
	assert.ErrorIs(t, err, failure.ErrInput)
}

func TestLocateIgnoresMarkerInsidePayload(t *testing.T) {
	key := randomBytes(t, 16)
	c := newCodec(t, bitwise{}, 16, 4096)
	payload := []byte("prefix META\x00\x00\x00\x01 suffix")
	data := encode(t, c, payload, key, nil)
	// Forge a marker lookalike in the ciphertext region; it must not be
	// mistaken for a metadata block.
	copy(data[NonceSize:], []byte("META"))
	l, err := locate(data, 16)
	require.NoError(t, err)
	assert.Equal(t, -1, l.MetaStart)
	assert.Equal(t, len(data), l.TagEnd)
}

func TestLocateFindsMetadataContainingMarker(t *testing.T) {
	payload := []byte(`{"note":"META"}`)
	data := append(make([]byte, NonceSize+16), metaMarker...)
	data = binary.BigEndian.AppendUint32(data, uint32(len(payload)))
	data = append(data, payload...)
	l, err := locate(data, 16)
	require.NoError(t, err)
	assert.Equal(t, NonceSize+16, l.MetaStart)
	assert.Equal(t, NonceSize, l.TagStart)
}

func TestDecodeReportsStages(t *testing.T) {
	key := randomBytes(t, 16)
	c := newCodec(t, bitwise{}, 16, 100)
	data := encode(t, c, randomBytes(t, 1000), key, nil)

	last := map[Stage]float64{}
	_, _, err := c.Decode(context.Background(), data, key, func(s Stage, f float64) {
		assert.GreaterOrEqual(t, f, last[s])
		last[s] = f
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, last[StageDecrypt])
	assert.Equal(t, 1.0, last[StageVerify])
}

func TestEncodeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newCodec(t, bitwise{}, 16, 16)
	err := c.Encode(ctx, &bytes.Buffer{}, bytes.NewReader(make([]byte, 100)), 100, make([]byte, 16), nil, nil)
	assert.True(t, failure.Cancelled(err))
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey(hex.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	assert.Len(t, key, 32)

	for _, bad := range []string{"zz", hex.EncodeToString(make([]byte, 10)), ""} {
		_, err := ParseKey(bad)
		assert.ErrorIs(t, err, failure.ErrConfig, "key %q", bad)
	}
}

func TestFileRoundTripAndInspect(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "clip_masked.mp4")
	payload := randomBytes(t, 50_000)
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	key := randomBytes(t, 16)
	c := newCodec(t, SelectStrategy(), 16, 4096)
	enc := filepath.Join(dir, "out", "clip"+Extension)
	meta := &Metadata{PlayDate: "2026-11-16", PlayCount: 99}

	var fractions []float64
	require.NoError(t, c.EncodeFile(context.Background(), src, enc, key, meta, func(f float64) { fractions = append(fractions, f) }))
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
	_, err := os.Stat(enc + ".lock")
	assert.True(t, os.IsNotExist(err), "lock file should be removed")

	summary, err := Inspect(enc, 16)
	require.NoError(t, err)
	assert.Equal(t, meta, summary.Metadata)
	assert.Equal(t, int64(len(payload)), summary.PayloadSize)

	dec := filepath.Join(dir, "restored.mp4")
	gotMeta, err := c.DecodeFile(context.Background(), enc, dec, key, nil)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
	restored, err := os.ReadFile(dec)
	require.NoError(t, err)
	assert.Equal(t, payload, restored)
}

func TestInspectLargeFileReadsTailOnly(t *testing.T) {
	dir := t.TempDir()
	key := randomBytes(t, 16)
	c := newCodec(t, table{}, 16, 64*1024)
	payload := make([]byte, inspectWindow+12345)
	enc := filepath.Join(dir, "big"+Extension)

	require.NoError(t, c.EncodeFile(context.Background(), writeTemp(t, dir, payload), enc, key, &Metadata{PlayCount: 7}, nil))
	summary, err := Inspect(enc, 16)
	require.NoError(t, err)
	require.NotNil(t, summary.Metadata)
	assert.Equal(t, 7, summary.Metadata.PlayCount)
	assert.Equal(t, int64(len(payload)), summary.PayloadSize)
}

func TestDecodeFileFailureCreatesNoOutput(t *testing.T) {
	dir := t.TempDir()
	key := randomBytes(t, 16)
	c := newCodec(t, bitwise{}, 16, 4096)
	data := encode(t, c, randomBytes(t, 2000), key, nil)
	data[NonceSize+10] ^= 0xff
	enc := filepath.Join(dir, "bad"+Extension)
	require.NoError(t, os.WriteFile(enc, data, 0o644))

	dec := filepath.Join(dir, "restored.mp4")
	_, err := c.DecodeFile(context.Background(), enc, dec, key, nil)
	assert.ErrorIs(t, err, failure.ErrAuthentication)
	_, statErr := os.Stat(dec)
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary or lock files left behind")
}

func writeTemp(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
