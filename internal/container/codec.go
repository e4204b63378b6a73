// Package container encodes and decodes the encrypted deliverable format:
//
//	[12-byte nonce][ciphertext][tag][optional "META"][uint32 BE length][JSON]
//
// The trailing metadata block is outside the authenticated region. It is
// informational only and must never drive a security decision.
package container

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andresmejia3/veil/internal/failure"
)

// metaMarker introduces the trailing metadata block.
var metaMarker = []byte("META")

// DefaultChunkSize is the streaming chunk size unless configured.
const DefaultChunkSize = 4096

// Metadata is the unauthenticated usage-rights block.
type Metadata struct {
	PlayDate  string `json:"play_date,omitempty"`
	PlayCount int    `json:"play_count"`
}

// Stage names a step of decoding for progress reporting.
type Stage string

const (
	StageDecrypt Stage = "decrypt"
	StageVerify  Stage = "verify"
	StageWrite   Stage = "write"
)

// StageFunc receives the fraction in [0,1] completed within a stage.
type StageFunc func(stage Stage, fraction float64)

// Codec streams payloads through an Engine. The engine choice is fixed when
// the codec is built.
type Codec struct {
	newEngine EngineFactory
	tagLen    int
	chunkSize int
	random    io.Reader
}

// NewCodec builds a codec. A non-positive chunkSize selects DefaultChunkSize.
func NewCodec(newEngine EngineFactory, tagLen, chunkSize int) (*Codec, error) {
	if !ValidTagLength(tagLen) {
		return nil, failure.Wrap(failure.ErrConfig, "container", fmt.Sprintf("invalid tag length %d", tagLen), nil)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Codec{newEngine: newEngine, tagLen: tagLen, chunkSize: chunkSize, random: rand.Reader}, nil
}

// TagLength returns the configured tag length.
func (c *Codec) TagLength() int { return c.tagLen }

// Encode reads src to EOF and writes a container to dst. size is the expected
// payload length for progress reporting; pass 0 when unknown. A fresh nonce is
// drawn for every call. meta may be nil.
func (c *Codec) Encode(ctx context.Context, dst io.Writer, src io.Reader, size int64, key []byte, meta *Metadata, progress func(float64)) error {
	eng, err := c.newEngine(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return failure.Wrap(failure.ErrIO, "encode", "generate nonce", err)
	}
	if err := eng.SetIV(nonce); err != nil {
		return err
	}
	if err := eng.SetAAD(nil); err != nil {
		return failure.Wrap(failure.ErrConfig, "encode", "set associated data", err)
	}
	if _, err := dst.Write(nonce); err != nil {
		return failure.Wrap(failure.ErrIO, "encode", "write nonce", err)
	}

	buf := make([]byte, c.chunkSize)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return failure.Wrap(failure.ErrCancelled, "encode", "", err)
		}
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if _, err := dst.Write(eng.Encrypt(buf[:n])); err != nil {
				return failure.Wrap(failure.ErrIO, "encode", "write ciphertext", err)
			}
			done += int64(n)
			if progress != nil && size > 0 {
				progress(min(1, float64(done)/float64(size)))
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return failure.Wrap(failure.ErrIO, "encode", "read payload", rerr)
		}
	}

	tag, err := eng.Finalize(c.tagLen)
	if err != nil {
		return err
	}
	if _, err := dst.Write(tag); err != nil {
		return failure.Wrap(failure.ErrIO, "encode", "write tag", err)
	}
	if meta != nil {
		block, err := encodeMetadata(meta)
		if err != nil {
			return err
		}
		if _, err := dst.Write(block); err != nil {
			return failure.Wrap(failure.ErrIO, "encode", "write metadata", err)
		}
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

func encodeMetadata(meta *Metadata) ([]byte, error) {
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, failure.Wrap(failure.ErrIO, "encode", "marshal metadata", err)
	}
	block := make([]byte, 0, len(metaMarker)+4+len(payload))
	block = append(block, metaMarker...)
	block = binary.BigEndian.AppendUint32(block, uint32(len(payload)))
	return append(block, payload...), nil
}

// Layout locates the parts of a container.
type Layout struct {
	TagStart  int
	TagEnd    int
	MetaStart int // -1 without a metadata block
}

// findMetadata scans backwards for a marker whose length field accounts
// exactly for the rest of data and returns its offset, or -1.
func findMetadata(data []byte) int {
	end := len(data)
	for end > 0 {
		idx := bytes.LastIndex(data[:end], metaMarker)
		if idx < 0 {
			return -1
		}
		if idx+8 <= len(data) {
			metaLen := int(binary.BigEndian.Uint32(data[idx+4 : idx+8]))
			if idx+8+metaLen == len(data) {
				return idx
			}
		}
		end = idx + len(metaMarker) - 1
	}
	return -1
}

// locate places the tag immediately before the metadata block, or at the very
// end of data without one.
func locate(data []byte, tagLen int) (Layout, error) {
	l := Layout{TagEnd: len(data), MetaStart: findMetadata(data)}
	if l.MetaStart >= 0 {
		l.TagEnd = l.MetaStart
	}
	l.TagStart = l.TagEnd - tagLen
	if l.TagStart < NonceSize {
		return Layout{}, failure.Wrap(failure.ErrInput, "decode", fmt.Sprintf("container of %d bytes is too short", len(data)), nil)
	}
	return l, nil
}

// ReadMetadata returns the unauthenticated metadata block of data, or nil.
func ReadMetadata(data []byte, tagLen int) (*Metadata, error) {
	l, err := locate(data, tagLen)
	if err != nil {
		return nil, err
	}
	return parseMetadata(data, l), nil
}

func parseMetadata(data []byte, l Layout) *Metadata {
	if l.MetaStart < 0 {
		return nil
	}
	var m Metadata
	if err := json.Unmarshal(data[l.MetaStart+8:], &m); err != nil {
		return nil
	}
	return &m
}

// Decode authenticates and decrypts a container held in memory. The plaintext
// is returned only after the tag has been verified; on any failure it is
// wiped and nil is returned.
func (c *Codec) Decode(ctx context.Context, data, key []byte, progress StageFunc) ([]byte, *Metadata, error) {
	report := func(s Stage, f float64) {
		if progress != nil {
			progress(s, f)
		}
	}
	l, err := locate(data, c.tagLen)
	if err != nil {
		return nil, nil, err
	}
	nonce := data[:NonceSize]
	ciphertext := data[NonceSize:l.TagStart]
	tag := data[l.TagStart:l.TagEnd]

	dec, err := c.newEngine(key)
	if err != nil {
		return nil, nil, err
	}
	if err := dec.SetIV(nonce); err != nil {
		return nil, nil, err
	}
	if err := dec.SetAAD(nil); err != nil {
		return nil, nil, failure.Wrap(failure.ErrConfig, "decode", "set associated data", err)
	}

	plaintext := make([]byte, 0, len(ciphertext))
	for off := 0; off < len(ciphertext); off += c.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, failure.Wrap(failure.ErrCancelled, "decode", "", err)
		}
		end := min(off+c.chunkSize, len(ciphertext))
		plaintext = append(plaintext, dec.Decrypt(ciphertext[off:end])...)
		report(StageDecrypt, float64(end)/float64(len(ciphertext)))
	}
	report(StageDecrypt, 1)

	ok, err := c.verify(ctx, key, nonce, plaintext, tag, func(f float64) { report(StageVerify, f) })
	if err != nil || !ok {
		wipe(plaintext)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, failure.Wrap(failure.ErrAuthentication, "decode", "authentication tag mismatch", nil)
	}
	report(StageVerify, 1)
	return plaintext, parseMetadata(data, l), nil
}

// verify re-encrypts plaintext with an independent engine and compares the
// regenerated tag against the stored one.
func (c *Codec) verify(ctx context.Context, key, nonce, plaintext, tag []byte, progress func(float64)) (bool, error) {
	eng, err := c.newEngine(key)
	if err != nil {
		return false, err
	}
	if err := eng.SetIV(nonce); err != nil {
		return false, err
	}
	if err := eng.SetAAD(nil); err != nil {
		return false, failure.Wrap(failure.ErrConfig, "verify", "set associated data", err)
	}
	for off := 0; off < len(plaintext); off += c.chunkSize {
		if err := ctx.Err(); err != nil {
			return false, failure.Wrap(failure.ErrCancelled, "verify", "", err)
		}
		end := min(off+c.chunkSize, len(plaintext))
		eng.Encrypt(plaintext[off:end])
		progress(float64(end) / float64(len(plaintext)))
	}
	expected, err := eng.Finalize(len(tag))
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(expected, tag) == 1, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
