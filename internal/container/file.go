package container

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/andresmejia3/veil/internal/failure"
)

// Extension is the file extension of encrypted deliverables.
const Extension = ".veil"

// ParseKey decodes a hex key and checks its length.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, failure.Wrap(failure.ErrConfig, "key", "not valid hex", err)
	}
	if !ValidKeyLength(len(key)) {
		return nil, failure.Wrap(failure.ErrConfig, "key", fmt.Sprintf("must decode to 16, 24 or 32 bytes, got %d", len(key)), nil)
	}
	return key, nil
}

// lockOutput takes the advisory lock guarding writes to path.
func lockOutput(ctx context.Context, path string) (*flock.Flock, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.ErrCancelled, "lock", path, ctx.Err())
		}
		return nil, failure.Wrap(failure.ErrIO, "lock", path, err)
	}
	if !ok {
		return nil, failure.Wrap(failure.ErrIO, "lock", fmt.Sprintf("%s is being written by another process", path), nil)
	}
	return lock, nil
}

func unlock(lock *flock.Flock) {
	_ = lock.Unlock()
	_ = os.Remove(lock.Path())
}

// commit writes through fn into a temporary sibling of path and renames it
// into place once fn succeeds.
func commit(ctx context.Context, path string, fn func(w io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure.Wrap(failure.ErrIO, "commit", "create output directory", err)
	}
	lock, err := lockOutput(ctx, path)
	if err != nil {
		return err
	}
	defer unlock(lock)

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return failure.Wrap(failure.ErrIO, "commit", "create temporary file", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriterSize(tmp, 64*1024)
	if err = fn(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return failure.Wrap(failure.ErrIO, "commit", "flush", err)
	}
	if err = tmp.Sync(); err != nil {
		return failure.Wrap(failure.ErrIO, "commit", "sync", err)
	}
	if err = tmp.Close(); err != nil {
		return failure.Wrap(failure.ErrIO, "commit", "close", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return failure.Wrap(failure.ErrIO, "commit", "rename into place", err)
	}
	return nil
}

// EncodeFile encrypts src into a container at dst.
func (c *Codec) EncodeFile(ctx context.Context, src, dst string, key []byte, meta *Metadata, progress func(float64)) error {
	in, err := os.Open(src)
	if err != nil {
		return failure.Wrap(failure.ErrInput, "encode", fmt.Sprintf("open %s", src), err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return failure.Wrap(failure.ErrInput, "encode", "stat source", err)
	}
	return commit(ctx, dst, func(w io.Writer) error {
		return c.Encode(ctx, w, bufio.NewReaderSize(in, 64*1024), info.Size(), key, meta, progress)
	})
}

// DecodeFile authenticates src and, only once the tag has verified, writes the
// plaintext to dst. A failed verification never creates dst.
func (c *Codec) DecodeFile(ctx context.Context, src, dst string, key []byte, progress StageFunc) (*Metadata, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, failure.Wrap(failure.ErrInput, "decode", fmt.Sprintf("read %s", src), err)
	}
	plaintext, meta, err := c.Decode(ctx, data, key, progress)
	if err != nil {
		return nil, err
	}
	defer wipe(plaintext)

	err = commit(ctx, dst, func(w io.Writer) error {
		for off := 0; off < len(plaintext); off += c.chunkSize {
			if err := ctx.Err(); err != nil {
				return failure.Wrap(failure.ErrCancelled, "decode", "", err)
			}
			end := min(off+c.chunkSize, len(plaintext))
			if _, err := w.Write(plaintext[off:end]); err != nil {
				return failure.Wrap(failure.ErrIO, "decode", "write plaintext", err)
			}
			if progress != nil {
				progress(StageWrite, float64(end)/float64(len(plaintext)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(StageWrite, 1)
	}
	return meta, nil
}

// Summary describes a container without decrypting it.
type Summary struct {
	Path        string
	Size        int64
	PayloadSize int64
	Metadata    *Metadata
}

// inspectWindow bounds how much of the file tail Inspect reads.
const inspectWindow = 1 << 20

// Inspect reads the trailing metadata of the container at path. No key is
// needed and nothing is verified; the result is for display only.
func Inspect(path string, tagLen int) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, failure.Wrap(failure.ErrInput, "inspect", fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Summary{}, failure.Wrap(failure.ErrInput, "inspect", "stat", err)
	}

	size := info.Size()
	start := max(0, size-inspectWindow)
	tail := make([]byte, size-start)
	if _, err := f.ReadAt(tail, start); err != nil && err != io.EOF {
		return Summary{}, failure.Wrap(failure.ErrIO, "inspect", "read tail", err)
	}

	s := Summary{Path: path, Size: size}
	if start == 0 {
		l, err := locate(tail, tagLen)
		if err != nil {
			return Summary{}, err
		}
		s.PayloadSize = int64(l.TagStart - NonceSize)
		s.Metadata = parseMetadata(tail, l)
		return s, nil
	}

	// Only the tail is in memory; the nonce sits before the window.
	l := Layout{TagEnd: len(tail), MetaStart: findMetadata(tail)}
	if l.MetaStart >= 0 {
		l.TagEnd = l.MetaStart
	}
	s.PayloadSize = start + int64(l.TagEnd) - int64(tagLen) - NonceSize
	s.Metadata = parseMetadata(tail, l)
	return s, nil
}
