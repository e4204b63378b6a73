// Package video runs the raw RGBA decode → edit → encode loop shared by the
// masking and watermark phases.
package video

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
)

// Info describes the first video stream of a file.
type Info struct {
	Width    int
	Height   int
	FPS      float64
	Frames   int
	Duration float64
}

// FrameFunc edits one decoded frame in place.
type FrameFunc func(index int, frame *image.RGBA) error

// ProgressFunc receives a fraction in [0,1].
type ProgressFunc func(fraction float64)

// frameBufferPool recycles raw frame buffers between the decoder and the editor.
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, 1920*1080*4) },
}

// Probe reads the stream geometry needed to transcode path. Any failure is an
// input error: the video cannot be opened.
func Probe(ctx context.Context, path string) (Info, error) {
	if _, err := os.Stat(path); err != nil {
		return Info{}, failure.Wrap(failure.ErrInput, "probe", fmt.Sprintf("open %s", path), err)
	}
	width, height, err := utils.GetVideoDimensions(ctx, path)
	if err != nil {
		return Info{}, failure.Wrap(failure.ErrInput, "probe", "read dimensions", err)
	}
	fps, err := utils.GetVideoFPS(ctx, path)
	if err != nil {
		return Info{}, failure.Wrap(failure.ErrInput, "probe", "read frame rate", err)
	}
	return Info{
		Width:    width,
		Height:   height,
		FPS:      fps,
		Frames:   utils.GetTotalFrames(ctx, path),
		Duration: utils.GetVideoDuration(ctx, path),
	}, nil
}

// Transcode decodes src, passes every frame through fn in order and encodes the
// result to dst. The output is written to a temporary sibling and renamed only
// after the encoder exits cleanly, so a failed or cancelled run never leaves a
// partial dst behind. Cancellation is checked between frames.
func Transcode(ctx context.Context, src, dst string, fn FrameFunc, progress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return failure.Wrap(failure.ErrCancelled, "transcode", "not started", err)
	}
	info, err := Probe(ctx, src)
	if err != nil {
		return err
	}
	return TranscodeWith(ctx, src, dst, info, fn, progress)
}

// TranscodeWith is Transcode with a pre-probed Info.
func TranscodeWith(ctx context.Context, src, dst string, info Info, fn FrameFunc, progress ProgressFunc) (err error) {
	if err := ctx.Err(); err != nil {
		return failure.Wrap(failure.ErrCancelled, "transcode", "not started", err)
	}
	// Child processes die with this context if we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srcAbs, _ := filepath.Abs(src)
	dstAbs, _ := filepath.Abs(dst)
	if srcAbs == dstAbs {
		return failure.Wrap(failure.ErrConfig, "transcode", "input and output paths must differ", nil)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return failure.Wrap(failure.ErrIO, "transcode", "create output directory", err)
	}

	tmp := dst + ".part"
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	decoder := utils.NewFFmpegRawDecoder(ctx, src)
	decoderOut, err := decoder.StdoutPipe()
	if err != nil {
		return failure.Wrap(failure.ErrIO, "transcode", "create decoder pipe", err)
	}
	if err := decoder.Start(); err != nil {
		return failure.Wrap(failure.ErrInput, "transcode", "start decoder", err)
	}

	encoder := utils.NewFFmpegEncoder(ctx, tmp, info.FPS, info.Width, info.Height)
	encoderIn, err := encoder.StdinPipe()
	if err != nil {
		cancel()
		_ = decoder.Wait()
		return failure.Wrap(failure.ErrIO, "transcode", "create encoder pipe", err)
	}
	if err := encoder.Start(); err != nil {
		cancel()
		_ = decoder.Wait()
		return failure.Wrap(failure.ErrIO, "transcode", "start encoder", err)
	}

	taskChan := make(chan types.FrameTask, 4)
	readErr := make(chan error, 1)
	frameSize := info.Width * info.Height * 4

	go func() {
		defer close(taskChan)
		idx := 0
		for {
			buf := frameBufferPool.Get().([]byte)
			if cap(buf) < frameSize {
				buf = make([]byte, frameSize)
			}
			buf = buf[:frameSize]

			if _, err := io.ReadFull(decoderOut, buf); err != nil {
				frameBufferPool.Put(buf[:0])
				if err != io.EOF {
					readErr <- err
				}
				return
			}
			select {
			case taskChan <- types.FrameTask{Index: idx, Data: buf}:
				idx++
			case <-ctx.Done():
				frameBufferPool.Put(buf[:0])
				return
			}
		}
	}()

	abort := func(cause error) error {
		cancel()
		for task := range taskChan {
			frameBufferPool.Put(task.Data[:0])
		}
		_ = encoderIn.Close()
		_ = encoder.Wait()
		_ = decoder.Wait()
		return cause
	}

	processed := 0
	for task := range taskChan {
		if ctx.Err() != nil {
			frameBufferPool.Put(task.Data[:0])
			return abort(failure.Wrap(failure.ErrCancelled, "transcode", fmt.Sprintf("stopped at frame %d", task.Index), ctx.Err()))
		}

		// Zero-Copy: Wrap the raw bytes in an image.RGBA struct
		frame := &image.RGBA{
			Pix:    task.Data,
			Stride: info.Width * 4,
			Rect:   image.Rect(0, 0, info.Width, info.Height),
		}
		if fn != nil {
			if err := fn(task.Index, frame); err != nil {
				frameBufferPool.Put(task.Data[:0])
				return abort(err)
			}
		}
		if _, err := encoderIn.Write(frame.Pix); err != nil {
			frameBufferPool.Put(task.Data[:0])
			if ctx.Err() != nil {
				return abort(failure.Wrap(failure.ErrCancelled, "transcode", fmt.Sprintf("stopped at frame %d", task.Index), ctx.Err()))
			}
			return abort(failure.Wrap(failure.ErrIO, "transcode", "write frame to encoder: "+encoder.StderrTail(512), err))
		}
		frameBufferPool.Put(task.Data[:0])

		processed++
		if progress != nil {
			progress(frameFraction(processed, info.Frames))
		}
	}

	if ctx.Err() != nil {
		return abort(failure.Wrap(failure.ErrCancelled, "transcode", "stopped", ctx.Err()))
	}
	select {
	case rerr := <-readErr:
		return abort(failure.Wrap(failure.ErrInput, "transcode", "read decoded frame", rerr))
	default:
	}

	_ = encoderIn.Close()
	if err := encoder.Wait(); err != nil {
		_ = decoder.Wait()
		return failure.Wrap(failure.ErrIO, "transcode", "encoder exited: "+encoder.StderrTail(512), err)
	}
	if err := decoder.Wait(); err != nil {
		return failure.Wrap(failure.ErrInput, "transcode", "decoder exited: "+decoder.StderrTail(512), err)
	}
	if processed == 0 {
		return failure.Wrap(failure.ErrInput, "transcode", fmt.Sprintf("no frames decoded from %s", src), nil)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return failure.Wrap(failure.ErrIO, "transcode", "commit output", err)
	}
	if progress != nil {
		progress(1.0)
	}
	return nil
}

// frameFraction reports per-frame progress, holding back the final step until
// the output has been committed.
func frameFraction(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(done) / float64(total)
	if f > 0.9999 {
		f = 0.9999
	}
	return f
}
