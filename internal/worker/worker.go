package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils" // Using the SafeCommand wrapper
)

// maxMessage bounds a single frame read from the detector.
const maxMessage = 64 << 20

// Process is a running detector with a length-prefixed request channel on
// stdin and a response channel on FD 3.
type Process struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// Start launches argv with a side-channel pipe on FD 3.
func Start(ctx context.Context, argv []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty detector command")
	}
	cmd := utils.NewSafeCommand(ctx, argv[0], argv[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	cmd.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("detector failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Process{Cmd: cmd, Stdin: stdin, DataPipe: r}, nil
}

// Send writes v as one [uint32 length][JSON] frame.
func (p *Process) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := binary.Write(p.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = p.Stdin.Write(data)
	return err
}

// Receive reads the next frame from the data pipe.
func (p *Process) Receive() (types.WorkerMessage, error) {
	var msg types.WorkerMessage
	header := make([]byte, 4)
	if _, err := io.ReadFull(p.DataPipe, header); err != nil {
		return msg, err // a crashed detector surfaces here as EOF
	}

	n := binary.BigEndian.Uint32(header)
	if n > maxMessage {
		return msg, fmt.Errorf("detector message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(p.DataPipe, body); err != nil {
		return msg, err
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("decode detector message: %w", err)
	}
	return msg, nil
}

// Close releases the pipes and reaps the process.
func (p *Process) Close() error {
	if p.Stdin != nil {
		p.Stdin.Close()
	}
	if p.DataPipe != nil {
		p.DataPipe.Close()
	}
	if p.Cmd == nil {
		return nil
	}
	return p.Cmd.Wait()
}
