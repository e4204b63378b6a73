package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/veil/internal/detectlog"
	"github.com/andresmejia3/veil/internal/failure"
	"github.com/andresmejia3/veil/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func frame(t *testing.T, w io.Writer, msg types.WorkerMessage) {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, binary.Write(w, binary.BigEndian, uint32(len(body))))
	_, err = w.Write(body)
	require.NoError(t, err)
}

func TestProcessProtocol(t *testing.T) {
	// stdinMock simulates the pipe TO the detector (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// dataPipeMock simulates the pipe FROM the detector (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	frame(t, dataPipeMock, types.WorkerMessage{Type: "progress", Progress: 0.25})
	frame(t, dataPipeMock, types.WorkerMessage{Type: "done", Width: 64, Height: 48})

	// Cmd is nil because we aren't testing process management, just the protocol
	p := &Process{Stdin: stdinMock, DataPipe: dataPipeMock}

	req := types.DetectRequest{Video: "/v/clip.mp4", Threshold: 0.3}
	require.NoError(t, p.Send(req))

	sent := stdinMock.Bytes()
	require.GreaterOrEqual(t, len(sent), 4)
	n := binary.BigEndian.Uint32(sent[:4])
	assert.Equal(t, int(n), len(sent)-4)
	var decoded types.DetectRequest
	require.NoError(t, json.Unmarshal(sent[4:], &decoded))
	assert.Equal(t, req, decoded)

	msg, err := p.Receive()
	require.NoError(t, err)
	assert.Equal(t, "progress", msg.Type)
	assert.Equal(t, 0.25, msg.Progress)

	msg, err = p.Receive()
	require.NoError(t, err)
	assert.Equal(t, "done", msg.Type)
	assert.Equal(t, 64, msg.Width)

	_, err = p.Receive()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, p.Close())
}

func TestProcessRejectsOversizedFrame(t *testing.T) {
	data := &MockCloser{Buffer: new(bytes.Buffer)}
	require.NoError(t, binary.Write(data, binary.BigEndian, uint32(maxMessage+1)))
	p := &Process{DataPipe: data}
	_, err := p.Receive()
	assert.Error(t, err)
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	_, err := Start(context.Background(), nil)
	assert.Error(t, err)
}

// scriptConn replays canned detector messages.
type scriptConn struct {
	sent     []any
	messages []types.WorkerMessage
	closed   bool
}

func (c *scriptConn) Send(v any) error {
	c.sent = append(c.sent, v)
	return nil
}

func (c *scriptConn) Receive() (types.WorkerMessage, error) {
	if len(c.messages) == 0 {
		return types.WorkerMessage{}, io.EOF
	}
	m := c.messages[0]
	c.messages = c.messages[1:]
	return m, nil
}

func (c *scriptConn) Close() error {
	c.closed = true
	return nil
}

func newScriptedDetector(conn *scriptConn) *Detector {
	d := NewDetector(Options{Command: []string{"detector"}, Threshold: 0.4, Classes: []int{0}}, nil)
	d.start = func(context.Context, []string) (Conn, *Process, error) {
		return conn, nil, nil
	}
	return d
}

func TestDetectWritesStructuredLog(t *testing.T) {
	video := filepath.Join(t.TempDir(), "clip.mp4")
	conn := &scriptConn{messages: []types.WorkerMessage{
		{Type: "progress", Progress: 0.3},
		{Type: "detections", Frame: 1, Detections: []types.Detection{
			{TrackID: "7", BBox: []float64{10, 10, 20, 30}, Score: 0.9},
			{TrackID: "bad", BBox: []float64{1, 2}},
		}},
		{Type: "progress", Progress: 0.2},
		{Type: "detections", Frame: 2, Detections: []types.Detection{
			{TrackID: "7", BBox: []float64{12, 10, 22, 30}, Score: 0.8},
		}},
		{Type: "heartbeat"},
		{Type: "done", Width: 64, Height: 48, FPS: 25, Frames: 3},
	}}
	d := newScriptedDetector(conn)

	var progress []float64
	path, err := d.Detect(context.Background(), video, func(f float64) { progress = append(progress, f) })
	require.NoError(t, err)
	assert.Equal(t, detectlog.StructuredPath(video), path)
	assert.True(t, conn.closed)
	assert.Equal(t, []float64{0.3, 1}, progress)

	require.Len(t, conn.sent, 1)
	req := conn.sent[0].(types.DetectRequest)
	assert.Equal(t, video, req.Video)
	assert.Equal(t, 0.4, req.Threshold)

	log, err := detectlog.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, log.Index.Len())
	recs := log.Index.Frame(2)
	require.Len(t, recs, 1)
	assert.Equal(t, "7", recs[0].TrackID)
	x0, _, x1, _ := recs[0].Geometry.Rect()
	assert.Equal(t, 12.0, x0)
	assert.Equal(t, 22.0, x1)
}

func TestDetectReportsDetectorError(t *testing.T) {
	video := filepath.Join(t.TempDir(), "clip.mp4")
	conn := &scriptConn{messages: []types.WorkerMessage{{Type: "error", Error: "cannot open video"}}}
	_, err := newScriptedDetector(conn).Detect(context.Background(), video, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrInput))
	assert.Contains(t, err.Error(), "cannot open video")
	_, statErr := os.Stat(detectlog.StructuredPath(video))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDetectReportsEarlyExit(t *testing.T) {
	conn := &scriptConn{messages: []types.WorkerMessage{{Type: "progress", Progress: 0.5}}}
	_, err := newScriptedDetector(conn).Detect(context.Background(), filepath.Join(t.TempDir(), "a.mp4"), nil)
	assert.ErrorIs(t, err, failure.ErrIO)
}

func TestDetectHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn := &scriptConn{}
	_, err := newScriptedDetector(conn).Detect(ctx, "/v/a.mp4", nil)
	assert.True(t, failure.Cancelled(err))
	assert.Empty(t, conn.sent)
}
