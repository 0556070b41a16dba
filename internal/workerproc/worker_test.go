package workerproc

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sadewadee/wpsuper/internal/codec"
)

type echoTestHandler struct{}

func (echoTestHandler) ServeRequest(req *Request) Result {
	return RawResult(200, map[string]string{"Content-Type": "text/plain"}, req.Body)
}

func newTestWorker(t *testing.T) (*Worker, io.Writer, io.Reader) {
	t.Helper()
	parentOut, workerIn := io.Pipe()
	workerOut, parentIn := io.Pipe()

	mux := NewMux()
	mux.SetGeneric(echoTestHandler{})
	w := New(mux, CompressionConfig{})
	w.in = workerIn
	w.out = workerOut

	go w.Run()

	return w, parentOut, parentIn
}

func TestWorkerRespondsToStartupAndRequest(t *testing.T) {
	_, toWorker, fromWorker := newTestWorker(t)

	startupFrame, err := codec.EncodeStartup(codec.ServerInfo{Hostname: "h"}, nil)
	require.NoError(t, err)
	require.NoError(t, codec.WriteFrame(toWorker, startupFrame))

	ack, err := codec.ReadFrame(fromWorker)
	require.NoError(t, err)
	require.Equal(t, codec.CmdStartupComplete, ack.Cmd)

	reqFrame, err := codec.EncodeRequest(&codec.RequestEnvelope{ID: "r1", URI: "/hi", Headers: map[string]string{}, Query: map[string]string{}}, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, codec.WriteFrame(toWorker, reqFrame))

	respFrame, err := codec.ReadFrame(fromWorker)
	require.NoError(t, err)
	require.Equal(t, codec.CmdResponse, respFrame.Cmd)

	resp, body, err := codec.DecodeResponse(respFrame)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "hello", string(body))
}

func TestWorkerHandlesShutdown(t *testing.T) {
	_, toWorker, fromWorker := newTestWorker(t)

	startupFrame, _ := codec.EncodeStartup(codec.ServerInfo{}, nil)
	require.NoError(t, codec.WriteFrame(toWorker, startupFrame))
	_, err := codec.ReadFrame(fromWorker)
	require.NoError(t, err)

	require.NoError(t, codec.WriteFrame(toWorker, codec.NewShutdownFrame()))

	time.Sleep(20 * time.Millisecond) // give Run's goroutine time to return
}
