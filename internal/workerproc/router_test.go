package workerproc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	tag string
}

func (s stubHandler) ServeRequest(req *Request) Result {
	return RawResult(200, map[string]string{"X-Handler": s.tag}, nil)
}

func TestMuxDispatchesLiteralPrefixInOrder(t *testing.T) {
	mux := NewMux()
	require.NoError(t, mux.Handle("/api/", stubHandler{tag: "api"}))
	require.NoError(t, mux.Handle("/api/v2/", stubHandler{tag: "v2"}))
	mux.SetGeneric(stubHandler{tag: "generic"})

	res := mux.Dispatch(&Request{URI: "/api/v2/widgets"})
	require.Equal(t, "api", res.Headers["X-Handler"]) // first registered match wins
}

func TestMuxDispatchesRegexpPattern(t *testing.T) {
	mux := NewMux()
	require.NoError(t, mux.Handle("~^/healthz$~", stubHandler{tag: "health"}))
	mux.SetGeneric(stubHandler{tag: "generic"})

	res := mux.Dispatch(&Request{URI: "/healthz"})
	require.Equal(t, "health", res.Headers["X-Handler"])
}

func TestMuxFallsBackToGeneric(t *testing.T) {
	mux := NewMux()
	require.NoError(t, mux.Handle("/api/", stubHandler{tag: "api"}))
	mux.SetGeneric(stubHandler{tag: "generic"})

	res := mux.Dispatch(&Request{URI: "/other"})
	require.Equal(t, "generic", res.Headers["X-Handler"])
}

func TestMuxNoGenericReturnsError(t *testing.T) {
	mux := NewMux()
	res := mux.Dispatch(&Request{URI: "/anything"})
	require.Equal(t, ResultError, res.Kind)
}
