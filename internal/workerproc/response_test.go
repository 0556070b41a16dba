package workerproc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sadewadee/wpsuper/internal/codec"
)

func TestShapeResultError(t *testing.T) {
	s := shapeResult(ErrorResult(errString2("boom")), nil, "", CompressionConfig{})
	require.Equal(t, 500, s.status)
	require.Equal(t, codec.BodyString, s.typ)
	require.Equal(t, "boom", string(s.body))
}

type errString2 string

func (e errString2) Error() string { return string(e) }

func TestShapeResultJSONPlain(t *testing.T) {
	s := shapeResult(JSONResult(map[string]int{"a": 1}), map[string]string{}, "", CompressionConfig{})
	require.Equal(t, 200, s.status)
	require.Equal(t, "application/json", s.headers["Content-Type"])
	require.JSONEq(t, `{"a":1}`, string(s.body))
}

func TestShapeResultJSONCallback(t *testing.T) {
	s := shapeResult(JSONResult(map[string]int{"a": 1}), map[string]string{"callback": "cb"}, "", CompressionConfig{})
	require.Equal(t, "text/javascript", s.headers["Content-Type"])
	require.Contains(t, string(s.body), "cb(")
}

func TestShapeResultRawBufferType(t *testing.T) {
	s := shapeResult(RawResult(200, nil, []byte{0x00, 0x01, 0x02}), nil, "", CompressionConfig{})
	require.Equal(t, codec.BodyBuffer, s.typ)
}

func TestCompressionAppliesGzipWhenAccepted(t *testing.T) {
	body := []byte("hello world, this is compressible text content, padded to exceed no minimum")
	res := RawResult(200, map[string]string{"Content-Type": "text/plain"}, body)
	comp := CompressionConfig{Enabled: true}

	s := shapeResult(res, nil, "gzip, deflate", comp)
	require.Equal(t, "gzip", s.headers["Content-Encoding"])
	require.Equal(t, codec.BodyBuffer, s.typ)
	require.NotEqual(t, body, s.body)
}

func TestCompressionSkippedWhenNotAccepted(t *testing.T) {
	body := []byte("hello world")
	res := RawResult(200, map[string]string{"Content-Type": "text/plain"}, body)
	comp := CompressionConfig{Enabled: true}

	s := shapeResult(res, nil, "", comp)
	require.Empty(t, s.headers["Content-Encoding"])
	require.Equal(t, body, s.body)
}

func TestCompressionPrefersBrotliWhenConfigured(t *testing.T) {
	body := []byte("hello world, this is compressible text content, padded to exceed no minimum")
	res := RawResult(200, map[string]string{"Content-Type": "text/plain"}, body)
	comp := CompressionConfig{Enabled: true, PreferBrotli: true}

	s := shapeResult(res, nil, "br, gzip", comp)
	require.Equal(t, "br", s.headers["Content-Encoding"])
}
