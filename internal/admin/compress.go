package admin

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
)

// compressMinSize is the smallest body worth paying gzip overhead for.
// Health checks stay under it; the status table, the error ledger dump and
// the metrics page usually cross it.
const compressMinSize = 1024

var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

// CompressionMiddleware gzip-compresses eligible admin responses. Every
// admin handler (status, errors, metrics, health) writes its full body in
// one ServeHTTP call rather than streaming, so the response is buffered in
// full and the compress/no-compress decision is made once, instead of the
// partial-write threshold detection a handler of unknown, possibly
// streamed size would need. WebSocket upgrade requests (the event stream)
// are passed through unbuffered, since the upgrade hijacks the connection
// and the buffered writer does not support that.
func CompressionMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") ||
				strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}

			bw := &bufferedResponseWriter{header: make(http.Header)}
			next.ServeHTTP(bw, r)
			bw.flush(w)
		})
	}
}

// bufferedResponseWriter collects a handler's headers and body without
// writing anything to the underlying connection until flush, so the
// compression decision can see the final body size and content type.
type bufferedResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (bw *bufferedResponseWriter) Header() http.Header { return bw.header }

func (bw *bufferedResponseWriter) WriteHeader(code int) {
	if bw.status == 0 {
		bw.status = code
	}
}

func (bw *bufferedResponseWriter) Write(b []byte) (int, error) {
	return bw.body.Write(b)
}

func (bw *bufferedResponseWriter) flush(w http.ResponseWriter) {
	if bw.status == 0 {
		bw.status = http.StatusOK
	}
	dst := w.Header()
	for k, v := range bw.header {
		dst[k] = v
	}

	if !bw.shouldCompress() {
		w.WriteHeader(bw.status)
		w.Write(bw.body.Bytes())
		return
	}

	dst.Set("Content-Encoding", "gzip")
	dst.Set("Vary", "Accept-Encoding")
	dst.Del("Content-Length")
	w.WriteHeader(bw.status)

	gz := gzipWriterPool.Get().(*gzip.Writer)
	gz.Reset(w)
	gz.Write(bw.body.Bytes())
	gz.Close()
	gzipWriterPool.Put(gz)
}

func (bw *bufferedResponseWriter) shouldCompress() bool {
	if bw.body.Len() < compressMinSize {
		return false
	}
	if bw.header.Get("Content-Encoding") != "" {
		return false
	}
	ct := strings.ToLower(bw.header.Get("Content-Type"))
	return strings.HasPrefix(ct, "text/") || strings.Contains(ct, "application/json")
}
