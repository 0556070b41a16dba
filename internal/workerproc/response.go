package workerproc

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/sadewadee/wpsuper/internal/codec"
)

// CompressionConfig controls the worker's optional response compression,
// applied only to string-typed 200 responses whose content type matches
// TypeRegex and whose caller advertises a supported encoding.
type CompressionConfig struct {
	Enabled    bool
	TypeRegex  *regexp.Regexp // nil means the default: text/*, application/json, application/javascript, application/xml
	PreferBrotli bool
}

func (c CompressionConfig) matchesType(contentType string) bool {
	re := c.TypeRegex
	if re == nil {
		re = defaultCompressibleType
	}
	return re.MatchString(contentType)
}

var defaultCompressibleType = regexp.MustCompile(`^(text/|application/json|application/javascript|application/xml)`)

var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

// shaped is the fully-typed response about to be framed and written.
type shaped struct {
	status  int
	typ     string
	headers map[string]string
	body    []byte
}

// shapeResult applies the body typing rules to a handler Result, given the
// request's query params (for pretty/callback JSONP handling) and
// Accept-Encoding header, then optionally compresses it.
func shapeResult(res Result, query map[string]string, acceptEncoding string, comp CompressionConfig) *shaped {
	switch res.Kind {
	case ResultError:
		return &shaped{status: 500, typ: codec.BodyString, body: []byte(errString(res.Err))}

	case ResultCustom:
		return &shaped{status: 200, typ: codec.BodyPassthrough, body: res.Body}

	case ResultJSON:
		s := shapeJSON(res.Value, query)
		applyCompression(s, acceptEncoding, comp)
		return s

	case ResultRaw:
		s := &shaped{status: res.Status, headers: res.Headers, body: res.Body}
		if s.status == 0 {
			s.status = 200
		}
		s.typ = bodyTypeOf(res.Body)
		applyCompression(s, acceptEncoding, comp)
		return s

	default:
		return &shaped{status: 500, typ: codec.BodyString, body: []byte("workerproc: unhandled result kind")}
	}
}

func errString(err error) string {
	if err == nil {
		return "workerproc: unknown error"
	}
	return err.Error()
}

// bodyTypeOf applies the "binary blob -> buffer, else string" half of the
// body typing rules for raw results; JSON and passthrough are typed by
// their own code paths.
func bodyTypeOf(body []byte) string {
	if len(body) > 0 && !isLikelyText(body) {
		return codec.BodyBuffer
	}
	return codec.BodyString
}

func isLikelyText(b []byte) bool {
	n := len(b)
	if n > 512 {
		n = 512
	}
	for _, c := range b[:n] {
		if c == 0 {
			return false
		}
	}
	return true
}

func shapeJSON(v any, query map[string]string) *shaped {
	var data []byte
	var err error
	if _, pretty := query["pretty"]; pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return &shaped{status: 500, typ: codec.BodyString, body: []byte(fmt.Sprintf("workerproc: json marshal: %v", err))}
	}

	s := &shaped{status: 200, typ: codec.BodyString, headers: map[string]string{"Content-Type": "application/json"}}
	if cb, ok := query["callback"]; ok && cb != "" {
		s.body = []byte(cb + "(" + string(data) + ");")
		s.headers["Content-Type"] = "text/javascript"
	} else {
		s.body = data
	}
	return s
}

// applyCompression implements the worker's optional response compression:
// only 200, string-typed, non-empty, no preset Content-Encoding, matching
// content type, and a supported Accept-Encoding. Preference order:
// brotli (only when PreferBrotli is set) -> gzip -> deflate.
func applyCompression(s *shaped, acceptEncoding string, comp CompressionConfig) {
	if !comp.Enabled || s.status != 200 || s.typ != codec.BodyString || len(s.body) == 0 {
		return
	}
	if s.headers != nil && s.headers["Content-Encoding"] != "" {
		return
	}
	contentType := ""
	if s.headers != nil {
		contentType = s.headers["Content-Type"]
	}
	if !comp.matchesType(contentType) {
		return
	}

	encoding, compressed, err := compressBody(s.body, acceptEncoding, comp.PreferBrotli)
	if err != nil {
		s.status = 500
		s.typ = codec.BodyString
		s.body = []byte(fmt.Sprintf("workerproc: compression failed: %v", err))
		return
	}
	if encoding == "" {
		return
	}
	if s.headers == nil {
		s.headers = map[string]string{}
	}
	s.headers["Content-Encoding"] = encoding
	s.typ = codec.BodyBuffer
	s.body = compressed
}

func compressBody(body []byte, acceptEncoding string, preferBrotli bool) (string, []byte, error) {
	accepts := strings.ToLower(acceptEncoding)

	tryBrotli := preferBrotli && strings.Contains(accepts, "br")
	tryGzip := strings.Contains(accepts, "gzip")
	tryDeflate := strings.Contains(accepts, "deflate")

	switch {
	case tryBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return "", nil, err
		}
		if err := w.Close(); err != nil {
			return "", nil, err
		}
		return "br", buf.Bytes(), nil

	case tryGzip:
		var buf bytes.Buffer
		gw := gzipWriterPool.Get().(*gzip.Writer)
		gw.Reset(&buf)
		if _, err := gw.Write(body); err != nil {
			gzipWriterPool.Put(gw)
			return "", nil, err
		}
		if err := gw.Close(); err != nil {
			gzipWriterPool.Put(gw)
			return "", nil, err
		}
		gzipWriterPool.Put(gw)
		return "gzip", buf.Bytes(), nil

	case tryDeflate:
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return "", nil, err
		}
		if _, err := fw.Write(body); err != nil {
			return "", nil, err
		}
		if err := fw.Close(); err != nil {
			return "", nil, err
		}
		return "deflate", buf.Bytes(), nil
	}

	return "", nil, nil
}
