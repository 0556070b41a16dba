// Package router builds the HTTP-facing binding described by the worker
// pool supervisor's request router: it turns an *http.Request into a
// codec.RequestEnvelope, dispatches it to the pool whose uri_match wins,
// and writes the pool's response back onto the wire.
package router

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/gorilla/mux"
	pkgerrors "github.com/pkg/errors"

	"github.com/sadewadee/wpsuper/internal/codec"
	"github.com/sadewadee/wpsuper/internal/config"
	"github.com/sadewadee/wpsuper/internal/manager"
	"github.com/sadewadee/wpsuper/internal/pool"
	"github.com/sadewadee/wpsuper/internal/proxy"
)

// Router binds every configured pool to an HTTP route and forwards matched
// requests to the pool manager.
type Router struct {
	mgr    *manager.Manager
	logger *slog.Logger
	mux    *mux.Router
	routes map[string]*routeInfo // pool name -> acl/uri metadata
}

type routeInfo struct {
	acl []*net.IPNet
}

// New builds a Router from the pool manager and its resolved configs. Each
// pool's uri_match is registered as a gorilla/mux route; a uri_match wrapped
// in "~" (e.g. "~^/api/v[0-9]+/~") is instead compiled as a regexp.Regexp
// and matched with mux.Router.MatcherFunc.
func New(mgr *manager.Manager, cfgs map[string]*config.PoolConfig, logger *slog.Logger) (*Router, error) {
	r := &Router{
		mgr:    mgr,
		logger: logger,
		mux:    mux.NewRouter(),
		routes: make(map[string]*routeInfo, len(cfgs)),
	}

	for name, cfg := range cfgs {
		info := &routeInfo{}
		for _, cidr := range cfg.ACL {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				ip := net.ParseIP(cidr)
				if ip == nil {
					return nil, pkgerrors.Wrapf(err, "router: pool %q: invalid acl entry %q", name, cidr)
				}
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				ipnet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
			}
			info.acl = append(info.acl, ipnet)
		}
		r.routes[name] = info

		name := name // capture for handlerFor closure
		if strings.HasPrefix(cfg.URIMatch, "~") && strings.HasSuffix(cfg.URIMatch, "~") && len(cfg.URIMatch) > 1 {
			re, err := regexp.Compile(cfg.URIMatch[1 : len(cfg.URIMatch)-1])
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "router: pool %q: invalid uri_match regexp", name)
			}
			r.mux.MatcherFunc(func(req *http.Request, rm *mux.RouteMatch) bool {
				return re.MatchString(req.URL.Path)
			}).Handler(r.handlerFor(name))
			continue
		}
		r.mux.PathPrefix(cfg.URIMatch).Handler(r.handlerFor(name))
	}

	return r, nil
}

// ServeHTTP implements http.Handler by delegating to the matched pool route.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handlerFor(poolName string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.serve(poolName, w, req)
	}
}

func (r *Router) serve(poolName string, w http.ResponseWriter, req *http.Request) {
	info, ok := r.routes[poolName]
	if !ok {
		http.NotFound(w, req)
		return
	}

	clientIP := clientIP(req)
	if !aclAllows(info.acl, clientIP) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	p, ok := r.mgr.Pool(poolName)
	if !ok {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	env, body, err := buildEnvelope(req, r.mgr.NextID(poolName), clientIP)
	if err != nil {
		r.logger.Error("building request envelope", "pool", poolName, "err", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	done := make(chan struct{})
	var resp *proxy.Response
	var dispatchErr error
	err = p.Dispatch(env, body, nil, func(pr *proxy.Response, e error) {
		resp, dispatchErr = pr, e
		close(done)
	})
	if err != nil {
		r.writeDispatchError(w, poolName, err)
		return
	}

	<-done
	if dispatchErr != nil {
		r.writeDispatchError(w, poolName, dispatchErr)
		return
	}

	writeResponse(w, resp)
}

func (r *Router) writeDispatchError(w http.ResponseWriter, poolName string, err error) {
	switch {
	case errors.Is(err, pool.ErrCapExceeded):
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	case errors.Is(err, pool.ErrNoWorkerAvailable):
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
	case proxy.IsRequestTimeout(err):
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
	default:
		r.logger.Error("dispatch failed", "pool", poolName, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func writeResponse(w http.ResponseWriter, resp *proxy.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	if resp.BodyReader != nil {
		defer resp.BodyReader.Close()
		io.Copy(w, resp.BodyReader)
		return
	}
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// buildEnvelope reads the request body and multipart file metadata (never
// file contents) into a codec.RequestEnvelope ready for dispatch.
func buildEnvelope(req *http.Request, id, clientIP string) (*codec.RequestEnvelope, []byte, error) {
	headers := make(map[string]string, len(req.Header))
	for k, v := range req.Header {
		headers[k] = strings.Join(v, ", ")
	}

	query := make(map[string]string, len(req.URL.Query()))
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	cookies := make(map[string]string)
	for _, c := range req.Cookies() {
		cookies[c.Name] = c.Value
	}

	var files []codec.FileUpload
	var body []byte
	var err error

	if strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/form-data") {
		files, err = spoolMultipart(req)
	} else if req.Body != nil {
		body, err = io.ReadAll(req.Body)
	}
	if err != nil {
		return nil, nil, err
	}

	env := &codec.RequestEnvelope{
		ID:          id,
		IP:          clientIP,
		IPs:         forwardedChain(req, clientIP),
		Method:      req.Method,
		Headers:     headers,
		HTTPVersion: req.Proto,
		URI:         req.URL.Path,
		URL:         req.URL.String(),
		Query:       query,
		Cookies:     cookies,
		Files:       files,
	}
	return env, body, nil
}

// spoolMultipart saves uploaded file parts to a temp directory and returns
// their metadata; only the spool path crosses the frame boundary.
func spoolMultipart(req *http.Request) ([]codec.FileUpload, error) {
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		return nil, err
	}
	var files []codec.FileUpload
	for _, headers := range req.MultipartForm.File {
		for _, fh := range headers {
			up, err := spoolOne(fh)
			if err != nil {
				return nil, err
			}
			files = append(files, up)
		}
	}
	return files, nil
}

func spoolOne(fh *multipart.FileHeader) (codec.FileUpload, error) {
	src, err := fh.Open()
	if err != nil {
		return codec.FileUpload{}, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "wpsuper-upload-*")
	if err != nil {
		return codec.FileUpload{}, err
	}
	defer tmp.Close()

	n, err := io.Copy(tmp, src)
	if err != nil {
		return codec.FileUpload{}, err
	}

	return codec.FileUpload{
		Name: fh.Filename,
		Size: n,
		Type: fh.Header.Get("Content-Type"),
		Path: tmp.Name(),
	}, nil
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func forwardedChain(req *http.Request, clientIP string) []string {
	xff := req.Header.Get("X-Forwarded-For")
	if xff == "" {
		return []string{clientIP}
	}
	parts := strings.Split(xff, ",")
	chain := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		chain = append(chain, strings.TrimSpace(p))
	}
	return append(chain, clientIP)
}

func aclAllows(acl []*net.IPNet, clientIP string) bool {
	if len(acl) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, n := range acl {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
