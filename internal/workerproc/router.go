package workerproc

import (
	"net/url"
	"regexp"
	"strings"
)

// route is one URI-matched child-side handler, tried in registration order
// before falling back to the generic handler.
type route struct {
	literal string
	re      *regexp.Regexp
	handler Handler
}

// Mux dispatches a request to the first matching registered route, falling
// back to a generic handler for everything else. Registration order is
// preserved; the first match wins. Patterns are a literal prefix or a
// ~regexp~; gorilla/mux path templates are not interpreted here.
type Mux struct {
	routes  []route
	generic Handler
}

// NewMux constructs an empty dispatcher. SetGeneric must be called before
// Dispatch is used for anything not matched by a registered route.
func NewMux() *Mux {
	return &Mux{}
}

// SetGeneric installs the fallback handler used when no route matches.
func (m *Mux) SetGeneric(h Handler) {
	m.generic = h
}

// Handle registers h for pattern. A pattern wrapped in "~...~" is compiled
// as a regular expression; anything else is matched as a literal prefix.
func (m *Mux) Handle(pattern string, h Handler) error {
	if strings.HasPrefix(pattern, "~") && strings.HasSuffix(pattern, "~") && len(pattern) > 1 {
		re, err := regexp.Compile(pattern[1 : len(pattern)-1])
		if err != nil {
			return err
		}
		m.routes = append(m.routes, route{re: re, handler: h})
		return nil
	}
	m.routes = append(m.routes, route{literal: pattern, handler: h})
	return nil
}

// Dispatch finds the handler for req.URI, falling back to the generic
// handler when nothing matches.
func (m *Mux) Dispatch(req *Request) Result {
	path := req.URI
	if u, err := url.Parse(req.URI); err == nil {
		path = u.Path
	}
	for _, r := range m.routes {
		if r.re != nil {
			if r.re.MatchString(path) {
				return r.handler.ServeRequest(req)
			}
			continue
		}
		if strings.HasPrefix(path, r.literal) {
			return r.handler.ServeRequest(req)
		}
	}
	if m.generic != nil {
		return m.generic.ServeRequest(req)
	}
	return ErrorResult(errNoHandler)
}

var errNoHandler = &noHandlerError{}

type noHandlerError struct{}

func (*noHandlerError) Error() string { return "workerproc: no handler registered for request" }
