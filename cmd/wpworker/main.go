// Command wpworker is the child binary spawned once per pool member. It
// loads a user handler from a Go plugin (.so) selected by --module, wires
// it into the framed command loop, and blocks serving requests until the
// parent sends a shutdown frame or dies.
package main

import (
	"fmt"
	"os"
	"plugin"

	"github.com/projectdiscovery/goflags"

	"github.com/sadewadee/wpsuper/internal/workerproc"
)

// HandlerSymbol is the exported symbol a plugin module must provide: a
// workerproc.Handler value (or a func() workerproc.Handler constructor).
const HandlerSymbol = "Handler"

func main() {
	var modulePath string
	var compress bool
	var preferBrotli bool

	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription("wpworker serves framed requests dispatched by wpsupervisor.")
	flagSet.StringVarP(&modulePath, "module", "m", "", "path to a compiled handler plugin (.so)")
	flagSet.BoolVarP(&compress, "compress", "z", false, "enable response compression")
	flagSet.BoolVarP(&preferBrotli, "brotli", "b", false, "prefer brotli over gzip when both are accepted")

	if err := flagSet.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	handler, err := loadHandler(modulePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wpworker: %v\n", err)
		os.Exit(1)
	}

	mux := workerproc.NewMux()
	mux.SetGeneric(handler)

	w := workerproc.New(mux, workerproc.CompressionConfig{Enabled: compress, PreferBrotli: preferBrotli})
	if err := w.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "wpworker: %v\n", err)
		os.Exit(1)
	}
}

// loadHandler opens a compiled Go plugin and resolves its exported
// Handler symbol. An empty modulePath falls back to a trivial echo
// handler, useful for smoke-testing a pool config without a real module.
func loadHandler(modulePath string) (workerproc.Handler, error) {
	if modulePath == "" {
		return echoHandler{}, nil
	}

	p, err := plugin.Open(modulePath)
	if err != nil {
		return nil, fmt.Errorf("opening module %q: %w", modulePath, err)
	}
	sym, err := p.Lookup(HandlerSymbol)
	if err != nil {
		return nil, fmt.Errorf("module %q missing %s symbol: %w", modulePath, HandlerSymbol, err)
	}

	switch h := sym.(type) {
	case workerproc.Handler:
		return h, nil
	case func() workerproc.Handler:
		return h(), nil
	default:
		return nil, fmt.Errorf("module %q: %s symbol has unexpected type %T", modulePath, HandlerSymbol, sym)
	}
}

// echoHandler is a degenerate handler used when no module is configured:
// it echoes the request body back with a 200 status. It exists for
// config smoke-tests, not production traffic.
type echoHandler struct{}

func (echoHandler) ServeRequest(req *workerproc.Request) workerproc.Result {
	return workerproc.RawResult(200, map[string]string{"Content-Type": "text/plain"}, req.Body)
}
