package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/shardcore/dbreplica/cmn/cos"
	"github.com/shardcore/dbreplica/repl"
)

// runGroup starts every registered cos.Runner, stops them all once the
// first one fails, and waits for all of them to return, mirroring the
// teacher's ais/daemon.go rungroup, built
// on errgroup.WithContext the way fs/mpather's JoggerGroup fans out its
// own workers and cancels the rest on the first failure.
type runGroup struct {
	runners []cos.Runner
}

func newRunGroup() *runGroup { return &runGroup{} }

func (rg *runGroup) add(r cos.Runner) { rg.runners = append(rg.runners, r) }

func (rg *runGroup) run(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)
	for _, r := range rg.runners {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}

	// errgroup cancels ctx the moment any runner returns a non-nil
	// error; this watcher reacts to that (or to the parent's own
	// cancellation) by stopping every runner so g.Wait below can
	// actually return instead of blocking on a listener nothing ever
	// asked to close.
	go func() {
		<-ctx.Done()
		for _, r := range rg.runners {
			r.Stop(ctx.Err())
		}
	}()

	return g.Wait()
}

// tcpServer is a cos.Runner that accepts connections on addr and hands
// each one to handle in its own goroutine.
type tcpServer struct {
	name   string
	addr   string
	handle func(ctx context.Context, conn net.Conn)
	ln     net.Listener
}

func newTCPServer(name, addr string, handle func(ctx context.Context, conn net.Conn)) *tcpServer {
	return &tcpServer{name: name, addr: addr, handle: handle}
}

func (s *tcpServer) Name() string { return s.name }

func (s *tcpServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	glog.Infof("replicad: %s listening on %s", s.name, s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

func (s *tcpServer) Stop(err error) {
	if s.ln != nil {
		s.ln.Close()
	}
}

// httpServer is a cos.Runner wrapping an http.Server, used for the
// Prometheus /metrics endpoint.
type httpServer struct {
	name string
	srv  *http.Server
}

func newHTTPServer(name, addr string, handler http.Handler) *httpServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return &httpServer{name: name, srv: &http.Server{Addr: addr, Handler: mux}}
}

func (s *httpServer) Name() string { return s.name }

func (s *httpServer) Run(ctx context.Context) error {
	glog.Infof("replicad: %s listening on %s", s.name, s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *httpServer) Stop(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}

// reconcileLoop periodically reconciles the Replication Loader's
// desired destination set against the current cluster.View, the way a
// real deployment would instead trigger reconciliation from a
// consensus-log change notification (spec §4.4).
type reconcileLoop struct {
	loader *repl.Loader
	stopCh chan struct{}
}

func newReconcileLoop(loader *repl.Loader) *reconcileLoop {
	return &reconcileLoop{loader: loader, stopCh: make(chan struct{})}
}

func (r *reconcileLoop) Name() string { return "reconcile-loop" }

func (r *reconcileLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	r.loader.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case <-ticker.C:
			r.loader.Reconcile(ctx)
		}
	}
}

func (r *reconcileLoop) Stop(error) { close(r.stopCh) }
