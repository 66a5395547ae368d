// Package server exposes a System over Connect, with CBOR messages.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/mutable/vm"
)

var log = commonlog.GetLogger("mutable.server")

// MutableServer serves the system service over HTTP.
type MutableServer struct {
	worker  *SystemWorker
	handles *HandleStore
	models  *ModelRegistry
	service *SystemService
	mux     *http.ServeMux
	http    *http.Server

	stopSweeper func()
}

// ServerOption configures a MutableServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	sweepInterval time.Duration
	handleTTL     time.Duration
}

// WithHandleTTL sets how long an unawaited image handle lives and how
// often stale handles are swept.
func WithHandleTTL(interval, ttl time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.sweepInterval = interval
		c.handleTTL = ttl
	}
}

// New creates a MutableServer wrapping the given system.
func New(sys *vm.System, models *ModelRegistry, opts ...ServerOption) *MutableServer {
	cfg := &serverConfig{
		sweepInterval: 5 * time.Minute,
		handleTTL:     30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewSystemWorker(sys)
	handles := NewHandleStore(worker)
	svc := NewSystemService(worker, handles, models)

	s := &MutableServer{
		worker:  worker,
		handles: handles,
		models:  models,
		service: svc,
		mux:     http.NewServeMux(),
	}

	codec := connect.WithCodec(newCBORCodec())
	s.mux.Handle(NewInstanceProcedure, connect.NewUnaryHandler(NewInstanceProcedure, svc.NewInstance, codec))
	s.mux.Handle(ReleaseInstanceProcedure, connect.NewUnaryHandler(ReleaseInstanceProcedure, svc.ReleaseInstance, codec))
	s.mux.Handle(BeginUpdateProcedure, connect.NewUnaryHandler(BeginUpdateProcedure, svc.BeginUpdate, codec))
	s.mux.Handle(EndUpdateProcedure, connect.NewUnaryHandler(EndUpdateProcedure, svc.EndUpdate, codec))
	s.mux.Handle(GetImageProcedure, connect.NewUnaryHandler(GetImageProcedure, svc.GetImage, codec))
	s.mux.Handle(StartImageProcedure, connect.NewUnaryHandler(StartImageProcedure, svc.StartImage, codec))
	s.mux.Handle(AwaitImageProcedure, connect.NewUnaryHandler(AwaitImageProcedure, svc.AwaitImage, codec))
	s.mux.Handle(GetImageDescProcedure, connect.NewUnaryHandler(GetImageDescProcedure, svc.GetImageDesc, codec))
	s.mux.Handle(GetMeshProcedure, connect.NewUnaryHandler(GetMeshProcedure, svc.GetMesh, codec))
	s.mux.Handle(RelevancyProcedure, connect.NewUnaryHandler(RelevancyProcedure, svc.Relevancy, codec))
	s.mux.Handle(SetWorkingMemoryProcedure, connect.NewUnaryHandler(SetWorkingMemoryProcedure, svc.SetWorkingMemory, codec))
	s.mux.Handle(StatsProcedure, connect.NewUnaryHandler(StatsProcedure, svc.Stats, codec))
	s.mux.Handle(ListModelsProcedure, connect.NewUnaryHandler(ListModelsProcedure, svc.ListModels, codec))

	s.stopSweeper = handles.StartSweeper(cfg.sweepInterval, cfg.handleTTL)
	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *MutableServer) Handler() http.Handler { return s.mux }

// Models returns the model registry.
func (s *MutableServer) Models() *ModelRegistry { return s.models }

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *MutableServer) ListenAndServe(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.mux}
	log.Noticef("listening on %s (%s)", addr, ServiceName)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for running ones.
func (s *MutableServer) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.Stop()
	return err
}

// Stop shuts down the sweeper and the worker.
func (s *MutableServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
		s.stopSweeper = nil
	}
	select {
	case <-s.worker.quit:
	default:
		s.worker.Stop()
	}
}
