package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"connectrpc.com/connect"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
	"github.com/chazu/mutable/vm"
)

var errStopped = errors.New("server: system worker stopped")

// SystemService implements the system service handlers. Every call on
// the system goes through the worker.
type SystemService struct {
	worker  *SystemWorker
	handles *HandleStore
	models  *ModelRegistry

	mu        sync.Mutex
	instances map[uint32]*program.Model
}

// NewSystemService creates a SystemService.
func NewSystemService(worker *SystemWorker, handles *HandleStore, models *ModelRegistry) *SystemService {
	return &SystemService{
		worker:    worker,
		handles:   handles,
		models:    models,
		instances: make(map[uint32]*program.Model),
	}
}

// systemError maps a system error to a connect error.
func systemError(err error) error {
	var ce *connect.Error
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, vm.ErrUnknownInstance):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, vm.ErrInvalidState),
		errors.Is(err, vm.ErrInvalidParameters),
		errors.Is(err, vm.ErrWrongRootType):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, errStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

func (s *SystemService) instanceModel(id uint32) (*program.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.instances[id]
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("%w: %d", vm.ErrUnknownInstance, id))
	}
	return m, nil
}

// NewInstance creates a live instance of a registered model.
func (s *SystemService) NewInstance(
	ctx context.Context,
	req *connect.Request[NewInstanceRequest],
) (*connect.Response[NewInstanceResponse], error) {
	if req.Msg.Model == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("model is required"))
	}
	model, ok := s.models.Get(req.Msg.Model)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("model %q not found", req.Msg.Model))
	}

	v, err := s.worker.Do(func(sys *vm.System) (any, error) {
		return sys.NewInstance(model), nil
	})
	if err != nil {
		return nil, systemError(err)
	}
	id := v.(uint32)

	s.mu.Lock()
	s.instances[id] = model
	s.mu.Unlock()
	log.Infof("instance %d of %s created", id, model.Name)
	return connect.NewResponse(&NewInstanceResponse{InstanceID: id}), nil
}

// ReleaseInstance drops a live instance and its pending image handles.
func (s *SystemService) ReleaseInstance(
	ctx context.Context,
	req *connect.Request[InstanceRequest],
) (*connect.Response[Empty], error) {
	id := req.Msg.InstanceID
	if _, err := s.instanceModel(id); err != nil {
		return nil, err
	}
	s.handles.ReleaseInstance(id)
	if _, err := s.worker.Do(func(sys *vm.System) (any, error) {
		sys.ReleaseInstance(id)
		return nil, nil
	}); err != nil {
		return nil, systemError(err)
	}

	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
	return connect.NewResponse(&Empty{}), nil
}

// BeginUpdate builds the instance for a state and parameter values.
func (s *SystemService) BeginUpdate(
	ctx context.Context,
	req *connect.Request[BeginUpdateRequest],
) (*connect.Response[BeginUpdateResponse], error) {
	model, err := s.instanceModel(req.Msg.InstanceID)
	if err != nil {
		return nil, err
	}
	params, err := applyParams(model, req.Msg.Params)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	mask := req.Msg.LODMask
	if mask == 0 {
		mask = vm.AllLODs
	}

	v, err := s.worker.Do(func(sys *vm.System) (any, error) {
		inst := sys.BeginUpdate(req.Msg.InstanceID, params, req.Msg.State, mask)
		return inst, sys.LastError()
	})
	if err != nil {
		return nil, systemError(err)
	}
	return connect.NewResponse(&BeginUpdateResponse{Instance: v.(*resource.Instance)}), nil
}

// EndUpdate ends the update of an instance, releasing its transient
// results.
func (s *SystemService) EndUpdate(
	ctx context.Context,
	req *connect.Request[InstanceRequest],
) (*connect.Response[Empty], error) {
	if _, err := s.instanceModel(req.Msg.InstanceID); err != nil {
		return nil, err
	}
	if _, err := s.worker.Do(func(sys *vm.System) (any, error) {
		sys.EndUpdate(req.Msg.InstanceID)
		return nil, sys.LastError()
	}); err != nil {
		return nil, systemError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

func getImage(w *SystemWorker, req ResourceRequest) (*resource.Image, error) {
	v, err := w.Do(func(sys *vm.System) (any, error) {
		img := sys.GetImage(req.InstanceID, req.ResourceID, req.MipsToSkip)
		return img, sys.LastError()
	})
	if err != nil {
		return nil, systemError(err)
	}
	return v.(*resource.Image), nil
}

// GetImage builds an image of the current update.
func (s *SystemService) GetImage(
	ctx context.Context,
	req *connect.Request[ResourceRequest],
) (*connect.Response[ImageResponse], error) {
	if _, err := s.instanceModel(req.Msg.InstanceID); err != nil {
		return nil, err
	}
	img, err := getImage(s.worker, *req.Msg)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ImageResponse{Image: img}), nil
}

// StartImage queues an image build and returns a handle to await it.
func (s *SystemService) StartImage(
	ctx context.Context,
	req *connect.Request[ResourceRequest],
) (*connect.Response[StartImageResponse], error) {
	if _, err := s.instanceModel(req.Msg.InstanceID); err != nil {
		return nil, err
	}
	return connect.NewResponse(&StartImageResponse{Handle: s.handles.Start(*req.Msg)}), nil
}

// AwaitImage waits for the image of a handle returned by StartImage.
func (s *SystemService) AwaitImage(
	ctx context.Context,
	req *connect.Request[AwaitImageRequest],
) (*connect.Response[ImageResponse], error) {
	if req.Msg.Handle == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("handle is required"))
	}
	img, ok, err := s.handles.Await(ctx, req.Msg.Handle)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", req.Msg.Handle))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, connect.NewError(connect.CodeDeadlineExceeded, err)
		}
		return nil, err
	}
	return connect.NewResponse(&ImageResponse{Image: img}), nil
}

// GetImageDesc computes an image descriptor without building pixels.
func (s *SystemService) GetImageDesc(
	ctx context.Context,
	req *connect.Request[ResourceRequest],
) (*connect.Response[ImageDescResponse], error) {
	if _, err := s.instanceModel(req.Msg.InstanceID); err != nil {
		return nil, err
	}
	v, err := s.worker.Do(func(sys *vm.System) (any, error) {
		d := sys.GetImageDesc(req.Msg.InstanceID, req.Msg.ResourceID)
		return d, sys.LastError()
	})
	if err != nil {
		return nil, systemError(err)
	}
	return connect.NewResponse(&ImageDescResponse{Desc: v.(resource.ImageDesc)}), nil
}

// GetMesh builds a mesh of the current update.
func (s *SystemService) GetMesh(
	ctx context.Context,
	req *connect.Request[ResourceRequest],
) (*connect.Response[MeshResponse], error) {
	if _, err := s.instanceModel(req.Msg.InstanceID); err != nil {
		return nil, err
	}
	v, err := s.worker.Do(func(sys *vm.System) (any, error) {
		m := sys.GetMesh(req.Msg.InstanceID, req.Msg.ResourceID)
		return m, sys.LastError()
	})
	if err != nil {
		return nil, systemError(err)
	}
	return connect.NewResponse(&MeshResponse{Mesh: v.(*resource.Mesh)}), nil
}

// Relevancy reports which parameters can affect the instance.
func (s *SystemService) Relevancy(
	ctx context.Context,
	req *connect.Request[RelevancyRequest],
) (*connect.Response[RelevancyResponse], error) {
	model, err := s.instanceModel(req.Msg.InstanceID)
	if err != nil {
		return nil, err
	}
	params, err := applyParams(model, req.Msg.Params)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	v, err := s.worker.Do(func(sys *vm.System) (any, error) {
		relevant := sys.GetParameterRelevancy(req.Msg.InstanceID, params)
		return relevant, sys.LastError()
	})
	if err != nil {
		return nil, systemError(err)
	}
	return connect.NewResponse(&RelevancyResponse{Relevant: v.([]bool)}), nil
}

// SetWorkingMemory changes the memory budget, optionally clearing
// working memory first.
func (s *SystemService) SetWorkingMemory(
	ctx context.Context,
	req *connect.Request[SetWorkingMemoryRequest],
) (*connect.Response[Empty], error) {
	if req.Msg.Bytes < 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("bytes must not be negative"))
	}
	if _, err := s.worker.Do(func(sys *vm.System) (any, error) {
		if req.Msg.Clear {
			sys.ClearWorkingMemory()
		}
		sys.SetWorkingMemoryBytes(req.Msg.Bytes)
		return nil, nil
	}); err != nil {
		return nil, systemError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// Stats returns the run and memory statistics.
func (s *SystemService) Stats(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[StatsResponse], error) {
	return connect.NewResponse(&StatsResponse{Stats: s.worker.System().Stats()}), nil
}

// ListModels describes the registered models.
func (s *SystemService) ListModels(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[ListModelsResponse], error) {
	return connect.NewResponse(&ListModelsResponse{Models: s.models.Infos()}), nil
}
