package server

import (
	"context"
	"strings"

	"connectrpc.com/connect"

	"github.com/chazu/mutable/resource"
	"github.com/chazu/mutable/vm"
)

// Client calls a MutableServer.
type Client struct {
	newInstance      *connect.Client[NewInstanceRequest, NewInstanceResponse]
	releaseInstance  *connect.Client[InstanceRequest, Empty]
	beginUpdate      *connect.Client[BeginUpdateRequest, BeginUpdateResponse]
	endUpdate        *connect.Client[InstanceRequest, Empty]
	getImage         *connect.Client[ResourceRequest, ImageResponse]
	startImage       *connect.Client[ResourceRequest, StartImageResponse]
	awaitImage       *connect.Client[AwaitImageRequest, ImageResponse]
	getImageDesc     *connect.Client[ResourceRequest, ImageDescResponse]
	getMesh          *connect.Client[ResourceRequest, MeshResponse]
	relevancy        *connect.Client[RelevancyRequest, RelevancyResponse]
	setWorkingMemory *connect.Client[SetWorkingMemoryRequest, Empty]
	stats            *connect.Client[Empty, StatsResponse]
	listModels       *connect.Client[Empty, ListModelsResponse]
}

// NewClient returns a client for the server at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	codec := connect.WithCodec(newCBORCodec())
	return &Client{
		newInstance:      connect.NewClient[NewInstanceRequest, NewInstanceResponse](httpClient, baseURL+NewInstanceProcedure, codec),
		releaseInstance:  connect.NewClient[InstanceRequest, Empty](httpClient, baseURL+ReleaseInstanceProcedure, codec),
		beginUpdate:      connect.NewClient[BeginUpdateRequest, BeginUpdateResponse](httpClient, baseURL+BeginUpdateProcedure, codec),
		endUpdate:        connect.NewClient[InstanceRequest, Empty](httpClient, baseURL+EndUpdateProcedure, codec),
		getImage:         connect.NewClient[ResourceRequest, ImageResponse](httpClient, baseURL+GetImageProcedure, codec),
		startImage:       connect.NewClient[ResourceRequest, StartImageResponse](httpClient, baseURL+StartImageProcedure, codec),
		awaitImage:       connect.NewClient[AwaitImageRequest, ImageResponse](httpClient, baseURL+AwaitImageProcedure, codec),
		getImageDesc:     connect.NewClient[ResourceRequest, ImageDescResponse](httpClient, baseURL+GetImageDescProcedure, codec),
		getMesh:          connect.NewClient[ResourceRequest, MeshResponse](httpClient, baseURL+GetMeshProcedure, codec),
		relevancy:        connect.NewClient[RelevancyRequest, RelevancyResponse](httpClient, baseURL+RelevancyProcedure, codec),
		setWorkingMemory: connect.NewClient[SetWorkingMemoryRequest, Empty](httpClient, baseURL+SetWorkingMemoryProcedure, codec),
		stats:            connect.NewClient[Empty, StatsResponse](httpClient, baseURL+StatsProcedure, codec),
		listModels:       connect.NewClient[Empty, ListModelsResponse](httpClient, baseURL+ListModelsProcedure, codec),
	}
}

func (c *Client) NewInstance(ctx context.Context, model string) (uint32, error) {
	res, err := c.newInstance.CallUnary(ctx, connect.NewRequest(&NewInstanceRequest{Model: model}))
	if err != nil {
		return 0, err
	}
	return res.Msg.InstanceID, nil
}

func (c *Client) ReleaseInstance(ctx context.Context, id uint32) error {
	_, err := c.releaseInstance.CallUnary(ctx, connect.NewRequest(&InstanceRequest{InstanceID: id}))
	return err
}

func (c *Client) BeginUpdate(ctx context.Context, req *BeginUpdateRequest) (*resource.Instance, error) {
	res, err := c.beginUpdate.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg.Instance, nil
}

func (c *Client) EndUpdate(ctx context.Context, id uint32) error {
	_, err := c.endUpdate.CallUnary(ctx, connect.NewRequest(&InstanceRequest{InstanceID: id}))
	return err
}

func (c *Client) GetImage(ctx context.Context, req *ResourceRequest) (*resource.Image, error) {
	res, err := c.getImage.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg.Image, nil
}

// StartImage queues an image build; AwaitImage collects it.
func (c *Client) StartImage(ctx context.Context, req *ResourceRequest) (string, error) {
	res, err := c.startImage.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return "", err
	}
	return res.Msg.Handle, nil
}

func (c *Client) AwaitImage(ctx context.Context, handle string) (*resource.Image, error) {
	res, err := c.awaitImage.CallUnary(ctx, connect.NewRequest(&AwaitImageRequest{Handle: handle}))
	if err != nil {
		return nil, err
	}
	return res.Msg.Image, nil
}

func (c *Client) GetImageDesc(ctx context.Context, req *ResourceRequest) (resource.ImageDesc, error) {
	res, err := c.getImageDesc.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return resource.ImageDesc{}, err
	}
	return res.Msg.Desc, nil
}

func (c *Client) GetMesh(ctx context.Context, req *ResourceRequest) (*resource.Mesh, error) {
	res, err := c.getMesh.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg.Mesh, nil
}

func (c *Client) Relevancy(ctx context.Context, req *RelevancyRequest) ([]bool, error) {
	res, err := c.relevancy.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg.Relevant, nil
}

func (c *Client) SetWorkingMemory(ctx context.Context, bytes int64, clear bool) error {
	_, err := c.setWorkingMemory.CallUnary(ctx, connect.NewRequest(&SetWorkingMemoryRequest{Bytes: bytes, Clear: clear}))
	return err
}

func (c *Client) Stats(ctx context.Context) (vm.StatsSummary, error) {
	res, err := c.stats.CallUnary(ctx, connect.NewRequest(&Empty{}))
	if err != nil {
		return vm.StatsSummary{}, err
	}
	return res.Msg.Stats, nil
}

func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	res, err := c.listModels.CallUnary(ctx, connect.NewRequest(&Empty{}))
	if err != nil {
		return nil, err
	}
	return res.Msg.Models, nil
}
