package server

import (
	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
	"github.com/chazu/mutable/vm"
)

// Procedure paths of the system service.
const (
	ServiceName = "mutable.v1.SystemService"

	NewInstanceProcedure      = "/" + ServiceName + "/NewInstance"
	ReleaseInstanceProcedure  = "/" + ServiceName + "/ReleaseInstance"
	BeginUpdateProcedure      = "/" + ServiceName + "/BeginUpdate"
	EndUpdateProcedure        = "/" + ServiceName + "/EndUpdate"
	GetImageProcedure         = "/" + ServiceName + "/GetImage"
	StartImageProcedure       = "/" + ServiceName + "/StartImage"
	AwaitImageProcedure       = "/" + ServiceName + "/AwaitImage"
	GetImageDescProcedure     = "/" + ServiceName + "/GetImageDesc"
	GetMeshProcedure          = "/" + ServiceName + "/GetMesh"
	RelevancyProcedure        = "/" + ServiceName + "/Relevancy"
	SetWorkingMemoryProcedure = "/" + ServiceName + "/SetWorkingMemory"
	StatsProcedure            = "/" + ServiceName + "/Stats"
	ListModelsProcedure       = "/" + ServiceName + "/ListModels"
)

// ParamAssignment sets one parameter, by name, optionally at a range
// position. Only the field of Value matching the parameter type is used.
type ParamAssignment struct {
	Name     string
	Position []int32 `cbor:",omitempty"`
	Value    program.ParamValue
}

type Empty struct{}

type NewInstanceRequest struct {
	Model string
}

type NewInstanceResponse struct {
	InstanceID uint32
}

type InstanceRequest struct {
	InstanceID uint32
}

type BeginUpdateRequest struct {
	InstanceID uint32
	State      int
	LODMask    uint32
	Params     []ParamAssignment
}

type BeginUpdateResponse struct {
	Instance *resource.Instance
}

type ResourceRequest struct {
	InstanceID uint32
	ResourceID resource.ResourceID
	MipsToSkip int
}

type ImageResponse struct {
	Image *resource.Image
}

type StartImageResponse struct {
	Handle string
}

type AwaitImageRequest struct {
	Handle string
}

type ImageDescResponse struct {
	Desc resource.ImageDesc
}

type MeshResponse struct {
	Mesh *resource.Mesh
}

type RelevancyRequest struct {
	InstanceID uint32
	Params     []ParamAssignment
}

type RelevancyResponse struct {
	Relevant []bool
}

type SetWorkingMemoryRequest struct {
	Bytes int64
	// Clear drops every cached value and rom first.
	Clear bool
}

type StatsResponse struct {
	Stats vm.StatsSummary
}

type ListModelsResponse struct {
	Models []ModelInfo
}

// ModelInfo describes a registered model.
type ModelInfo struct {
	Name       string
	States     []string
	Parameters []string
	Roms       int
}
