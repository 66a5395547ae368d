package vm

import (
	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

// ModelStreamer reads rom payloads of a model from storage.
//
// BeginReadBlock starts an asynchronous read of rom romID and returns
// a read id. done is called exactly once, from any goroutine, when the
// read finished; it is not called when BeginReadBlock returns an error.
// EndRead returns the payload and whether the read succeeded; it is
// called once per read id after done.
type ModelStreamer interface {
	BeginReadBlock(model *program.Model, romID uint32, size int, done func(ok bool)) (uint64, error)
	EndRead(id uint64) ([]byte, bool)
}

// ExternalResourceProvider supplies images and meshes that are not part
// of a model, such as the values of image parameters.
//
// The async getters return a channel that yields exactly one value (nil
// on failure) and a cleanup function. The system calls cleanup exactly
// once, after it received the value.
type ExternalResourceProvider interface {
	GetImageAsync(id uint32, mipsToSkip int) (<-chan *resource.Image, func())
	GetMeshAsync(id uint32) (<-chan *resource.Mesh, func())
	GetImageDesc(id uint32) resource.ImageDesc
}
