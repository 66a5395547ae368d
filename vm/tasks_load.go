package vm

import (
	"fmt"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

// romRead is one streaming read shared by every task waiting for the
// same rom during a run.
type romRead struct {
	id       uint64
	done     chan struct{}
	ok       bool
	consumed bool
}

// romLoadTask produces a constant image or mesh whose rom is streamed.
type romLoadTask struct {
	taskBase
	rom   int
	index int
	mesh  bool
	read  *romRead
	r     *CodeRunner
}

func (t *romLoadTask) prepare(r *CodeRunner) (bool, error) {
	t.r = r
	r.mem.beginRomOp(t.rom, r.model)
	if r.model.IsRomLoaded(t.rom) {
		return false, nil
	}
	if read := r.romReads[t.rom]; read != nil {
		t.read = read
		return false, nil
	}
	desc := r.prog.Roms[t.rom]
	if r.sys.streamer == nil {
		r.mem.endRomOp(t.rom, r.model)
		return false, fmt.Errorf("%w: no streamer for rom %d of %s", ErrStreamRead, desc.ID, r.model.Name)
	}
	read := &romRead{done: make(chan struct{})}
	id, err := r.sys.streamer.BeginReadBlock(r.model, desc.ID, int(desc.Size), func(ok bool) {
		read.ok = ok
		close(read.done)
		r.signal()
	})
	if err != nil {
		r.mem.endRomOp(t.rom, r.model)
		return false, fmt.Errorf("%w: rom %d of %s: %w", ErrStreamRead, desc.ID, r.model.Name, err)
	}
	read.id = id
	t.read = read
	r.romReads[t.rom] = read
	return false, nil
}

func (t *romLoadTask) isComplete() bool {
	if t.read == nil {
		return true
	}
	select {
	case <-t.read.done:
		return true
	default:
		return false
	}
}

func (t *romLoadTask) complete(r *CodeRunner) error {
	defer r.mem.endRomOp(t.rom, r.model)
	if read := t.read; read != nil && !read.consumed {
		read.consumed = true
		delete(r.romReads, t.rom)
		r.finishRead(t.rom, read)
	}
	a := t.op.Address()
	if t.mesh {
		r.mem.StoreMesh(a, r.constantMesh(t.index))
	} else {
		r.mem.StoreImage(a, r.constantImage(t.index, int(t.op.ExecutionOptions)))
	}
	return nil
}

// abandon stops awaiting the rom. The first task of a shared read also
// collects it, so the streamer can let go of its buffer.
func (t *romLoadTask) abandon() {
	r := t.r
	if r == nil {
		return
	}
	r.mem.endRomOp(t.rom, r.model)
	read := t.read
	if read == nil || read.consumed {
		return
	}
	read.consumed = true
	delete(r.romReads, t.rom)
	s := r.sys.streamer
	go func() {
		<-read.done
		s.EndRead(read.id)
	}()
}

// finishRead ends a finished read and makes the rom resident. A failed
// read only leaves the rom unloaded; the constant then reads as missing.
func (r *CodeRunner) finishRead(rom int, read *romRead) {
	desc := r.prog.Roms[rom]
	data, ok := r.sys.streamer.EndRead(read.id)
	if !read.ok || !ok {
		log.Warningf("missing data for rom %d of %s", desc.ID, r.model.Name)
		return
	}
	v, err := program.UnmarshalRom(desc.Type, data)
	if err != nil {
		log.Warningf("rom %d of %s: %s", desc.ID, r.model.Name, err.Error())
		return
	}
	r.mem.setRomValue(rom, r.model, v)
}

// externalLoadTask produces an image or mesh from the external resource
// provider.
type externalLoadTask struct {
	taskBase
	id   uint32
	mesh bool

	ready     chan struct{}
	image     *resource.Image
	meshValue *resource.Mesh
	cleanup   func()
}

func (t *externalLoadTask) prepare(r *CodeRunner) (bool, error) {
	t.ready = make(chan struct{})
	if t.mesh {
		ch, cleanup := r.sys.provider.GetMeshAsync(t.id)
		t.cleanup = cleanup
		go func() {
			t.meshValue = <-ch
			close(t.ready)
			r.signal()
		}()
	} else {
		ch, cleanup := r.sys.provider.GetImageAsync(t.id, int(t.op.ExecutionOptions))
		t.cleanup = cleanup
		go func() {
			t.image = <-ch
			close(t.ready)
			r.signal()
		}()
	}
	return false, nil
}

func (t *externalLoadTask) isComplete() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

func (t *externalLoadTask) complete(r *CodeRunner) error {
	a := t.op.Address()
	if t.mesh {
		var mesh *resource.Mesh
		if src := t.meshValue; src != nil {
			mesh = r.mem.CreateMesh(len(src.Positions), len(src.Indices))
			copy(mesh.Positions, src.Positions)
			copy(mesh.Indices, src.Indices)
		} else {
			log.Warningf("external mesh %d failed to load", t.id)
		}
		t.release()
		r.mem.StoreMesh(a, mesh)
		return nil
	}
	var img *resource.Image
	if src := t.image; src != nil {
		img = r.mem.CreateImage(src.SizeX, src.SizeY, src.LODs, src.Format, false)
		copy(img.Data, src.Data)
		img.ReferenceID = src.ReferenceID
	} else {
		log.Warningf("external image %d failed to load", t.id)
	}
	t.release()
	r.mem.StoreImage(a, img)
	return nil
}

func (t *externalLoadTask) release() {
	if t.cleanup != nil {
		t.cleanup()
		t.cleanup = nil
	}
}

// abandon still calls the provider's cleanup, once the value arrived.
func (t *externalLoadTask) abandon() {
	if t.ready == nil || t.cleanup == nil {
		return
	}
	go func() {
		<-t.ready
		t.release()
	}()
}
