package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/google/go-cmp/cmp"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
	"github.com/chazu/mutable/vm"
)

// sceneModel has a bool parameter "red" picking the colour of an
// image, an unused int parameter and a triangle mesh.
func sceneModel(t *testing.T) *program.Model {
	t.Helper()
	b := program.NewBuilder()
	flag := b.Parameter(program.ParamDesc{Name: "red", Type: program.ParamBool, Default: program.ParamValue{Bool: true}})
	b.Parameter(program.ParamDesc{Name: "unused", Type: program.ParamInt})
	cond := b.Add(program.OpConditional, program.ConditionalArgs{
		DataType:  program.DataImage,
		Condition: b.ParameterOp(program.OpBoolParameter, flag),
		Yes:       b.PlainImage(resource.Color{1, 0, 0, 1}, 8, resource.FormatRGBA8),
		No:        b.PlainImage(resource.Color{0, 1, 0, 1}, 8, resource.FormatRGBA8),
	})
	mesh := b.Add(program.OpMeshConstant, program.TableConstantArgs{Value: b.ConstantMesh(&resource.Mesh{
		Positions: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Indices:   []uint32{0, 1, 2},
	}, false)})
	withImage := b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: cond, Name: "albedo"})
	root := b.Add(program.OpInstanceAddMesh, program.InstanceAddResourceArgs{Instance: withImage, Resource: mesh, Name: "body"})
	b.State(program.State{Name: "default", Root: root})
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return program.NewModel("scene", p)
}

func newTestServer(t *testing.T) (*MutableServer, *Client) {
	t.Helper()
	settings := vm.DefaultSettings()
	settings.Checks = true
	models := NewModelRegistry()
	models.Register(sceneModel(t))

	srv := New(vm.NewSystem(settings), models)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return srv, NewClient(ts.Client(), ts.URL)
}

func wantCode(t *testing.T, what string, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: got no error, want %s", what, code)
		return
	}
	if got := connect.CodeOf(err); got != code {
		t.Errorf("%s: got code %s (%v), want %s", what, got, err, code)
	}
}

func TestServerUpdateCycle(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	id, err := client.NewInstance(ctx, "scene")
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	inst, err := client.BeginUpdate(ctx, &BeginUpdateRequest{InstanceID: id})
	if err != nil {
		t.Fatalf("BeginUpdate: %v", err)
	}
	if inst.LODCount() != 1 || len(inst.LODs[0].Images) != 1 || len(inst.LODs[0].Meshes) != 1 {
		t.Fatalf("instance: got %+v, want one image and one mesh", inst)
	}
	if got := inst.LODs[0].Images[0].Name; got != "albedo" {
		t.Errorf("image name: got %q, want albedo", got)
	}

	imgReq := &ResourceRequest{InstanceID: id, ResourceID: inst.LODs[0].Images[0].ID}
	desc, err := client.GetImageDesc(ctx, imgReq)
	if err != nil {
		t.Fatalf("GetImageDesc: %v", err)
	}
	if desc.SizeX != 8 || desc.SizeY != 8 || desc.Format != resource.FormatRGBA8 {
		t.Errorf("desc: got %+v, want 8x8 RGBA8", desc)
	}
	img, err := client.GetImage(ctx, imgReq)
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if c := img.ColorAt(1, 1); c.R != 255 || c.G != 0 {
		t.Errorf("pixel: got %v, want red", c)
	}

	mesh, err := client.GetMesh(ctx, &ResourceRequest{InstanceID: id, ResourceID: inst.LODs[0].Meshes[0].ID})
	if err != nil {
		t.Fatalf("GetMesh: %v", err)
	}
	if diff := cmp.Diff([]uint32{0, 1, 2}, mesh.Indices); diff != "" {
		t.Errorf("mesh indices (-want +got):\n%s", diff)
	}
	if err := client.EndUpdate(ctx, id); err != nil {
		t.Fatalf("EndUpdate: %v", err)
	}

	// Flip the parameter.
	inst, err = client.BeginUpdate(ctx, &BeginUpdateRequest{
		InstanceID: id,
		Params:     []ParamAssignment{{Name: "red", Value: program.ParamValue{Bool: false}}},
	})
	if err != nil {
		t.Fatalf("second BeginUpdate: %v", err)
	}
	img, err = client.GetImage(ctx, &ResourceRequest{InstanceID: id, ResourceID: inst.LODs[0].Images[0].ID})
	if err != nil {
		t.Fatalf("second GetImage: %v", err)
	}
	if c := img.ColorAt(1, 1); c.G != 255 || c.R != 0 {
		t.Errorf("pixel after flip: got %v, want green", c)
	}
	if err := client.EndUpdate(ctx, id); err != nil {
		t.Fatalf("second EndUpdate: %v", err)
	}

	stats, err := client.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Updates != 2 {
		t.Errorf("Updates: got %d, want 2", stats.Updates)
	}

	if err := client.ReleaseInstance(ctx, id); err != nil {
		t.Fatalf("ReleaseInstance: %v", err)
	}
	_, err = client.BeginUpdate(ctx, &BeginUpdateRequest{InstanceID: id})
	wantCode(t, "BeginUpdate after release", err, connect.CodeNotFound)
}

func TestServerAsyncImage(t *testing.T) {
	srv, client := newTestServer(t)
	ctx := context.Background()

	id, err := client.NewInstance(ctx, "scene")
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	inst, err := client.BeginUpdate(ctx, &BeginUpdateRequest{InstanceID: id})
	if err != nil {
		t.Fatalf("BeginUpdate: %v", err)
	}
	handle, err := client.StartImage(ctx, &ResourceRequest{InstanceID: id, ResourceID: inst.LODs[0].Images[0].ID})
	if err != nil {
		t.Fatalf("StartImage: %v", err)
	}
	if handle == "" {
		t.Fatal("StartImage returned an empty handle")
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	img, err := client.AwaitImage(awaitCtx, handle)
	if err != nil {
		t.Fatalf("AwaitImage: %v", err)
	}
	if c := img.ColorAt(0, 0); c.R != 255 {
		t.Errorf("pixel: got %v, want red", c)
	}
	if n := srv.handles.Len(); n != 0 {
		t.Errorf("handles after await: got %d, want 0", n)
	}

	_, err = client.AwaitImage(ctx, handle)
	wantCode(t, "AwaitImage twice", err, connect.CodeNotFound)
}

func TestServerRelevancy(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	id, err := client.NewInstance(ctx, "scene")
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	got, err := client.Relevancy(ctx, &RelevancyRequest{InstanceID: id})
	if err != nil {
		t.Fatalf("Relevancy: %v", err)
	}
	if diff := cmp.Diff([]bool{true, false}, got); diff != "" {
		t.Errorf("relevancy (-want +got):\n%s", diff)
	}
}

func TestServerErrors(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	_, err := client.NewInstance(ctx, "")
	wantCode(t, "NewInstance without model", err, connect.CodeInvalidArgument)
	_, err = client.NewInstance(ctx, "missing")
	wantCode(t, "NewInstance of unknown model", err, connect.CodeNotFound)

	id, err := client.NewInstance(ctx, "scene")
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	_, err = client.BeginUpdate(ctx, &BeginUpdateRequest{InstanceID: id, State: 3})
	wantCode(t, "BeginUpdate with a bad state", err, connect.CodeInvalidArgument)
	_, err = client.BeginUpdate(ctx, &BeginUpdateRequest{
		InstanceID: id,
		Params:     []ParamAssignment{{Name: "nope"}},
	})
	wantCode(t, "BeginUpdate with an unknown parameter", err, connect.CodeInvalidArgument)
	_, err = client.GetImage(ctx, &ResourceRequest{InstanceID: 999})
	wantCode(t, "GetImage of unknown instance", err, connect.CodeNotFound)
	_, err = client.AwaitImage(ctx, "")
	wantCode(t, "AwaitImage without handle", err, connect.CodeInvalidArgument)
	err = client.SetWorkingMemory(ctx, -1, false)
	wantCode(t, "SetWorkingMemory negative", err, connect.CodeInvalidArgument)
}

func TestServerWorkingMemory(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	id, err := client.NewInstance(ctx, "scene")
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	inst, err := client.BeginUpdate(ctx, &BeginUpdateRequest{InstanceID: id})
	if err != nil {
		t.Fatalf("BeginUpdate: %v", err)
	}
	if _, err := client.GetImage(ctx, &ResourceRequest{InstanceID: id, ResourceID: inst.LODs[0].Images[0].ID}); err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if err := client.EndUpdate(ctx, id); err != nil {
		t.Fatalf("EndUpdate: %v", err)
	}
	if err := client.SetWorkingMemory(ctx, 1<<20, true); err != nil {
		t.Fatalf("SetWorkingMemory: %v", err)
	}
	stats, err := client.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Memory.PooledBytes != 0 || stats.Memory.CachedBytes != 0 {
		t.Errorf("memory after clear: got %+v, want nothing pooled or cached", stats.Memory)
	}
}

func TestModelRegistry(t *testing.T) {
	r := NewModelRegistry()
	model := sceneModel(t)
	data, err := program.MarshalModel(model, nil)
	if err != nil {
		t.Fatalf("MarshalModel: %v", err)
	}
	path := filepath.Join(t.TempDir(), "scene.mcbor")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := r.LoadFile("renamed", path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, _, err := r.LoadFile("broken", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("LoadFile of a missing file: expected an error")
	}
	got, ok := r.Get("renamed")
	if !ok || got.Name != "renamed" {
		t.Fatalf("Get(renamed): got %v, %v", got, ok)
	}

	want := []ModelInfo{{Name: "renamed", States: []string{"default"}, Parameters: []string{"red", "unused"}}}
	if diff := cmp.Diff(want, r.Infos()); diff != "" {
		t.Errorf("Infos (-want +got):\n%s", diff)
	}
}

func TestHandleStoreSweep(t *testing.T) {
	worker := NewSystemWorker(vm.NewSystem(vm.DefaultSettings()))
	defer worker.Stop()
	store := NewHandleStore(worker)

	a := store.Start(ResourceRequest{InstanceID: 1})
	store.Start(ResourceRequest{InstanceID: 2})
	if store.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", store.Len())
	}
	store.ReleaseInstance(2)
	if store.Len() != 1 {
		t.Errorf("Len after ReleaseInstance: got %d, want 1", store.Len())
	}

	// An unknown instance still resolves, to an error.
	_, ok, err := store.Await(context.Background(), a)
	if !ok {
		t.Fatal("Await: handle not found")
	}
	if !errors.Is(err, vm.ErrUnknownInstance) {
		t.Errorf("Await: got %v, want ErrUnknownInstance", err)
	}

	store.Start(ResourceRequest{InstanceID: 3})
	if n := store.Sweep(-time.Second); n != 1 {
		t.Errorf("Sweep: got %d, want 1", n)
	}
}

func TestSystemWorkerRecoversPanics(t *testing.T) {
	worker := NewSystemWorker(vm.NewSystem(vm.DefaultSettings()))
	_, err := worker.Do(func(*vm.System) (any, error) { panic("boom") })
	if err == nil {
		t.Error("Do: expected the panic as an error")
	}
	v, err := worker.Do(func(*vm.System) (any, error) { return 7, nil })
	if err != nil || v.(int) != 7 {
		t.Errorf("Do after panic: got %v, %v", v, err)
	}
	worker.Stop()
	if _, err := worker.Do(func(*vm.System) (any, error) { return nil, nil }); !errors.Is(err, errStopped) {
		t.Errorf("Do after Stop: got %v, want errStopped", err)
	}
}
