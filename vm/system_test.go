package vm

import (
	"errors"
	"testing"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
	"github.com/google/go-cmp/cmp"
)

func conditionalModel(t *testing.T) *program.Model {
	b := program.NewBuilder()
	flag := b.Parameter(program.ParamDesc{Name: "red", Type: program.ParamBool, Default: program.ParamValue{Bool: true}})
	yes := b.PlainImage(red, 8, resource.FormatRGBA8)
	no := b.PlainImage(green, 8, resource.FormatRGBA8)
	cond := b.Add(program.OpConditional, program.ConditionalArgs{
		DataType:  program.DataImage,
		Condition: b.ParameterOp(program.OpBoolParameter, flag),
		Yes:       yes,
		No:        no,
	})
	root := b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: cond, Name: "albedo"})
	b.State(program.State{Name: "default", Root: root})
	return build(t, "conditional", b)
}

func TestConditionalSelectsBranch(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		s := newTestSystem(inline)
		model := conditionalModel(t)
		id := s.NewInstance(model)
		params := program.NewParameters(model.Program)

		inst := update(t, s, id, params, AllLODs)
		if got := inst.LODs[0].Images[0].Name; got != "albedo" {
			t.Errorf("image name: got %q, want %q", got, "albedo")
		}
		redID := inst.LODs[0].Images[0].ID
		s.RunStats().Reset()
		img := firstImage(t, s, id, inst)
		if c := img.ColorAt(0, 0); c.R != 255 || c.G != 0 {
			t.Errorf("yes branch: got %v, want red", c)
		}
		// Stage 0 and stage 1 of the chosen branch only.
		if got := s.RunStats().Runs(program.OpImagePlainColour); got != 2 {
			t.Errorf("plain colour runs: got %d, want 2", got)
		}
		li := s.Memory().FindLiveInstance(id)
		if n := pendingHits(li.Cache, program.DataImage, program.DataMesh, program.DataInstance); n != 0 {
			t.Errorf("pending hits after GetImage: got %d, want 0", n)
		}
		s.EndUpdate(id)

		params.SetBoolValue(0, false)
		inst = update(t, s, id, params, AllLODs)
		if inst.LODs[0].Images[0].ID == redID {
			t.Error("changing a relevant parameter should change the resource id")
		}
		img = firstImage(t, s, id, inst)
		if c := img.ColorAt(0, 0); c.G != 255 || c.R != 0 {
			t.Errorf("no branch: got %v, want green", c)
		}
		s.EndUpdate(id)
	})
}

func TestSwitchWithDefault(t *testing.T) {
	b := program.NewBuilder()
	shape := b.Parameter(program.ParamDesc{Name: "shape", Type: program.ParamInt})
	sw := b.Add(program.OpSwitch, program.SwitchArgs{
		DataType: program.DataImage,
		Variable: b.ParameterOp(program.OpIntParameter, shape),
		Default:  b.PlainImage(white, 4, resource.FormatRGBA8),
		Cases: []program.SwitchCase{
			{Condition: 0, Branch: b.PlainImage(red, 4, resource.FormatRGBA8)},
			{Condition: 1, Branch: b.PlainImage(green, 4, resource.FormatRGBA8)},
		},
	})
	root := b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: sw})
	b.State(program.State{Name: "default", Root: root})
	model := build(t, "switch", b)

	tests := []struct {
		value int32
		want  [3]uint8
	}{
		{0, [3]uint8{255, 0, 0}},
		{1, [3]uint8{0, 255, 0}},
		{5, [3]uint8{255, 255, 255}},
	}
	bothModes(t, func(t *testing.T, inline bool) {
		s := newTestSystem(inline)
		id := s.NewInstance(model)
		params := program.NewParameters(model.Program)
		for _, tt := range tests {
			params.SetIntValue(shape, tt.value)
			inst := update(t, s, id, params, AllLODs)
			c := firstImage(t, s, id, inst).ColorAt(1, 1)
			if got := [3]uint8{c.R, c.G, c.B}; got != tt.want {
				t.Errorf("shape %d: got %v, want %v", tt.value, got, tt.want)
			}
			s.EndUpdate(id)
		}
	})
}

func TestIntParameterFallsBackToFirstPossibleValue(t *testing.T) {
	b := program.NewBuilder()
	mode := b.Parameter(program.ParamDesc{
		Name:           "mode",
		Type:           program.ParamInt,
		PossibleValues: []program.IntValueDesc{{Value: 3, Name: "three"}, {Value: 4, Name: "four"}},
	})
	isThree := b.Add(program.OpBoolEqualIntConst, program.BoolEqualIntConstArgs{
		Value:    b.ParameterOp(program.OpIntParameter, mode),
		Constant: 3,
	})
	cond := b.Add(program.OpConditional, program.ConditionalArgs{
		DataType:  program.DataImage,
		Condition: isThree,
		Yes:       b.PlainImage(red, 4, resource.FormatRGBA8),
		No:        b.PlainImage(green, 4, resource.FormatRGBA8),
	})
	b.State(program.State{Root: b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: cond})})
	model := build(t, "fallback", b)

	s := newTestSystem(true)
	id := s.NewInstance(model)
	params := program.NewParameters(model.Program)
	params.SetIntValue(mode, 9)
	inst := update(t, s, id, params, AllLODs)
	if c := firstImage(t, s, id, inst).ColorAt(0, 0); c.R != 255 {
		t.Errorf("unlisted value: got %v, want red from the first possible value", c)
	}
}

func TestLODMask(t *testing.T) {
	b := program.NewBuilder()
	lod0 := b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: b.PlainImage(red, 8, resource.FormatRGBA8), Name: "high"})
	lod1 := b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: b.PlainImage(green, 4, resource.FormatRGBA8), Name: "low"})
	root := b.Add(program.OpInstanceAddLOD, program.InstanceAddLODArgs{LODs: []program.Address{lod0, lod1}})
	b.State(program.State{Root: root})
	model := build(t, "lods", b)

	bothModes(t, func(t *testing.T, inline bool) {
		s := newTestSystem(inline)
		id := s.NewInstance(model)
		params := program.NewParameters(model.Program)

		s.RunStats().Reset()
		inst := update(t, s, id, params, 1<<0)
		if inst.LODCount() != 2 {
			t.Fatalf("LODCount: got %d, want 2", inst.LODCount())
		}
		if len(inst.LODs[0].Images) != 1 || len(inst.LODs[1].Images) != 0 {
			t.Errorf("mask 0b01: got %d and %d images", len(inst.LODs[0].Images), len(inst.LODs[1].Images))
		}
		if got := s.RunStats().Runs(program.OpInstanceAddImage); got != 2 {
			t.Errorf("AddImage runs: got %d, want 2 (one op, two stages)", got)
		}
		s.EndUpdate(id)

		inst = update(t, s, id, params, AllLODs)
		var names []string
		for _, l := range inst.LODs {
			for _, ref := range l.Images {
				names = append(names, ref.Name)
			}
		}
		if diff := cmp.Diff([]string{"high", "low"}, names); diff != "" {
			t.Errorf("all LODs (-want +got):\n%s", diff)
		}
		s.EndUpdate(id)
	})
}

// pinnedModel layers a runtime tint over a pinned, expensive base.
func pinnedModel(t *testing.T) (*program.Model, int, int) {
	b := program.NewBuilder()
	tint := b.Parameter(program.ParamDesc{Name: "tint", Type: program.ParamColour, Default: program.ParamValue{Colour: red}})
	detail := b.Parameter(program.ParamDesc{Name: "detail", Type: program.ParamInt})
	base := b.PlainImage(white, 16, resource.FormatRGBA8)
	layered := b.Add(program.OpImageLayerColour, program.ImageLayerColourArgs{
		Base:   base,
		Colour: b.ParameterOp(program.OpColourParameter, tint),
		Blend:  resource.BlendMultiply,
	})
	root := b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: layered})
	b.State(program.State{
		Name:              "edit",
		Root:              root,
		RuntimeParameters: []int{tint},
		UpdateCache:       []program.Address{base},
	})
	return build(t, "pinned", b), tint, detail
}

func TestCacheReuseAcrossUpdates(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		model, tint, detail := pinnedModel(t)
		s := newTestSystem(inline)
		id := s.NewInstance(model)
		params := program.NewParameters(model.Program)

		inst := update(t, s, id, params, AllLODs)
		if c := firstImage(t, s, id, inst).ColorAt(3, 3); c.R != 255 || c.B != 0 {
			t.Errorf("first update: got %v, want red", c)
		}
		s.EndUpdate(id)

		// A runtime parameter keeps the pinned base.
		s.RunStats().Reset()
		params.SetColourValue(tint, blue)
		inst = update(t, s, id, params, AllLODs)
		li := s.Memory().FindLiveInstance(id)
		if diff := cmp.Diff([]bool{true, false}, li.UpdatedParameters); diff != "" {
			t.Errorf("UpdatedParameters (-want +got):\n%s", diff)
		}
		if c := firstImage(t, s, id, inst).ColorAt(3, 3); c.B != 255 || c.R != 0 {
			t.Errorf("runtime update: got %v, want blue", c)
		}
		if got := s.RunStats().Runs(program.OpImagePlainColour); got != 0 {
			t.Errorf("pinned base rebuilt %d times after a runtime change", got)
		}
		s.EndUpdate(id)

		// Any other parameter forces a full build.
		s.RunStats().Reset()
		params.SetIntValue(detail, 3)
		inst = update(t, s, id, params, AllLODs)
		firstImage(t, s, id, inst)
		if got := s.RunStats().Runs(program.OpImagePlainColour); got != 2 {
			t.Errorf("base runs after full build: got %d, want 2", got)
		}
		s.EndUpdate(id)
	})
}

func TestGetImageSkipsMips(t *testing.T) {
	b := program.NewBuilder()
	plain := b.Add(program.OpImagePlainColour, program.ImagePlainColourArgs{
		Colour: b.Colour(red),
		Size:   [2]uint16{16, 16},
		LODs:   5,
		Format: resource.FormatRGBA8,
	})
	img := b.Add(program.OpImageMipmap, program.ImageMipmapArgs{Source: plain})
	b.State(program.State{Root: b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: img})})
	model := build(t, "mips", b)

	s := newTestSystem(false)
	id := s.NewInstance(model)
	inst := update(t, s, id, program.NewParameters(model.Program), AllLODs)
	ref := inst.LODs[0].Images[0].ID

	desc := s.GetImageDesc(id, ref)
	want := resource.ImageDesc{SizeX: 16, SizeY: 16, LODs: 5, Format: resource.FormatRGBA8}
	if diff := cmp.Diff(want, desc); diff != "" {
		t.Errorf("GetImageDesc (-want +got):\n%s", diff)
	}

	full := s.GetImage(id, ref, 0)
	if diff := cmp.Diff(want, full.Desc()); diff != "" {
		t.Errorf("GetImage mips 0 (-want +got):\n%s", diff)
	}
	if c := full.ColorAt(15, 15); c.R != 255 {
		t.Errorf("GetImage mips 0 pixel: got %v, want red", c)
	}
	small := s.GetImage(id, ref, 2)
	if small.SizeX != 4 || small.LODs != 3 {
		t.Errorf("GetImage mips 2: got %dx%d with %d LODs, want 4x4 with 3", small.SizeX, small.SizeY, small.LODs)
	}
	if c := small.ColorAt(1, 1); c.R != 255 {
		t.Errorf("GetImage mips 2 pixel: got %v, want red", c)
	}
}

func TestGetImageDescDoesNotAllocate(t *testing.T) {
	b := program.NewBuilder()
	img := b.Add(program.OpImageResize, program.ImageResizeArgs{
		Source: b.Add(program.OpImagePixelFormat, program.ImagePixelFormatArgs{
			Source: b.PlainImage(red, 8, resource.FormatRGBA8),
			Format: resource.FormatL8,
		}),
		Size: [2]uint16{32, 16},
	})
	b.State(program.State{Root: b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: img})})
	model := build(t, "desc", b)

	s := newTestSystem(false)
	id := s.NewInstance(model)
	inst := update(t, s, id, program.NewParameters(model.Program), AllLODs)
	before := s.Stats().Memory.Allocations
	desc := s.GetImageDesc(id, inst.LODs[0].Images[0].ID)
	want := resource.ImageDesc{SizeX: 32, SizeY: 16, LODs: 1, Format: resource.FormatL8}
	if diff := cmp.Diff(want, desc); diff != "" {
		t.Errorf("GetImageDesc (-want +got):\n%s", diff)
	}
	if after := s.Stats().Memory.Allocations; after != before {
		t.Errorf("GetImageDesc allocated %d images", after-before)
	}

	img2 := s.GetImage(id, inst.LODs[0].Images[0].ID, 0)
	if diff := cmp.Diff(want, img2.Desc()); diff != "" {
		t.Errorf("GetImage shape (-want +got):\n%s", diff)
	}
}

func TestGetMeshTransforms(t *testing.T) {
	b := program.NewBuilder()
	mesh := b.Add(program.OpMeshConstant, program.TableConstantArgs{Value: b.ConstantMesh(&resource.Mesh{
		Positions: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Indices:   []uint32{0, 1, 2},
	}, false)})
	m := resource.Identity()
	m[3] = 10 // translate x
	moved := b.Add(program.OpMeshTransform, program.MeshTransformArgs{
		Source: mesh,
		Matrix: b.Add(program.OpMatrixConstant, program.MatrixConstantArgs{Value: m}),
	})
	b.State(program.State{Root: b.Add(program.OpInstanceAddMesh, program.InstanceAddResourceArgs{Resource: moved, Name: "body"})})
	model := build(t, "mesh", b)

	bothModes(t, func(t *testing.T, inline bool) {
		s := newTestSystem(inline)
		id := s.NewInstance(model)
		inst := update(t, s, id, program.NewParameters(model.Program), AllLODs)
		got := s.GetMesh(id, inst.LODs[0].Meshes[0].ID)
		if err := s.LastError(); err != nil {
			t.Fatalf("GetMesh: %v", err)
		}
		want := []float32{10, 0, 0, 11, 0, 0, 10, 1, 0}
		if diff := cmp.Diff(want, got.Positions); diff != "" {
			t.Errorf("positions (-want +got):\n%s", diff)
		}
		// The constant itself is untouched.
		if model.Program.ConstantMeshes[0].Data.Positions[0] != 0 {
			t.Error("transform modified the constant mesh")
		}
	})
}

func TestBeginUpdateErrors(t *testing.T) {
	model := conditionalModel(t)
	s := newTestSystem(true)
	id := s.NewInstance(model)
	params := program.NewParameters(model.Program)

	tests := []struct {
		name  string
		id    uint32
		state int
		want  error
	}{
		{"unknown instance", id + 10, 0, ErrUnknownInstance},
		{"bad state", id, 3, ErrInvalidState},
	}
	for _, tt := range tests {
		inst := s.BeginUpdate(tt.id, params, tt.state, AllLODs)
		if !errors.Is(s.LastError(), tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, s.LastError(), tt.want)
		}
		if !inst.IsEmpty() {
			t.Errorf("%s: got a non-empty instance", tt.name)
		}
	}

	other := &program.Program{Parameters: make([]program.ParamDesc, 2)}
	s.BeginUpdate(id, program.NewParameters(other), 0, AllLODs)
	if !errors.Is(s.LastError(), ErrInvalidParameters) {
		t.Errorf("foreign parameters: got %v, want %v", s.LastError(), ErrInvalidParameters)
	}

	img := s.GetImage(id, resource.MakeResourceID(1, 1), 0)
	if !errors.Is(s.LastError(), ErrInvalidState) {
		t.Errorf("GetImage before update: got %v, want %v", s.LastError(), ErrInvalidState)
	}
	if img.SizeX != 16 {
		t.Errorf("GetImage before update: got %v, want the placeholder", img.Desc())
	}
}

func TestGetImageWrongRoot(t *testing.T) {
	model := conditionalModel(t)
	s := newTestSystem(true)
	id := s.NewInstance(model)
	update(t, s, id, program.NewParameters(model.Program), AllLODs)
	// Address 1 is the red colour constant.
	s.GetImage(id, resource.MakeResourceID(1, 1), 0)
	if !errors.Is(s.LastError(), ErrWrongRootType) {
		t.Errorf("GetImage of a colour: got %v, want %v", s.LastError(), ErrWrongRootType)
	}
	s.GetMesh(id, resource.MakeResourceID(1, 1))
	if !errors.Is(s.LastError(), ErrWrongRootType) {
		t.Errorf("GetMesh of a colour: got %v, want %v", s.LastError(), ErrWrongRootType)
	}
}

func TestParameterRelevancy(t *testing.T) {
	b := program.NewBuilder()
	useTint := b.Parameter(program.ParamDesc{Name: "use-tint", Type: program.ParamBool})
	tint := b.Parameter(program.ParamDesc{Name: "tint", Type: program.ParamColour})
	unused := b.Parameter(program.ParamDesc{Name: "unused", Type: program.ParamFloat})
	_ = unused
	tinted := b.Add(program.OpImagePlainColour, program.ImagePlainColourArgs{
		Colour: b.ParameterOp(program.OpColourParameter, tint),
		Size:   [2]uint16{4, 4},
		LODs:   1,
		Format: resource.FormatRGBA8,
	})
	cond := b.Add(program.OpConditional, program.ConditionalArgs{
		DataType:  program.DataImage,
		Condition: b.ParameterOp(program.OpBoolParameter, useTint),
		Yes:       tinted,
		No:        b.PlainImage(white, 4, resource.FormatRGBA8),
	})
	b.State(program.State{Root: b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: cond})})
	model := build(t, "relevancy", b)

	s := newTestSystem(false)
	id := s.NewInstance(model)
	params := program.NewParameters(model.Program)

	if diff := cmp.Diff([]bool{true, false, false}, s.GetParameterRelevancy(id, params)); diff != "" {
		t.Errorf("tint off (-want +got):\n%s", diff)
	}
	params.SetBoolValue(useTint, true)
	if diff := cmp.Diff([]bool{true, true, false}, s.GetParameterRelevancy(id, params)); diff != "" {
		t.Errorf("tint on (-want +got):\n%s", diff)
	}
	// The instance cache is left alone.
	li := s.Memory().FindLiveInstance(id)
	if li.Cache.IsValid(CacheAddress{At: cond}) {
		t.Error("relevancy evaluation wrote to the instance cache")
	}
}

func TestReleaseInstance(t *testing.T) {
	model, _, _ := pinnedModel(t)
	s := newTestSystem(true)
	id := s.NewInstance(model)
	inst := update(t, s, id, program.NewParameters(model.Program), AllLODs)
	firstImage(t, s, id, inst)
	s.EndUpdate(id)
	if s.Stats().Memory.CachedBytes == 0 {
		t.Fatal("pinned base should be cached after the update")
	}
	s.ReleaseInstance(id)
	if got := s.Stats().Memory.CachedBytes; got != 0 {
		t.Errorf("cached bytes after release: got %d, want 0", got)
	}
	if s.Memory().FindLiveInstance(id) != nil {
		t.Error("released instance is still live")
	}
}

func TestStatsCountUpdates(t *testing.T) {
	model := conditionalModel(t)
	s := newTestSystem(true)
	id := s.NewInstance(model)
	params := program.NewParameters(model.Program)
	for range 3 {
		update(t, s, id, params, AllLODs)
		s.EndUpdate(id)
	}
	if got := s.Stats().Updates; got != 3 {
		t.Errorf("Updates: got %d, want 3", got)
	}
}

func TestGetImageReusesCachedRoot(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		b := program.NewBuilder()
		img := b.Add(program.OpImageInvert, program.ImageInvertArgs{Base: b.PlainImage(red, 8, resource.FormatRGBA8)})
		model := imageModel(t, "invert", b, img)
		s := newTestSystem(inline)
		id := s.NewInstance(model)
		params := program.NewParameters(model.Program)

		inst := update(t, s, id, params, AllLODs)
		first := firstImage(t, s, id, inst)
		plainRuns := s.RunStats().Runs(program.OpImagePlainColour)
		// The caller owns its copy.
		first.Data[0] = 7

		second := firstImage(t, s, id, inst)
		if got := s.RunStats().Prepared(program.OpImageInvert); got != 1 {
			t.Errorf("inverts prepared: got %d, want 1", got)
		}
		if got := s.RunStats().Runs(program.OpImagePlainColour); got != plainRuns {
			t.Errorf("base runs: got %d, want %d", got, plainRuns)
		}
		if c := second.ColorAt(0, 0); c.R != 0 || c.G != 255 || c.B != 255 {
			t.Errorf("second read: got %v, want cyan", c)
		}
		if n := s.Memory().CheckHitCountsCleared(s.Memory().FindLiveInstance(id).Cache); n != 0 {
			t.Errorf("%d resource results still expect reads", n)
		}
		s.EndUpdate(id)

		// A new update builds it again.
		inst = update(t, s, id, params, AllLODs)
		firstImage(t, s, id, inst)
		if got := s.RunStats().Prepared(program.OpImageInvert); got != 2 {
			t.Errorf("inverts prepared after a new update: got %d, want 2", got)
		}
		s.EndUpdate(id)
	})
}

func TestFailedUpdateForcesFullBuild(t *testing.T) {
	model, payloads := streamedModel(t)
	st := newMemStreamer(payloads)
	s := newTestSystem(true, WithStreamer(st))
	id := s.NewInstance(model)
	params := program.NewParameters(model.Program)

	inst := update(t, s, id, params, AllLODs)
	ref := inst.LODs[0].Images[0].ID
	firstImage(t, s, id, inst)
	s.EndUpdate(id)

	s.ClearWorkingMemory()
	st.mu.Lock()
	saved := st.payloads[1]
	delete(st.payloads, 1)
	st.mu.Unlock()

	s.BeginUpdate(id, params, 0, AllLODs)
	if !errors.Is(s.LastError(), ErrTaskPrepare) {
		t.Fatalf("LastError: got %v, want %v", s.LastError(), ErrTaskPrepare)
	}
	if li := s.Memory().FindLiveInstance(id); li.OldParameters != nil {
		t.Error("a failed update should forget its parameters")
	}
	if img := s.GetImage(id, ref, 0); !errors.Is(s.LastError(), ErrInvalidState) || img.SizeX != 16 {
		t.Errorf("GetImage after a failed update: got %v and a %dx%d image", s.LastError(), img.SizeX, img.SizeY)
	}

	st.mu.Lock()
	st.payloads[1] = saved
	st.mu.Unlock()
	inst = update(t, s, id, params, AllLODs)
	if c := firstImage(t, s, id, inst).ColorAt(1, 1); c.G != 255 || c.R != 0 {
		t.Errorf("rebuilt image: got %v, want green", c)
	}
	s.EndUpdate(id)
}
