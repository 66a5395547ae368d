package vm

import (
	"errors"
	"testing"
	"time"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

// imageModel wraps img as the only image of a one-LOD instance.
func imageModel(t *testing.T, name string, b *program.Builder, img program.Address) *program.Model {
	t.Helper()
	b.State(program.State{Name: "default", Root: b.Add(program.OpInstanceAddImage, program.InstanceAddResourceArgs{Resource: img})})
	return build(t, name, b)
}

// imageOf builds the only image of model.
func imageOf(t *testing.T, s *System, model *program.Model, params *program.Parameters) *resource.Image {
	t.Helper()
	if params == nil {
		params = program.NewParameters(model.Program)
	}
	id := s.NewInstance(model)
	inst := update(t, s, id, params, AllLODs)
	img := firstImage(t, s, id, inst)
	if n := s.Memory().CheckHitCountsCleared(s.Memory().FindLiveInstance(id).Cache); n != 0 {
		t.Errorf("%d resource results still expect reads", n)
	}
	s.EndUpdate(id)
	return img
}

func TestDeadlockAbortsRun(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		b := program.NewBuilder()
		never := b.Add(program.OpNone, program.NoArgs{})
		root := b.Add(program.OpConditional, program.ConditionalArgs{DataType: program.DataInstance, Yes: never})
		b.State(program.State{Root: root})
		model := build(t, "deadlock", b)

		s := newTestSystem(inline)
		id := s.NewInstance(model)
		inst := s.BeginUpdate(id, program.NewParameters(model.Program), 0, AllLODs)
		if !errors.Is(s.LastError(), ErrDeadlock) {
			t.Errorf("LastError: got %v, want %v", s.LastError(), ErrDeadlock)
		}
		if !inst.IsEmpty() {
			t.Error("a deadlocked update should return an empty instance")
		}
		if got := s.Stats().Deadlocks; got != 1 {
			t.Errorf("Deadlocks: got %d, want 1", got)
		}

		// The system stays usable.
		other := conditionalModel(t)
		update(t, s, s.NewInstance(other), program.NewParameters(other.Program), AllLODs)
	})
}

// chainModel colours an image by a chain of 50 additions, halved.
func chainModel(t *testing.T) *program.Model {
	b := program.NewBuilder()
	one := b.Scalar(1)
	sum := b.Scalar(0)
	for range 50 {
		sum = b.Add(program.OpScalarArithmetic, program.ArithmeticArgs{Operation: program.ArithmeticAdd, A: sum, B: one})
	}
	half := b.Add(program.OpScalarArithmetic, program.ArithmeticArgs{Operation: program.ArithmeticDivide, A: sum, B: b.Scalar(100)})
	img := b.Add(program.OpImagePlainColour, program.ImagePlainColourArgs{
		Colour: b.Add(program.OpColourFromScalars, program.ColourFromScalarsArgs{V: [4]program.Address{half}}),
		Size:   [2]uint16{4, 4},
		LODs:   1,
		Format: resource.FormatRGBA8,
	})
	return imageModel(t, "chain", b, img)
}

func TestDependencyChain(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		model := chainModel(t)
		s := newTestSystem(inline)
		got := imageOf(t, s, model, nil).ColorAt(0, 0)
		if got.R != 128 || got.A != 255 {
			t.Errorf("pixel: got %v, want R 128 and opaque", got)
		}
		if n := s.RunStats().Runs(program.OpScalarArithmetic); n != 2*51 {
			t.Errorf("arithmetic runs: got %d, want %d", n, 2*51)
		}
	})
}

func TestInvertChain(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		b := program.NewBuilder()
		img := b.PlainImage(red, 8, resource.FormatRGBA8)
		for range 7 {
			img = b.Add(program.OpImageInvert, program.ImageInvertArgs{Base: img})
		}
		model := imageModel(t, "inverts", b, img)

		s := newTestSystem(inline)
		got := imageOf(t, s, model, nil).ColorAt(2, 2)
		if got.R != 0 || got.G != 255 || got.B != 255 || got.A != 255 {
			t.Errorf("pixel: got %v, want cyan", got)
		}
		// Only the first invert clones; the rest take over.
		if n := s.Stats().Memory.TakeOvers; n < 6 {
			t.Errorf("TakeOvers: got %d, want at least 6", n)
		}
	})
}

func TestTaskFinishedInPrepare(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		b := program.NewBuilder()
		// The source already has one level, so no kernel is needed.
		img := b.Add(program.OpImageMipmap, program.ImageMipmapArgs{Source: b.PlainImage(blue, 8, resource.FormatRGBA8), Levels: 1})
		model := imageModel(t, "pass", b, img)

		s := newTestSystem(inline)
		got := imageOf(t, s, model, nil).ColorAt(1, 1)
		if got.B != 255 || got.R != 0 {
			t.Errorf("pixel: got %v, want blue", got)
		}
		if n := s.RunStats().Completed(program.OpImageMipmap); n != 1 {
			t.Errorf("mipmaps completed: got %d, want 1", n)
		}
		if n := s.RunStats().Worked(program.OpImageMipmap); n != 0 {
			t.Errorf("mipmap kernels: got %d, want 0", n)
		}
	})
}

func TestSharedOperandRunsOnce(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		b := program.NewBuilder()
		shared := b.PlainImage(black, 8, resource.FormatRGBA8)
		acc := b.Add(program.OpImageInvert, program.ImageInvertArgs{Base: shared})
		for range 12 {
			inv := b.Add(program.OpImageInvert, program.ImageInvertArgs{Base: shared})
			acc = b.Add(program.OpImageLayer, program.ImageLayerArgs{Base: acc, Blended: inv, Blend: resource.BlendMultiply})
		}
		model := imageModel(t, "shared", b, acc)

		s := newTestSystem(inline)
		got := imageOf(t, s, model, nil).ColorAt(0, 0)
		if got.R != 255 || got.G != 255 || got.B != 255 {
			t.Errorf("pixel: got %v, want white", got)
		}
		if n := s.RunStats().Runs(program.OpImagePlainColour); n != 2 {
			t.Errorf("shared operand runs: got %d, want 2", n)
		}
		if n := s.RunStats().Completed(program.OpImageInvert); n != 13 {
			t.Errorf("inverts completed: got %d, want 13", n)
		}
	})
}

func TestTimesliceYields(t *testing.T) {
	settings := DefaultSettings()
	settings.Checks = true
	settings.Timeslice = time.Nanosecond
	s := NewSystem(settings)

	got := imageOf(t, s, chainModel(t), nil).ColorAt(0, 0)
	if got.R != 128 || got.A != 255 {
		t.Errorf("pixel: got %v, want R 128 and opaque", got)
	}
	if s.Stats().Yields == 0 {
		t.Error("Yields: got 0 with a one nanosecond time slice")
	}
}

func TestMemoryGateHoldsTasks(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		b := program.NewBuilder()
		shared := b.PlainImage(black, 8, resource.FormatRGBA8)
		acc := b.Add(program.OpImageInvert, program.ImageInvertArgs{Base: shared})
		for range 6 {
			inv := b.Add(program.OpImageInvert, program.ImageInvertArgs{Base: shared})
			acc = b.Add(program.OpImageLayer, program.ImageLayerArgs{Base: acc, Blended: inv, Blend: resource.BlendMultiply})
		}
		model := imageModel(t, "gated", b, acc)

		settings := DefaultSettings()
		settings.ForceInline = inline
		settings.Checks = true
		settings.BudgetBytes = 1
		s := NewSystem(settings)

		got := imageOf(t, s, model, nil).ColorAt(0, 0)
		if got.R != 255 || got.G != 255 || got.B != 255 {
			t.Errorf("pixel: got %v, want white", got)
		}
		if s.Stats().Held == 0 {
			t.Error("Held: got 0 with the budget always full")
		}
		if n := s.RunStats().Completed(program.OpImageInvert); n != 7 {
			t.Errorf("inverts completed: got %d, want 7", n)
		}
	})
}

func streamedModel(t *testing.T) (*program.Model, map[uint32][]byte) {
	b := program.NewBuilder()
	src := resource.NewImage(8, 8, 1, resource.FormatRGBA8)
	resource.FillColour(src, green)
	ci := b.ConstantImage(src, true)
	a := b.Add(program.OpImageConstant, program.TableConstantArgs{Value: ci})
	c := b.Add(program.OpImageConstant, program.TableConstantArgs{Value: ci})
	layered := b.Add(program.OpImageLayer, program.ImageLayerArgs{Base: a, Blended: c, Blend: resource.BlendMultiply})
	model := imageModel(t, "streamed", b, layered)
	return model, b.RomPayloads()
}

func TestStreamedConstant(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		model, payloads := streamedModel(t)
		st := newMemStreamer(payloads)
		s := newTestSystem(inline, WithStreamer(st))

		got := imageOf(t, s, model, nil).ColorAt(4, 4)
		if got.G != 255 || got.R != 0 {
			t.Errorf("pixel: got %v, want green", got)
		}
		begun, ended := st.counts()
		if begun != 1 || ended != 1 {
			t.Errorf("reads: got %d begun and %d ended, want one shared read", begun, ended)
		}
		if !model.IsRomLoaded(0) {
			t.Error("rom should stay resident without a budget")
		}
		if s.Stats().Memory.RomBytes == 0 {
			t.Error("RomBytes: got 0 for a resident rom")
		}

		// Resident roms are not read again.
		imageOf(t, s, model, nil)
		if begun, _ := st.counts(); begun != 1 {
			t.Errorf("reads after reuse: got %d, want 1", begun)
		}
	})
}

func TestStreamedConstantFailedRead(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		model, payloads := streamedModel(t)
		st := newMemStreamer(payloads)
		st.failing[1] = true
		s := newTestSystem(inline, WithStreamer(st))
		id := s.NewInstance(model)
		inst := update(t, s, id, program.NewParameters(model.Program), AllLODs)

		// Missing rom data is not an error; the image is empty.
		img := firstImage(t, s, id, inst)
		if img.SizeX != 16 {
			t.Errorf("got a %dx%d image, want the placeholder", img.SizeX, img.SizeY)
		}
		if model.IsRomLoaded(0) {
			t.Error("rom should not be resident")
		}
		begun, ended := st.counts()
		if begun != 1 || ended != begun {
			t.Errorf("reads: got %d begun and %d ended, want one read ended once", begun, ended)
		}
	})
}

func TestStreamedConstantReadNotStarted(t *testing.T) {
	tests := []struct {
		name string
		opts func(st *memStreamer) []Option
	}{
		{"missing payload", func(st *memStreamer) []Option {
			delete(st.payloads, 1)
			return []Option{WithStreamer(st)}
		}},
		{"no streamer", func(*memStreamer) []Option { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bothModes(t, func(t *testing.T, inline bool) {
				model, payloads := streamedModel(t)
				st := newMemStreamer(payloads)
				s := newTestSystem(inline, tt.opts(st)...)
				id := s.NewInstance(model)

				inst := s.BeginUpdate(id, program.NewParameters(model.Program), 0, AllLODs)
				if !errors.Is(s.LastError(), ErrTaskPrepare) || !errors.Is(s.LastError(), ErrStreamRead) {
					t.Errorf("LastError: got %v, want %v wrapping %v", s.LastError(), ErrTaskPrepare, ErrStreamRead)
				}
				if !inst.IsEmpty() {
					t.Error("a failed update should return an empty instance")
				}
				if got := s.Stats().Failures; got != 1 {
					t.Errorf("Failures: got %d, want 1", got)
				}
				if begun, ended := st.counts(); begun != ended {
					t.Errorf("reads: got %d begun and %d ended", begun, ended)
				}
				if s.Stats().Memory.TemporaryBytes != 0 {
					t.Errorf("TemporaryBytes after abort: got %d, want 0", s.Stats().Memory.TemporaryBytes)
				}
			})
		})
	}
}

func TestExternalImageParameter(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		b := program.NewBuilder()
		tex := b.Parameter(program.ParamDesc{Name: "texture", Type: program.ParamImage})
		img := b.Add(program.OpImageInvert, program.ImageInvertArgs{Base: b.ParameterOp(program.OpImageParameter, tex)})
		model := imageModel(t, "external", b, img)

		pv := newMemProvider()
		ext := resource.NewImage(8, 8, 1, resource.FormatRGBA8)
		resource.FillColour(ext, red)
		pv.images[7] = ext

		s := newTestSystem(inline, WithResourceProvider(pv))
		params := program.NewParameters(model.Program)
		params.SetImageValue(tex, 7)
		got := imageOf(t, s, model, params).ColorAt(1, 1)
		if got.R != 0 || got.G != 255 || got.B != 255 {
			t.Errorf("pixel: got %v, want inverted red", got)
		}
		if c := ext.ColorAt(1, 1); c.R != 255 {
			t.Error("provider image was modified")
		}
		requests, cleanups := pv.stats()
		if requests != 1 || cleanups != 1 {
			t.Errorf("provider: got %d requests and %d cleanups, want 1 and 1", requests, cleanups)
		}
	})
}

func TestExternalMeshParameter(t *testing.T) {
	b := program.NewBuilder()
	shape := b.Parameter(program.ParamDesc{Name: "shape", Type: program.ParamMesh})
	mesh := b.ParameterOp(program.OpMeshParameter, shape)
	b.State(program.State{Root: b.Add(program.OpInstanceAddMesh, program.InstanceAddResourceArgs{Resource: mesh})})
	model := build(t, "external-mesh", b)

	pv := newMemProvider()
	pv.meshes[3] = &resource.Mesh{Positions: []float32{1, 2, 3}, Indices: []uint32{0, 0, 0}}
	s := newTestSystem(false, WithResourceProvider(pv))
	id := s.NewInstance(model)
	params := program.NewParameters(model.Program)
	params.SetMeshValue(shape, 3)
	inst := update(t, s, id, params, AllLODs)
	got := s.GetMesh(id, inst.LODs[0].Meshes[0].ID)
	if got.VertexCount() != 1 || got.Positions[2] != 3 {
		t.Errorf("mesh: got %+v", got)
	}
	if _, cleanups := pv.stats(); cleanups != 1 {
		t.Errorf("cleanups: got %d, want 1", cleanups)
	}
}

func TestImageReference(t *testing.T) {
	b := program.NewBuilder()
	ref := b.Add(program.OpImageReference, program.ReferenceArgs{ID: 42})
	model := imageModel(t, "reference", b, ref)

	s := newTestSystem(true)
	img := imageOf(t, s, model, nil)
	if !img.IsReference() || img.ReferenceID != 42 {
		t.Errorf("got %+v, want a reference to 42", img.Desc())
	}
}

func TestMultiLayerOverRange(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		b := program.NewBuilder()
		layers := b.Range("layers")
		weight := b.Parameter(program.ParamDesc{Name: "weight", Type: program.ParamFloat, Ranges: []int{layers}})
		blended := b.Add(program.OpImagePlainColour, program.ImagePlainColourArgs{
			Colour: b.Add(program.OpColourFromScalars, program.ColourFromScalarsArgs{
				V: [4]program.Address{b.ParameterOp(program.OpScalarParameter, weight)},
			}),
			Size:   [2]uint16{8, 8},
			LODs:   1,
			Format: resource.FormatRGBA8,
		})
		img := b.Add(program.OpImageMultiLayer, program.ImageMultiLayerArgs{
			Base:      b.PlainImage(black, 8, resource.FormatRGBA8),
			Blended:   blended,
			RangeSize: b.Int(3),
			RangeID:   layers,
			Blend:     resource.BlendLighten,
		})
		model := imageModel(t, "multilayer", b, img)

		params := program.NewParameters(model.Program)
		params.SetFloatValue(weight, 0.25, 0)
		params.SetFloatValue(weight, 0.75, 1)
		params.SetFloatValue(weight, 0.5, 2)

		s := newTestSystem(inline)
		got := imageOf(t, s, model, params).ColorAt(3, 3)
		if got.R != 191 || got.G != 0 {
			t.Errorf("pixel: got %v, want R 191", got)
		}
		// One blended image per iteration, each two stages.
		if n := s.RunStats().Runs(program.OpImagePlainColour); n != 2+3*2 {
			t.Errorf("plain colour runs: got %d, want %d", n, 2+3*2)
		}
	})
}

func TestInterpolate(t *testing.T) {
	tests := []struct {
		name   string
		factor float32
		want   uint8
	}{
		{"first", 0, 0},
		{"halfway", 0.5, 128},
		{"last", 1, 255},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := program.NewBuilder()
			img := b.Add(program.OpImageInterpolate, program.ImageInterpolateArgs{
				Factor: b.Scalar(tt.factor),
				Targets: []program.Address{
					b.PlainImage(black, 8, resource.FormatRGBA8),
					b.PlainImage(white, 8, resource.FormatRGBA8),
				},
			})
			model := imageModel(t, "interpolate", b, img)
			s := newTestSystem(false)
			got := imageOf(t, s, model, nil).ColorAt(0, 0)
			if got.R != tt.want || got.B != tt.want {
				t.Errorf("pixel: got %v, want grey %d", got, tt.want)
			}
		})
	}
}

func TestCompose(t *testing.T) {
	bothModes(t, func(t *testing.T, inline bool) {
		b := program.NewBuilder()
		layout := b.Layout(resource.Layout{
			Size:   [2]uint16{2, 2},
			Blocks: []resource.LayoutBlock{{ID: 3, Min: [2]uint16{0, 0}, Size: [2]uint16{1, 1}}, {ID: 7, Min: [2]uint16{1, 0}, Size: [2]uint16{1, 1}}},
		})
		img := b.Add(program.OpImageCompose, program.ImageComposeArgs{
			Layout:     b.Add(program.OpLayoutConstant, program.TableConstantArgs{Value: layout}),
			Base:       b.PlainImage(black, 16, resource.FormatRGBA8),
			BlockImage: b.PlainImage(red, 4, resource.FormatRGBA8),
			BlockID:    7,
		})
		model := imageModel(t, "compose", b, img)

		s := newTestSystem(inline)
		got := imageOf(t, s, model, nil)
		if c := got.ColorAt(12, 4); c.R != 255 {
			t.Errorf("inside block: got %v, want red", c)
		}
		for _, p := range [][2]int{{4, 4}, {4, 12}, {12, 12}} {
			if c := got.ColorAt(p[0], p[1]); c.R != 0 {
				t.Errorf("outside block at %v: got %v, want black", p, c)
			}
		}
	})
}

func TestComposeMissingBlock(t *testing.T) {
	b := program.NewBuilder()
	layout := b.Layout(resource.Layout{Size: [2]uint16{1, 1}, Blocks: []resource.LayoutBlock{{ID: 1, Size: [2]uint16{1, 1}}}})
	img := b.Add(program.OpImageCompose, program.ImageComposeArgs{
		Layout:     b.Add(program.OpLayoutConstant, program.TableConstantArgs{Value: layout}),
		Base:       b.PlainImage(black, 8, resource.FormatRGBA8),
		BlockImage: b.PlainImage(red, 8, resource.FormatRGBA8),
		BlockID:    99,
	})
	model := imageModel(t, "compose-missing", b, img)

	s := newTestSystem(true)
	if c := imageOf(t, s, model, nil).ColorAt(2, 2); c.R != 0 {
		t.Errorf("pixel: got %v, want the untouched base", c)
	}
	// The block image is never built.
	if n := s.RunStats().Runs(program.OpImagePlainColour); n != 2 {
		t.Errorf("plain colour runs: got %d, want 2", n)
	}
}

func TestBoolOperatorsShortCircuit(t *testing.T) {
	b := program.NewBuilder()
	flag := b.Parameter(program.ParamDesc{Name: "flag", Type: program.ParamBool})
	never := b.Add(program.OpNone, program.NoArgs{})
	and := b.Add(program.OpBoolAnd, program.BoolBinaryArgs{A: b.ParameterOp(program.OpBoolParameter, flag), B: never})
	cond := b.Add(program.OpConditional, program.ConditionalArgs{
		DataType:  program.DataImage,
		Condition: and,
		Yes:       b.PlainImage(red, 4, resource.FormatRGBA8),
		No:        b.PlainImage(green, 4, resource.FormatRGBA8),
	})
	model := imageModel(t, "and", b, cond)

	// With flag false the second operand is never evaluated, so the
	// op that would deadlock is never reached.
	s := newTestSystem(true)
	if c := imageOf(t, s, model, nil).ColorAt(0, 0); c.G != 255 {
		t.Errorf("pixel: got %v, want green", c)
	}
}
