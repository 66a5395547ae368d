package vm

import (
	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

// issueOp returns the issued task for item, or nil if the stage runs
// inline.
func (r *CodeRunner) issueOp(item ScheduledOp) issuedTask {
	p := r.prog
	t := p.OpType(item.At)
	b := taskBase{op: item, opType: t}

	switch t {
	case program.OpImageConstant:
		i := program.OpArgs[program.TableConstantArgs](p, item.At).Value
		if rom := p.ConstantImages[i].Rom; rom >= 0 && !r.model.IsRomLoaded(rom) {
			return &romLoadTask{taskBase: b, rom: rom, index: i}
		}
	case program.OpMeshConstant:
		i := program.OpArgs[program.TableConstantArgs](p, item.At).Value
		if rom := p.ConstantMeshes[i].Rom; rom >= 0 && !r.model.IsRomLoaded(rom) {
			return &romLoadTask{taskBase: b, rom: rom, index: i, mesh: true}
		}

	case program.OpImageParameter, program.OpMeshParameter:
		if r.sys.provider == nil {
			return nil
		}
		i := program.OpArgs[program.ParameterArgs](p, item.At).Parameter
		pos := r.paramPositions(item, i)
		if t == program.OpImageParameter {
			return &externalLoadTask{taskBase: b, id: r.params.GetImageValue(i, pos)}
		}
		return &externalLoadTask{taskBase: b, id: r.params.GetMeshValue(i, pos), mesh: true}
	case program.OpImageReference, program.OpMeshReference:
		args := program.OpArgs[program.ReferenceArgs](p, item.At)
		if !args.ForceLoad || r.sys.provider == nil {
			return nil
		}
		return &externalLoadTask{taskBase: b, id: args.ID, mesh: t == program.OpMeshReference}

	case program.OpImagePixelFormat, program.OpImageLayerColour, program.OpImageMipmap,
		program.OpImageSwizzle, program.OpImageSaturate, program.OpImageInvert,
		program.OpImageResize, program.OpImageResizeRel, program.OpImageLayer:
		if item.Stage == 1 {
			return &kernelTask{taskBase: b}
		}
	case program.OpImageCompose:
		if item.Stage == 2 {
			return &kernelTask{taskBase: b}
		}
	}
	return nil
}

// kernelTask is an issued image operation. prepare loads the operands
// and allocates the result on the scheduler; the kernel runs on a
// worker; complete releases the operands and stores the result. When
// prepare can decide the result without a kernel, complete only stores
// it.
type kernelTask struct {
	taskBase
	result   *resource.Image
	operands []*resource.Image
	kernel   func()
}

func (t *kernelTask) doWork() {
	if t.kernel != nil {
		t.kernel()
	}
}

func (t *kernelTask) complete(r *CodeRunner) error {
	for _, o := range t.operands {
		r.mem.Release(o)
	}
	r.mem.StoreImage(t.op.Address(), t.result)
	return nil
}

// load reads an image operand and remembers it for release.
func (t *kernelTask) load(r *CodeRunner, at program.Address) *resource.Image {
	if at == 0 {
		return nil
	}
	img := r.mem.LoadImage(child(at, t.op).Address())
	if img != nil {
		t.operands = append(t.operands, img)
	}
	return img
}

// scratch allocates a temporary released on completion.
func (t *kernelTask) scratch(r *CodeRunner, sizeX, sizeY uint16, lods uint8, f resource.Format) *resource.Image {
	img := r.mem.CreateImage(sizeX, sizeY, lods, f, false)
	t.operands = append(t.operands, img)
	return img
}

// fit returns img, or a scratch to be filled by scaling img to the size
// of base inside the kernel.
func (t *kernelTask) fit(r *CodeRunner, base, img *resource.Image) (src, scaled *resource.Image) {
	if img == nil || len(img.Data) == 0 || (img.SizeX == base.SizeX && img.SizeY == base.SizeY) {
		return img, nil
	}
	return img, t.scratch(r, base.SizeX, base.SizeY, 1, img.Format)
}

// takeOver makes base the mutable result. Once taken over it is no
// longer an operand to release.
func (t *kernelTask) takeOver(r *CodeRunner, base *resource.Image) *resource.Image {
	for i, o := range t.operands {
		if o == base {
			t.operands = append(t.operands[:i], t.operands[i+1:]...)
			break
		}
	}
	return r.mem.CloneOrTakeOverImage(base)
}

// pass stores img unchanged.
func (t *kernelTask) pass(img *resource.Image) (bool, error) {
	for i, o := range t.operands {
		if o == img {
			t.operands = append(t.operands[:i], t.operands[i+1:]...)
			break
		}
	}
	t.result = img
	return false, nil
}

func (t *kernelTask) prepare(r *CodeRunner) (bool, error) {
	p := r.prog
	at := t.op.At
	switch t.opType {
	case program.OpImagePixelFormat:
		args := program.OpArgs[program.ImagePixelFormatArgs](p, at)
		src := t.load(r, args.Source)
		if src == nil || src.IsReference() || src.Format == args.Format {
			return t.pass(src)
		}
		dst := r.mem.CreateImage(src.SizeX, src.SizeY, src.LODs, args.Format, false)
		t.result = dst
		t.kernel = func() { resource.ConvertFormat(dst, src) }

	case program.OpImageLayerColour:
		args := program.OpArgs[program.ImageLayerColourArgs](p, at)
		base := t.load(r, args.Base)
		mask := t.load(r, args.Mask)
		col := resource.Color{0, 0, 0, 1}
		if args.Colour != 0 {
			col = r.cache().GetColour(fullChild(args.Colour, t.op).Address())
		}
		if base == nil || base.IsReference() {
			return t.pass(base)
		}
		res := t.takeOver(r, base)
		mask, scaled := t.fit(r, res, mask)
		t.result = res
		t.kernel = func() {
			if scaled != nil {
				resource.Resize(scaled, mask)
				mask = scaled
			}
			resource.LayerColour(res, mask, col, args.Blend)
			resource.GenerateMipmaps(res)
		}

	case program.OpImageMipmap:
		args := program.OpArgs[program.ImageMipmapArgs](p, at)
		src := t.load(r, args.Source)
		if src == nil || src.IsReference() {
			return t.pass(src)
		}
		levels := args.Levels
		if maxLevels := resource.MaxLODs(src.SizeX, src.SizeY); levels == 0 || levels > maxLevels {
			levels = maxLevels
		}
		if src.LODs == levels {
			return t.pass(src)
		}
		dst := r.mem.CreateImage(src.SizeX, src.SizeY, levels, src.Format, false)
		t.result = dst
		t.kernel = func() {
			copy(dst.LOD(0), src.LOD(0))
			resource.GenerateMipmaps(dst)
		}

	case program.OpImageSwizzle:
		args := program.OpArgs[program.ImageSwizzleArgs](p, at)
		var sources [4]*resource.Image
		var first *resource.Image
		for i, s := range args.Sources {
			sources[i] = t.load(r, s)
			if first == nil && sources[i] != nil && len(sources[i].Data) > 0 {
				first = sources[i]
			}
		}
		if first == nil {
			t.result = nil
			return false, nil
		}
		dst := r.mem.CreateImage(first.SizeX, first.SizeY, first.LODs, args.Format, true)
		t.result = dst
		t.kernel = func() {
			resource.Swizzle(dst, sources, args.Channels)
			resource.GenerateMipmaps(dst)
		}

	case program.OpImageSaturate:
		args := program.OpArgs[program.ImageSaturateArgs](p, at)
		base := t.load(r, args.Base)
		factor := float32(1)
		if args.Factor != 0 {
			factor = r.cache().GetScalar(fullChild(args.Factor, t.op).Address())
		}
		if base == nil || base.IsReference() || abs32(factor-1) < 1e-6 {
			return t.pass(base)
		}
		res := t.takeOver(r, base)
		t.result = res
		t.kernel = func() { resource.Saturate(res, factor) }

	case program.OpImageInvert:
		args := program.OpArgs[program.ImageInvertArgs](p, at)
		base := t.load(r, args.Base)
		if base == nil || base.IsReference() {
			return t.pass(base)
		}
		res := t.takeOver(r, base)
		t.result = res
		t.kernel = func() { resource.Invert(res) }

	case program.OpImageResize, program.OpImageResizeRel:
		var src *resource.Image
		var w, h uint16
		if t.opType == program.OpImageResize {
			args := program.OpArgs[program.ImageResizeArgs](p, at)
			src = t.load(r, args.Source)
			w, h, _ = skippedSize(args.Size[0], args.Size[1], resource.MaxLODs(args.Size[0], args.Size[1]), int(t.op.ExecutionOptions))
		} else {
			args := program.OpArgs[program.ImageResizeRelArgs](p, at)
			src = t.load(r, args.Source)
			if src != nil {
				w = uint16(max(float32(src.SizeX)*args.Factor[0], 1))
				h = uint16(max(float32(src.SizeY)*args.Factor[1], 1))
			}
		}
		if src == nil || src.IsReference() || (src.SizeX == w && src.SizeY == h) {
			return t.pass(src)
		}
		lods := min(src.LODs, resource.MaxLODs(w, h))
		dst := r.mem.CreateImage(w, h, lods, src.Format, false)
		t.result = dst
		t.kernel = func() { resource.Resize(dst, src) }

	case program.OpImageLayer:
		args := program.OpArgs[program.ImageLayerArgs](p, at)
		base := t.load(r, args.Base)
		blended := t.load(r, args.Blended)
		mask := t.load(r, args.Mask)
		if base == nil || base.IsReference() {
			return t.pass(base)
		}
		if blended == nil {
			return t.pass(base)
		}
		res := t.takeOver(r, base)
		blended, scaledBlended := t.fit(r, res, blended)
		mask, scaledMask := t.fit(r, res, mask)
		t.result = res
		t.kernel = func() {
			if scaledBlended != nil {
				resource.Resize(scaledBlended, blended)
				blended = scaledBlended
			}
			if scaledMask != nil {
				resource.Resize(scaledMask, mask)
				mask = scaledMask
			}
			resource.Layer(res, blended, mask, args.Blend)
			resource.GenerateMipmaps(res)
		}

	case program.OpImageCompose:
		args := program.OpArgs[program.ImageComposeArgs](p, at)
		base := t.load(r, args.Base)
		var block *resource.Image
		if t.op.CustomState > 0 {
			block = t.load(r, args.BlockImage)
		}
		if base == nil || base.IsReference() || block == nil {
			return t.pass(base)
		}
		layout := r.cache().GetLayout(fullChild(args.Layout, t.op).Address())
		index := int(t.op.CustomState) - 1
		res := t.takeOver(r, base)
		t.result = res
		t.kernel = func() { resource.Compose(res, block, layout, index) }
	}
	return t.kernel != nil, nil
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
