package vm

import (
	"math"
	"slices"

	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

// runCode runs one stage of an operation on the scheduler. Stage 0 of
// most operations only schedules their operands.
func (r *CodeRunner) runCode(item ScheduledOp) {
	p := r.prog
	c := r.cache()
	at := item.Address()

	switch t := p.OpType(item.At); t {
	case program.OpNone:
		// Produces nothing; anything waiting on it deadlocks.

	case program.OpBoolConstant:
		c.SetBool(at, program.OpArgs[program.BoolConstantArgs](p, item.At).Value)
	case program.OpIntConstant:
		c.SetInt(at, program.OpArgs[program.IntConstantArgs](p, item.At).Value)
	case program.OpScalarConstant:
		c.SetScalar(at, program.OpArgs[program.ScalarConstantArgs](p, item.At).Value)
	case program.OpColourConstant:
		c.SetColour(at, program.OpArgs[program.ColourConstantArgs](p, item.At).Value)
	case program.OpStringConstant:
		c.SetString(at, program.OpArgs[program.StringConstantArgs](p, item.At).Value)
	case program.OpMatrixConstant:
		c.SetMatrix(at, program.OpArgs[program.MatrixConstantArgs](p, item.At).Value)
	case program.OpProjectorConstant:
		c.SetProjector(at, program.OpArgs[program.ProjectorConstantArgs](p, item.At).Value)
	case program.OpLayoutConstant:
		i := program.OpArgs[program.TableConstantArgs](p, item.At).Value
		c.SetLayout(at, &p.Layouts[i])
	case program.OpExtensionDataConstant:
		i := program.OpArgs[program.TableConstantArgs](p, item.At).Value
		c.SetExtensionData(at, &p.ExtensionData[i])

	case program.OpBoolParameter, program.OpIntParameter, program.OpScalarParameter,
		program.OpColourParameter, program.OpStringParameter, program.OpMatrixParameter,
		program.OpProjectorParameter:
		r.runParameter(item, t)

	case program.OpBoolAnd, program.OpBoolOr:
		r.runBoolBinary(item, t == program.OpBoolAnd)

	case program.OpBoolNot:
		args := program.OpArgs[program.BoolNotArgs](p, item.At)
		switch item.Stage {
		case 0:
			r.addOp(item.next(1, 0), fullChild(args.Source, item))
		case 1:
			c.SetBool(at, !r.boolOperand(args.Source, item))
		}

	case program.OpBoolEqualIntConst:
		args := program.OpArgs[program.BoolEqualIntConstArgs](p, item.At)
		switch item.Stage {
		case 0:
			r.addOp(item.next(1, 0), fullChild(args.Value, item))
		case 1:
			c.SetBool(at, c.GetInt(fullChild(args.Value, item).Address()) == args.Constant)
		}

	case program.OpScalarArithmetic:
		args := program.OpArgs[program.ArithmeticArgs](p, item.At)
		switch item.Stage {
		case 0:
			r.addOp(item.next(1, 0), fullChild(args.A, item), fullChild(args.B, item))
		case 1:
			a := c.GetScalar(fullChild(args.A, item).Address())
			b := c.GetScalar(fullChild(args.B, item).Address())
			c.SetScalar(at, arithmetic(args.Operation, a, b))
		}

	case program.OpColourFromScalars:
		args := program.OpArgs[program.ColourFromScalarsArgs](p, item.At)
		switch item.Stage {
		case 0:
			deps := make([]ScheduledOp, 0, 4)
			for _, v := range args.V {
				deps = append(deps, fullChild(v, item))
			}
			r.addOp(item.next(1, 0), deps...)
		case 1:
			col := resource.Color{0, 0, 0, 1}
			for i, v := range args.V {
				if v != 0 {
					col[i] = c.GetScalar(fullChild(v, item).Address())
				}
			}
			c.SetColour(at, col)
		}

	case program.OpConditional:
		args := program.OpArgs[program.ConditionalArgs](p, item.At)
		switch item.Stage {
		case 0:
			r.addOp(item.next(1, 0), fullChild(args.Condition, item))
		case 1:
			branch := args.No
			if args.Condition == 0 || c.GetBool(fullChild(args.Condition, item).Address()) {
				branch = args.Yes
			}
			r.selectBranch(item, branch, args.DataType)
		case 2:
			r.forward(item, program.Address(item.CustomState), args.DataType)
		}

	case program.OpSwitch:
		args := program.OpArgs[program.SwitchArgs](p, item.At)
		switch item.Stage {
		case 0:
			r.addOp(item.next(1, 0), fullChild(args.Variable, item))
		case 1:
			var value int32
			if args.Variable != 0 {
				value = c.GetInt(fullChild(args.Variable, item).Address())
			}
			r.selectBranch(item, switchBranch(args, value), args.DataType)
		case 2:
			r.forward(item, program.Address(item.CustomState), args.DataType)
		}

	case program.OpInstanceAddLOD:
		r.runAddLOD(item)
	case program.OpInstanceAddMesh, program.OpInstanceAddImage:
		r.runAddResource(item, t == program.OpInstanceAddMesh)
	case program.OpInstanceAddExtensionData:
		r.runAddExtensionData(item)

	case program.OpMeshConstant:
		i := program.OpArgs[program.TableConstantArgs](p, item.At).Value
		r.mem.StoreMesh(at, r.constantMesh(i))
	case program.OpMeshParameter:
		// Only reached without an external provider.
		log.Warningf("no resource provider for mesh parameter at %s", item)
		r.mem.StoreMesh(at, nil)
	case program.OpMeshReference:
		args := program.OpArgs[program.ReferenceArgs](p, item.At)
		var mesh *resource.Mesh
		if !args.ForceLoad {
			mesh = resource.NewReferenceMesh(args.ID)
			r.mem.Adopt(mesh)
		} else {
			log.Warningf("no resource provider to load mesh %d", args.ID)
		}
		r.mem.StoreMesh(at, mesh)
	case program.OpMeshTransform:
		r.runMeshTransform(item)

	case program.OpImageConstant:
		i := program.OpArgs[program.TableConstantArgs](p, item.At).Value
		r.mem.StoreImage(at, r.constantImage(i, int(item.ExecutionOptions)))
	case program.OpImageParameter:
		log.Warningf("no resource provider for image parameter at %s", item)
		r.mem.StoreImage(at, nil)
	case program.OpImageReference:
		args := program.OpArgs[program.ReferenceArgs](p, item.At)
		var img *resource.Image
		if !args.ForceLoad {
			img = resource.NewReferenceImage(args.ID)
			r.mem.Adopt(img)
		} else {
			log.Warningf("no resource provider to load image %d", args.ID)
		}
		r.mem.StoreImage(at, img)
	case program.OpImagePlainColour:
		r.runPlainColour(item)
	case program.OpImageMultiLayer:
		r.runMultiLayer(item)
	case program.OpImageInterpolate:
		r.runInterpolate(item)
	case program.OpImageCompose:
		// Stage 2 is issued.
		args := program.OpArgs[program.ImageComposeArgs](p, item.At)
		switch item.Stage {
		case 0:
			r.addOp(item.next(1, 0), fullChild(args.Layout, item))
		case 1:
			block := c.GetLayout(fullChild(args.Layout, item).Address()).FindBlock(args.BlockID)
			if block < 0 || args.BlockImage == 0 {
				r.addOp(item.next(2, 0), child(args.Base, item))
			} else {
				r.addOp(item.next(2, uint32(block)+1), child(args.Base, item), child(args.BlockImage, item))
			}
		}

	default:
		// Image ops whose stage 1 is issued.
		if item.Stage == 0 {
			r.addOp(item.next(1, 0), r.imageOperands(item)...)
			return
		}
		log.Errorf("unexpected inline run of %s at %s", t, item)
	}
}

// imageOperands returns the operands an issued image op reads.
func (r *CodeRunner) imageOperands(item ScheduledOp) []ScheduledOp {
	p := r.prog
	switch p.OpType(item.At) {
	case program.OpImagePixelFormat:
		return []ScheduledOp{child(program.OpArgs[program.ImagePixelFormatArgs](p, item.At).Source, item)}
	case program.OpImageLayerColour:
		args := program.OpArgs[program.ImageLayerColourArgs](p, item.At)
		return []ScheduledOp{child(args.Base, item), fullChild(args.Colour, item), child(args.Mask, item)}
	case program.OpImageMipmap:
		return []ScheduledOp{child(program.OpArgs[program.ImageMipmapArgs](p, item.At).Source, item)}
	case program.OpImageSwizzle:
		args := program.OpArgs[program.ImageSwizzleArgs](p, item.At)
		deps := make([]ScheduledOp, 0, 4)
		for _, s := range args.Sources {
			deps = append(deps, child(s, item))
		}
		return deps
	case program.OpImageSaturate:
		args := program.OpArgs[program.ImageSaturateArgs](p, item.At)
		return []ScheduledOp{child(args.Base, item), fullChild(args.Factor, item)}
	case program.OpImageInvert:
		return []ScheduledOp{child(program.OpArgs[program.ImageInvertArgs](p, item.At).Base, item)}
	case program.OpImageResize:
		return []ScheduledOp{child(program.OpArgs[program.ImageResizeArgs](p, item.At).Source, item)}
	case program.OpImageResizeRel:
		return []ScheduledOp{child(program.OpArgs[program.ImageResizeRelArgs](p, item.At).Source, item)}
	case program.OpImageLayer:
		args := program.OpArgs[program.ImageLayerArgs](p, item.At)
		return []ScheduledOp{child(args.Base, item), child(args.Blended, item), child(args.Mask, item)}
	}
	return nil
}

func arithmetic(op program.ArithmeticOp, a, b float32) float32 {
	switch op {
	case program.ArithmeticAdd:
		return a + b
	case program.ArithmeticSubtract:
		return a - b
	case program.ArithmeticMultiply:
		return a * b
	case program.ArithmeticDivide:
		if b == 0 {
			return 0
		}
		return a / b
	}
	return 0
}

func switchBranch(args program.SwitchArgs, value int32) program.Address {
	for _, cs := range args.Cases {
		if cs.Condition == value {
			return cs.Branch
		}
	}
	return args.Default
}

// paramPositions returns the range positions item is evaluated at for
// a parameter, or nil outside any range.
func (r *CodeRunner) paramPositions(item ScheduledOp, param int) []int32 {
	ranges := r.prog.Parameters[param].Ranges
	if len(ranges) == 0 || item.ExecutionIndex == 0 {
		return nil
	}
	return r.cache().ExecutionIndex(item.ExecutionIndex).Positions(ranges)
}

func (r *CodeRunner) runParameter(item ScheduledOp, t program.OpType) {
	c := r.cache()
	at := item.Address()
	i := program.OpArgs[program.ParameterArgs](r.prog, item.At).Parameter
	pos := r.paramPositions(item, i)
	ps := r.params
	switch t {
	case program.OpBoolParameter:
		c.SetBool(at, ps.GetBoolValue(i, pos))
	case program.OpIntParameter:
		v := ps.GetIntValue(i, pos)
		if pv := r.prog.Parameters[i].PossibleValues; len(pv) > 0 &&
			!slices.ContainsFunc(pv, func(d program.IntValueDesc) bool { return d.Value == v }) {
			v = pv[0].Value
		}
		c.SetInt(at, v)
	case program.OpScalarParameter:
		c.SetScalar(at, ps.GetFloatValue(i, pos))
	case program.OpColourParameter:
		c.SetColour(at, ps.GetColourValue(i, pos))
	case program.OpStringParameter:
		c.SetString(at, ps.GetStringValue(i, pos))
	case program.OpMatrixParameter:
		c.SetMatrix(at, ps.GetMatrixValue(i, pos))
	case program.OpProjectorParameter:
		c.SetProjector(at, ps.GetProjectorValue(i, pos))
	}
}

// boolOperand reads a bool operand; the null address reads as true.
func (r *CodeRunner) boolOperand(at program.Address, item ScheduledOp) bool {
	if at == 0 {
		return true
	}
	return r.cache().GetBool(fullChild(at, item).Address())
}

// runBoolBinary evaluates and/or lazily: the second operand is only
// scheduled when the first does not decide the result. Operands already
// in the cache short-circuit before anything is scheduled.
func (r *CodeRunner) runBoolBinary(item ScheduledOp, and bool) {
	args := program.OpArgs[program.BoolBinaryArgs](r.prog, item.At)
	c := r.cache()
	at := item.Address()
	decides := func(v bool) bool { return v != and }
	switch item.Stage {
	case 0:
		for _, x := range []program.Address{args.A, args.B} {
			if x == 0 {
				continue
			}
			xa := fullChild(x, item).Address()
			if c.IsValid(xa) && decides(c.GetBool(xa)) {
				c.SetBool(at, !and)
				return
			}
		}
		r.addOp(item.next(1, 0), fullChild(args.A, item))
	case 1:
		if args.A != 0 && decides(c.GetBool(fullChild(args.A, item).Address())) {
			c.SetBool(at, !and)
			return
		}
		r.addOp(item.next(2, 0), fullChild(args.B, item))
	case 2:
		if args.B == 0 {
			c.SetBool(at, and)
			return
		}
		c.SetBool(at, c.GetBool(fullChild(args.B, item).Address()))
	}
}

// selectBranch schedules the chosen branch of a conditional or switch,
// or stores the empty value when there is none.
func (r *CodeRunner) selectBranch(item ScheduledOp, branch program.Address, t program.DataType) {
	if branch == 0 {
		r.storeEmpty(item.Address(), t)
		return
	}
	r.addOp(item.next(2, uint32(branch)), child(branch, item))
}

// forward copies the result of src to item.
func (r *CodeRunner) forward(item ScheduledOp, src program.Address, t program.DataType) {
	c := r.cache()
	to := item.Address()
	from := child(src, item).Address()
	switch t {
	case program.DataBool:
		c.SetBool(to, c.GetBool(from))
	case program.DataInt:
		c.SetInt(to, c.GetInt(from))
	case program.DataScalar:
		c.SetScalar(to, c.GetScalar(from))
	case program.DataColour:
		c.SetColour(to, c.GetColour(from))
	case program.DataMatrix:
		c.SetMatrix(to, c.GetMatrix(from))
	case program.DataProjector:
		c.SetProjector(to, c.GetProjector(from))
	case program.DataString:
		c.SetString(to, c.GetString(from))
	case program.DataLayout:
		c.SetLayout(to, c.GetLayout(from))
	case program.DataExtensionData:
		c.SetExtensionData(to, c.GetExtensionData(from))
	case program.DataInstance:
		c.SetInstance(to, c.GetInstance(from))
	case program.DataImage:
		r.mem.StoreImage(to, r.mem.LoadImage(from))
	case program.DataMesh:
		r.mem.StoreMesh(to, r.mem.LoadMesh(from))
	}
}

func (r *CodeRunner) storeEmpty(to CacheAddress, t program.DataType) {
	c := r.cache()
	switch t {
	case program.DataBool:
		c.SetBool(to, false)
	case program.DataInt:
		c.SetInt(to, 0)
	case program.DataScalar:
		c.SetScalar(to, 0)
	case program.DataColour:
		c.SetColour(to, resource.Color{})
	case program.DataMatrix:
		c.SetMatrix(to, resource.Identity())
	case program.DataProjector:
		c.SetProjector(to, resource.Projector{})
	case program.DataString:
		c.SetString(to, "")
	case program.DataLayout:
		c.SetLayout(to, nil)
	case program.DataExtensionData:
		c.SetExtensionData(to, nil)
	case program.DataInstance:
		c.SetInstance(to, resource.NewInstance())
	case program.DataImage:
		r.mem.StoreImage(to, nil)
	case program.DataMesh:
		r.mem.StoreMesh(to, nil)
	}
}

// runAddLOD builds an instance with one LOD per operand. LODs outside
// the mask are left empty and never evaluated.
func (r *CodeRunner) runAddLOD(item ScheduledOp) {
	args := program.OpArgs[program.InstanceAddLODArgs](r.prog, item.At)
	c := r.cache()
	selected := func(lod int) bool {
		return lod < 32 && r.lodMask&(1<<lod) != 0 && args.LODs[lod] != 0
	}
	switch item.Stage {
	case 0:
		var deps []ScheduledOp
		for lod, at := range args.LODs {
			if selected(lod) {
				deps = append(deps, fullChild(at, item))
			}
		}
		r.addOp(item.next(1, 0), deps...)
	case 1:
		inst := &resource.Instance{LODs: make([]resource.LOD, len(args.LODs))}
		for lod, at := range args.LODs {
			if !selected(lod) {
				continue
			}
			src := c.GetInstance(fullChild(at, item).Address())
			if src == nil || len(src.LODs) == 0 {
				continue
			}
			inst.LODs[lod] = src.Clone().LODs[0]
		}
		c.SetInstance(item.Address(), inst)
	}
}

// runAddResource attaches the id of a mesh or image to the instance
// operand. The resource itself is not evaluated; its id is derived from
// the parameters it depends on.
func (r *CodeRunner) runAddResource(item ScheduledOp, mesh bool) {
	args := program.OpArgs[program.InstanceAddResourceArgs](r.prog, item.At)
	c := r.cache()
	switch item.Stage {
	case 0:
		r.addOp(item.next(1, 0), fullChild(args.Instance, item))
	case 1:
		var inst *resource.Instance
		if args.Instance != 0 {
			inst = c.GetInstance(fullChild(args.Instance, item).Address())
		}
		inst = inst.Clone()
		if args.Resource != 0 {
			ref := resource.ResourceRef{
				ID:   r.mem.GetResourceKey(r.model, r.params, args.Resource),
				Name: args.Name,
			}
			lod := inst.FirstLOD()
			if mesh {
				lod.Meshes = append(lod.Meshes, ref)
			} else {
				lod.Images = append(lod.Images, ref)
			}
		}
		c.SetInstance(item.Address(), inst)
	}
}

func (r *CodeRunner) runAddExtensionData(item ScheduledOp) {
	args := program.OpArgs[program.InstanceAddResourceArgs](r.prog, item.At)
	c := r.cache()
	switch item.Stage {
	case 0:
		r.addOp(item.next(1, 0), fullChild(args.Instance, item), fullChild(args.Resource, item))
	case 1:
		var inst *resource.Instance
		if args.Instance != 0 {
			inst = c.GetInstance(fullChild(args.Instance, item).Address())
		}
		inst = inst.Clone()
		if args.Resource != 0 {
			if data := c.GetExtensionData(fullChild(args.Resource, item).Address()); data != nil {
				lod := inst.FirstLOD()
				lod.ExtensionData = append(lod.ExtensionData, resource.NamedExtensionData{Name: args.Name, Data: data})
			}
		}
		c.SetInstance(item.Address(), inst)
	}
}

func (r *CodeRunner) runMeshTransform(item ScheduledOp) {
	args := program.OpArgs[program.MeshTransformArgs](r.prog, item.At)
	switch item.Stage {
	case 0:
		r.addOp(item.next(1, 0), child(args.Source, item), fullChild(args.Matrix, item))
	case 1:
		src := r.mem.LoadMesh(child(args.Source, item).Address())
		if src == nil || src.IsReference() {
			r.mem.StoreMesh(item.Address(), src)
			return
		}
		m := resource.Identity()
		if args.Matrix != 0 {
			m = r.cache().GetMatrix(fullChild(args.Matrix, item).Address())
		}
		out := r.mem.CloneOrTakeOverMesh(src)
		for v := 0; v+2 < len(out.Positions); v += 3 {
			x, y, z := out.Positions[v], out.Positions[v+1], out.Positions[v+2]
			out.Positions[v] = m[0]*x + m[1]*y + m[2]*z + m[3]
			out.Positions[v+1] = m[4]*x + m[5]*y + m[6]*z + m[7]
			out.Positions[v+2] = m[8]*x + m[9]*y + m[10]*z + m[11]
		}
		r.mem.StoreMesh(item.Address(), out)
	}
}

// skippedSize returns the size and LOD count of an image after
// dropping mips largest LODs.
func skippedSize(sizeX, sizeY uint16, lods uint8, mips int) (uint16, uint16, uint8) {
	if lods == 0 {
		lods = 1
	}
	mips = min(mips, int(lods)-1)
	if mips <= 0 {
		return sizeX, sizeY, lods
	}
	w, h := resource.ImageDesc{SizeX: sizeX, SizeY: sizeY, LODs: lods}.LODSize(mips)
	return uint16(w), uint16(h), lods - uint8(mips)
}

func (r *CodeRunner) runPlainColour(item ScheduledOp) {
	args := program.OpArgs[program.ImagePlainColourArgs](r.prog, item.At)
	switch item.Stage {
	case 0:
		r.addOp(item.next(1, 0), fullChild(args.Colour, item))
	case 1:
		col := resource.Color{0, 0, 0, 1}
		if args.Colour != 0 {
			col = r.cache().GetColour(fullChild(args.Colour, item).Address())
		}
		w, h, lods := skippedSize(args.Size[0], args.Size[1], args.LODs, int(item.ExecutionOptions))
		img := r.mem.CreateImage(w, h, lods, args.Format, false)
		resource.FillColour(img, col)
		r.mem.StoreImage(item.Address(), img)
	}
}

// constantImage returns a fresh copy of constant image i without its
// mips largest LODs, or nil if its rom is not resident.
func (r *CodeRunner) constantImage(i, mips int) *resource.Image {
	src := r.model.ConstantImage(i)
	if src == nil {
		log.Warningf("constant image %d of %s is not resident", i, r.model.Name)
		return nil
	}
	if rom := r.prog.ConstantImages[i].Rom; rom >= 0 {
		r.mem.MarkRomUsed(rom, r.model)
	}
	mips = min(mips, int(src.LODs)-1)
	w, h, lods := skippedSize(src.SizeX, src.SizeY, src.LODs, mips)
	img := r.mem.CreateImage(w, h, lods, src.Format, false)
	off := 0
	if mips > 0 {
		off = src.LODOffset(mips)
	}
	copy(img.Data, src.Data[off:])
	return img
}

// constantMesh returns a fresh copy of constant mesh i, or nil if its
// rom is not resident.
func (r *CodeRunner) constantMesh(i int) *resource.Mesh {
	src := r.model.ConstantMesh(i)
	if src == nil {
		log.Warningf("constant mesh %d of %s is not resident", i, r.model.Name)
		return nil
	}
	if rom := r.prog.ConstantMeshes[i].Rom; rom >= 0 {
		r.mem.MarkRomUsed(rom, r.model)
	}
	mesh := r.mem.CreateMesh(len(src.Positions), len(src.Indices))
	copy(mesh.Positions, src.Positions)
	copy(mesh.Indices, src.Indices)
	return mesh
}

// multiLayerState is the partial result of an ImageMultiLayer between
// iterations.
type multiLayerState struct {
	result *resource.Image
	count  int32
	next   int32
}

// iterationIndex returns the execution index of one iteration of a
// multi-layer range.
func (r *CodeRunner) iterationIndex(item ScheduledOp, rangeID int, pos int32) uint16 {
	c := r.cache()
	return c.InternExecutionIndex(c.ExecutionIndex(item.ExecutionIndex).With(rangeID, pos))
}

// runMultiLayer layers one iteration of a range per stage 2 run. The
// blended and mask operands are evaluated under the iteration's
// execution index.
func (r *CodeRunner) runMultiLayer(item ScheduledOp) {
	args := program.OpArgs[program.ImageMultiLayerArgs](r.prog, item.At)
	c := r.cache()
	iteration := func(pos int32) []ScheduledOp {
		ix := r.iterationIndex(item, args.RangeID, pos)
		blended := child(args.Blended, item)
		blended.ExecutionIndex = ix
		mask := child(args.Mask, item)
		mask.ExecutionIndex = ix
		return []ScheduledOp{blended, mask}
	}
	switch item.Stage {
	case 0:
		r.addOp(item.next(1, 0), fullChild(args.RangeSize, item), child(args.Base, item))
	case 1:
		var n int32
		if args.RangeSize != 0 {
			n = c.GetInt(fullChild(args.RangeSize, item).Address())
		}
		base := r.mem.LoadImage(child(args.Base, item).Address())
		if n <= 0 || base == nil || args.Blended == 0 {
			r.mem.StoreImage(item.Address(), base)
			return
		}
		r.nextState++
		id := r.nextState
		r.multiLayers[id] = &multiLayerState{result: r.mem.CloneOrTakeOverImage(base), count: n}
		r.addOp(item.next(2, id), iteration(0)...)
	case 2:
		st := r.multiLayers[item.CustomState]
		deps := iteration(st.next)
		blended := r.mem.LoadImage(deps[0].Address())
		var mask *resource.Image
		if args.Mask != 0 {
			mask = r.mem.LoadImage(deps[1].Address())
		}
		if blended != nil {
			r.layerInPlace(st.result, blended, mask, args.Blend)
		}
		r.mem.Release(blended)
		r.mem.Release(mask)
		st.next++
		if st.next < st.count {
			r.addOp(item.next(2, item.CustomState), iteration(st.next)...)
			return
		}
		delete(r.multiLayers, item.CustomState)
		r.mem.StoreImage(item.Address(), st.result)
	}
}

// layerInPlace blends on the scheduler, scaling operands that do not
// match the base size.
func (r *CodeRunner) layerInPlace(base, blended, mask *resource.Image, blend resource.BlendType) {
	blended, tmpBlended := r.fitTo(base, blended)
	mask, tmpMask := r.fitTo(base, mask)
	resource.Layer(base, blended, mask, blend)
	resource.GenerateMipmaps(base)
	r.mem.Release(tmpBlended)
	r.mem.Release(tmpMask)
}

// fitTo returns img scaled to the size of base. The second result is
// the temporary to release afterwards, nil when img already fits.
func (r *CodeRunner) fitTo(base, img *resource.Image) (*resource.Image, *resource.Image) {
	if img == nil || len(img.Data) == 0 || (img.SizeX == base.SizeX && img.SizeY == base.SizeY) {
		return img, nil
	}
	tmp := r.mem.CreateImage(base.SizeX, base.SizeY, 1, img.Format, false)
	resource.Resize(tmp, img)
	return tmp, tmp
}

// interpolation returns the targets bracketing a factor and the blend
// weight between them.
func interpolation(factor float32, count int) (i0, i1 int, t float32) {
	f := min(max(factor, 0), 1) * float32(count-1)
	i0 = int(math.Floor(float64(f)))
	i1 = min(i0+1, count-1)
	return i0, i1, f - float32(i0)
}

const interpolationEpsilon = 1e-4

func (r *CodeRunner) runInterpolate(item ScheduledOp) {
	args := program.OpArgs[program.ImageInterpolateArgs](r.prog, item.At)
	c := r.cache()
	factor := func() float32 {
		if args.Factor == 0 {
			return 0
		}
		return c.GetScalar(fullChild(args.Factor, item).Address())
	}
	switch item.Stage {
	case 0:
		r.addOp(item.next(1, 0), fullChild(args.Factor, item))
	case 1:
		if len(args.Targets) == 0 {
			r.mem.StoreImage(item.Address(), nil)
			return
		}
		i0, i1, t := interpolation(factor(), len(args.Targets))
		if i0 == i1 || t < interpolationEpsilon {
			r.addOp(item.next(2, 0), child(args.Targets[i0], item))
		} else {
			r.addOp(item.next(2, 1), child(args.Targets[i0], item), child(args.Targets[i1], item))
		}
	case 2:
		i0, i1, t := interpolation(factor(), len(args.Targets))
		a := r.mem.LoadImage(child(args.Targets[i0], item).Address())
		if item.CustomState == 0 {
			r.mem.StoreImage(item.Address(), a)
			return
		}
		b := r.mem.LoadImage(child(args.Targets[i1], item).Address())
		if a == nil || b == nil {
			r.mem.Release(b)
			r.mem.StoreImage(item.Address(), a)
			return
		}
		fit, tmp := r.fitTo(a, b)
		out := r.mem.CloneOrTakeOverImage(a)
		resource.Interpolate(out, out, fit, t)
		if tmp != nil {
			resource.GenerateMipmaps(out)
		}
		r.mem.Release(tmp)
		r.mem.Release(b)
		r.mem.StoreImage(item.Address(), out)
	}
}
