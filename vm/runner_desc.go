package vm

import (
	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
)

// runImageDesc computes only the descriptor of an image operation:
// size, LOD count and format, without any pixel work.
func (r *CodeRunner) runImageDesc(item ScheduledOp) {
	p := r.prog
	c := r.cache()
	at := item.Address()
	mips := int(item.ExecutionOptions)
	set := func(d resource.ImageDesc) { c.SetImageDesc(at, d) }

	// derive schedules src, then sets the descriptor f makes of it.
	derive := func(src program.Address, f func(resource.ImageDesc) resource.ImageDesc) {
		switch item.Stage {
		case 0:
			if src == 0 {
				set(resource.ImageDesc{})
				return
			}
			r.addOp(item.next(1, 0), child(src, item))
		case 1:
			set(f(c.GetImageDesc(child(src, item).Address())))
		}
	}
	same := func(d resource.ImageDesc) resource.ImageDesc { return d }

	switch t := p.OpType(item.At); t {
	case program.OpImageConstant:
		d := p.ConstantImages[program.OpArgs[program.TableConstantArgs](p, item.At).Value].Desc
		d.SizeX, d.SizeY, d.LODs = skippedSize(d.SizeX, d.SizeY, d.LODs, mips)
		set(d)

	case program.OpImageParameter, program.OpImageReference:
		var d resource.ImageDesc
		if r.sys.provider != nil {
			var id uint32
			if t == program.OpImageParameter {
				i := program.OpArgs[program.ParameterArgs](p, item.At).Parameter
				id = r.params.GetImageValue(i, r.paramPositions(item, i))
			} else if args := program.OpArgs[program.ReferenceArgs](p, item.At); args.ForceLoad {
				id = args.ID
			}
			if id != 0 {
				d = r.sys.provider.GetImageDesc(id)
				d.SizeX, d.SizeY, d.LODs = skippedSize(d.SizeX, d.SizeY, d.LODs, mips)
			}
		}
		set(d)

	case program.OpImagePlainColour:
		args := program.OpArgs[program.ImagePlainColourArgs](p, item.At)
		w, h, lods := skippedSize(args.Size[0], args.Size[1], args.LODs, mips)
		set(resource.ImageDesc{SizeX: w, SizeY: h, LODs: lods, Format: args.Format})

	case program.OpImagePixelFormat:
		args := program.OpArgs[program.ImagePixelFormatArgs](p, item.At)
		derive(args.Source, func(d resource.ImageDesc) resource.ImageDesc {
			d.Format = args.Format
			return d
		})

	case program.OpImageMipmap:
		args := program.OpArgs[program.ImageMipmapArgs](p, item.At)
		derive(args.Source, func(d resource.ImageDesc) resource.ImageDesc {
			maxLevels := resource.MaxLODs(d.SizeX, d.SizeY)
			d.LODs = args.Levels
			if d.LODs == 0 || d.LODs > maxLevels {
				d.LODs = maxLevels
			}
			return d
		})

	case program.OpImageSwizzle:
		args := program.OpArgs[program.ImageSwizzleArgs](p, item.At)
		var first program.Address
		for _, s := range args.Sources {
			if s != 0 {
				first = s
				break
			}
		}
		derive(first, func(d resource.ImageDesc) resource.ImageDesc {
			d.Format = args.Format
			return d
		})

	case program.OpImageResize:
		args := program.OpArgs[program.ImageResizeArgs](p, item.At)
		w, h, _ := skippedSize(args.Size[0], args.Size[1], resource.MaxLODs(args.Size[0], args.Size[1]), mips)
		derive(args.Source, func(d resource.ImageDesc) resource.ImageDesc {
			d.SizeX, d.SizeY = w, h
			d.LODs = min(max(d.LODs, 1), resource.MaxLODs(w, h))
			return d
		})

	case program.OpImageResizeRel:
		args := program.OpArgs[program.ImageResizeRelArgs](p, item.At)
		derive(args.Source, func(d resource.ImageDesc) resource.ImageDesc {
			d.SizeX = uint16(max(float32(d.SizeX)*args.Factor[0], 1))
			d.SizeY = uint16(max(float32(d.SizeY)*args.Factor[1], 1))
			d.LODs = min(max(d.LODs, 1), resource.MaxLODs(d.SizeX, d.SizeY))
			return d
		})

	case program.OpImageLayerColour:
		derive(program.OpArgs[program.ImageLayerColourArgs](p, item.At).Base, same)
	case program.OpImageSaturate:
		derive(program.OpArgs[program.ImageSaturateArgs](p, item.At).Base, same)
	case program.OpImageInvert:
		derive(program.OpArgs[program.ImageInvertArgs](p, item.At).Base, same)
	case program.OpImageLayer:
		derive(program.OpArgs[program.ImageLayerArgs](p, item.At).Base, same)
	case program.OpImageMultiLayer:
		derive(program.OpArgs[program.ImageMultiLayerArgs](p, item.At).Base, same)
	case program.OpImageCompose:
		derive(program.OpArgs[program.ImageComposeArgs](p, item.At).Base, same)
	case program.OpImageInterpolate:
		args := program.OpArgs[program.ImageInterpolateArgs](p, item.At)
		var first program.Address
		if len(args.Targets) > 0 {
			first = args.Targets[0]
		}
		derive(first, same)

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
			r.selectDescBranch(item, branch)
		case 2:
			set(c.GetImageDesc(child(program.Address(item.CustomState), item).Address()))
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
			r.selectDescBranch(item, switchBranch(args, value))
		case 2:
			set(c.GetImageDesc(child(program.Address(item.CustomState), item).Address()))
		}

	default:
		log.Warningf("no image descriptor for %s at %s", t, item)
		set(resource.ImageDesc{})
	}
}

func (r *CodeRunner) selectDescBranch(item ScheduledOp, branch program.Address) {
	if branch == 0 {
		r.cache().SetImageDesc(item.Address(), resource.ImageDesc{})
		return
	}
	r.addOp(item.next(2, uint32(branch)), child(branch, item))
}
