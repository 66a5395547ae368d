package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/image/bmp"

	"github.com/chazu/mutable/manifest"
	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/resource"
	"github.com/chazu/mutable/stream"
	"github.com/chazu/mutable/vm"
)

// paramFlags collects repeated -p name=value flags.
type paramFlags []string

func (p *paramFlags) String() string { return strings.Join(*p, " ") }

func (p *paramFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected name=value, got %q", v)
	}
	*p = append(*p, v)
	return nil
}

// handleUpdateCommand processes the `mutable update` subcommand.
// Usage:
//
//	mutable update [-state n] [-lods mask] [-mips n] [-p name=value]... [-out dir] <model>
func handleUpdateCommand(args []string, m *manifest.Manifest) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	state := fs.Int("state", 0, "State to build")
	lods := fs.Uint("lods", uint(vm.AllLODs), "Bit mask of the LODs to build")
	mips := fs.Int("mips", 0, "Mips to skip when building images")
	out := fs.String("out", "", "Directory to write built images to, as BMP")
	var params paramFlags
	fs.Var(&params, "p", "Parameter value as name=value (repeatable)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mutable update [flags] <model>")
	}

	model, payloads, err := loadModel(m, fs.Arg(0))
	if err != nil {
		return err
	}
	values, err := parseParams(model.Program, params)
	if err != nil {
		return err
	}

	sys, store, closeFn, err := openSystem(m)
	if err != nil {
		return err
	}
	defer closeFn()
	if len(payloads) > 0 {
		if _, err := stream.ImportModel(store, model, payloads); err != nil {
			return err
		}
	}

	id := sys.NewInstance(model)
	defer sys.ReleaseInstance(id)
	inst := sys.BeginUpdate(id, values, *state, uint32(*lods))
	if err := sys.LastError(); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	defer sys.EndUpdate(id)

	for l, lod := range inst.LODs {
		fmt.Printf("LOD %d:\n", l)
		for _, ref := range lod.Meshes {
			mesh := sys.GetMesh(id, ref.ID)
			if err := sys.LastError(); err != nil {
				return fmt.Errorf("mesh %s: %w", ref.Name, err)
			}
			fmt.Printf("  mesh  %-16s %s  %d vertices, %d indices, %s\n", ref.Name, ref.ID, mesh.VertexCount(), len(mesh.Indices), humanize.IBytes(uint64(mesh.DataSize())))
		}
		for _, ref := range lod.Images {
			img := sys.GetImage(id, ref.ID, *mips)
			if err := sys.LastError(); err != nil {
				return fmt.Errorf("image %s: %w", ref.Name, err)
			}
			fmt.Printf("  image %-16s %s  %dx%d %s, %d LODs, %s\n", ref.Name, ref.ID, img.SizeX, img.SizeY, img.Format, img.LODs, humanize.IBytes(uint64(img.DataSize())))
			if *out != "" {
				if err := writeBMP(filepath.Join(*out, fmt.Sprintf("lod%d-%s.bmp", l, ref.Name)), img); err != nil {
					return err
				}
			}
		}
		for _, ext := range lod.ExtensionData {
			fmt.Printf("  data  %-16s %s, %s\n", ext.Name, ext.Data.Kind, humanize.IBytes(uint64(len(ext.Data.Payload))))
		}
	}

	printStats(sys.Stats())
	return nil
}

func printStats(s vm.StatsSummary) {
	mem := s.Memory
	fmt.Printf("\nRuns %d, issued %d, kernels %d, suspends %d, yields %d, held %d\n", s.Runs, s.Issued, s.Kernels, s.Suspends, s.Yields, s.Held)
	fmt.Printf("Memory: cached %s, pooled %s, temporary %s, roms %s\n",
		humanize.IBytes(uint64(mem.CachedBytes)), humanize.IBytes(uint64(mem.PooledBytes)),
		humanize.IBytes(uint64(mem.TemporaryBytes)), humanize.IBytes(uint64(mem.RomBytes)))
	fmt.Printf("Allocations %d, pool hits %d, clones %d, take-overs %d, evictions %d\n",
		mem.Allocations, mem.PoolHits, mem.Clones, mem.TakeOvers, mem.Evictions+mem.RomEvictions)
}

func writeBMP(path string, img *resource.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := bmp.Encode(f, img.Std()); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// parseParams applies name=value assignments over the defaults.
func parseParams(p *program.Program, assignments []string) (*program.Parameters, error) {
	ps := program.NewParameters(p)
	for _, a := range assignments {
		name, raw, _ := strings.Cut(a, "=")
		i := ps.Find(name)
		if i < 0 {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
		v := ps.Value(i, nil)
		if err := parseParamValue(ps.Desc(i).Type, raw, &v); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		ps.SetValue(i, v)
	}
	return ps, nil
}

func parseParamValue(t program.ParamType, raw string, v *program.ParamValue) error {
	switch t {
	case program.ParamBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.Bool = b
	case program.ParamInt:
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return err
		}
		v.Int = int32(n)
	case program.ParamFloat:
		f, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return err
		}
		v.Float = float32(f)
	case program.ParamColour:
		parts := strings.Split(raw, ",")
		if len(parts) < 3 || len(parts) > 4 {
			return fmt.Errorf("expected r,g,b[,a], got %q", raw)
		}
		c := resource.Color{0, 0, 0, 1}
		for i, part := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
			if err != nil {
				return err
			}
			c[i] = float32(f)
		}
		v.Colour = c
	case program.ParamString:
		v.String = raw
	case program.ParamImage, program.ParamMesh:
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return err
		}
		v.ExternalID = uint32(n)
	default:
		return fmt.Errorf("cannot set %s parameters from the command line", paramTypeNames[t])
	}
	return nil
}
