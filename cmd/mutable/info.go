package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/chazu/mutable/manifest"
	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/stream"
)

var paramTypeNames = map[program.ParamType]string{
	program.ParamBool:      "bool",
	program.ParamInt:       "int",
	program.ParamFloat:     "float",
	program.ParamColour:    "colour",
	program.ParamString:    "string",
	program.ParamMatrix:    "matrix",
	program.ParamProjector: "projector",
	program.ParamImage:     "image",
	program.ParamMesh:      "mesh",
}

// handleInfoCommand processes the `mutable info` subcommand.
func handleInfoCommand(args []string, m *manifest.Manifest) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mutable info <model>")
	}

	model, payloads, err := loadModel(m, fs.Arg(0))
	if err != nil {
		return err
	}
	p := model.Program

	fmt.Printf("Model:      %s\n", model.Name)
	fmt.Printf("Operations: %d\n", p.OpCount())

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "\nStates:\n")
	for i, s := range p.States {
		fmt.Fprintf(w, "  %d\t%s\troot %d\t%d runtime parameters\n", i, s.Name, s.Root, len(s.RuntimeParameters))
	}
	fmt.Fprintf(w, "\nParameters:\n")
	for i, d := range p.Parameters {
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", i, d.Name, paramTypeNames[d.Type], formatParamValue(d.Type, d.Default))
	}
	w.Flush()

	if len(p.Roms) == 0 {
		return nil
	}

	stored := make(map[uint32]int)
	if _, err := os.Stat(m.DatabasePath()); err == nil {
		store, err := stream.OpenRomStore(m.DatabasePath())
		if err != nil {
			return err
		}
		defer store.Close()
		infos, err := store.List(model.Name)
		if err != nil {
			return err
		}
		for _, info := range infos {
			stored[info.ID] = info.Size
		}
	}

	fmt.Fprintf(w, "\nRoms:\n")
	var total uint64
	for _, r := range p.Roms {
		total += uint64(r.Size)
		where := "missing"
		if n, ok := stored[r.ID]; ok {
			where = "stored " + humanize.IBytes(uint64(n))
		} else if _, ok := payloads[r.ID]; ok {
			where = "in model file"
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", r.ID, romTypeName(r.Type), humanize.IBytes(uint64(r.Size)), where)
	}
	w.Flush()
	fmt.Printf("Total rom data: %s\n", humanize.IBytes(total))
	return nil
}

func romTypeName(t program.RomDataType) string {
	if t == program.RomMesh {
		return "mesh"
	}
	return "image"
}

func formatParamValue(t program.ParamType, v program.ParamValue) string {
	switch t {
	case program.ParamBool:
		return fmt.Sprint(v.Bool)
	case program.ParamInt:
		return fmt.Sprint(v.Int)
	case program.ParamFloat:
		return fmt.Sprint(v.Float)
	case program.ParamColour:
		return fmt.Sprintf("%g,%g,%g,%g", v.Colour[0], v.Colour[1], v.Colour[2], v.Colour[3])
	case program.ParamString:
		return fmt.Sprintf("%q", v.String)
	case program.ParamImage, program.ParamMesh:
		return fmt.Sprintf("#%d", v.ExternalID)
	}
	return "-"
}
