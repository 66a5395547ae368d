// Mutable CLI - inspect, evaluate and serve procedural models
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chazu/mutable/manifest"
	"github.com/chazu/mutable/program"
	"github.com/chazu/mutable/stream"
	"github.com/chazu/mutable/vm"
)

func main() {
	dir := flag.String("C", ".", "Directory to search for mutable.toml")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides [log] verbosity)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mutable [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  info <model>          Describe a model and its stored roms\n")
		fmt.Fprintf(os.Stderr, "  update <model>        Build an instance and its resources\n")
		fmt.Fprintf(os.Stderr, "  import-roms <model>   Write the rom payloads of a model into the rom store\n")
		fmt.Fprintf(os.Stderr, "  serve [model...]      Serve the system over Connect\n")
		fmt.Fprintf(os.Stderr, "\n<model> is a model name from [models] in mutable.toml or a path to a model file.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	m, err := manifest.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		m = manifest.Default()
	}
	if *verbosity >= 0 {
		m.Log.Verbosity = *verbosity
	}
	m.ConfigureLogging()

	args := flag.Args()
	switch args[0] {
	case "info":
		err = handleInfoCommand(args[1:], m)
	case "update":
		err = handleUpdateCommand(args[1:], m)
	case "import-roms":
		err = handleImportCommand(args[1:], m)
	case "serve":
		err = handleServeCommand(args[1:], m)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadModel resolves arg against the manifest models, falling back to
// a file path, and loads the model.
func loadModel(m *manifest.Manifest, arg string) (*program.Model, map[uint32][]byte, error) {
	path, named := m.ModelPath(arg)
	if !named {
		path = arg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read model %s: %w", arg, err)
	}
	model, payloads, err := program.UnmarshalModel(data)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot load model %s: %w", arg, err)
	}
	if named {
		model.Name = arg
	}
	return model, payloads, nil
}

// openSystem creates a system streaming roms from the manifest store.
// The returned function releases the store.
func openSystem(m *manifest.Manifest) (*vm.System, *stream.RomStore, func(), error) {
	store, err := stream.OpenRomStore(m.DatabasePath())
	if err != nil {
		return nil, nil, nil, err
	}
	streamer := stream.NewStreamer(store, m.Stream.MaxReads)
	sys := vm.NewSystem(m.Settings(), vm.WithStreamer(streamer))
	closeFn := func() {
		streamer.Close()
		store.Close()
	}
	return sys, store, closeFn, nil
}
