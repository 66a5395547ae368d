package main

import (
	"flag"
	"fmt"

	"github.com/chazu/mutable/manifest"
	"github.com/chazu/mutable/stream"
)

// handleImportCommand processes the `mutable import-roms` subcommand.
func handleImportCommand(args []string, m *manifest.Manifest) error {
	fs := flag.NewFlagSet("import-roms", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: mutable import-roms <model>...")
	}

	store, err := stream.OpenRomStore(m.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	for _, arg := range fs.Args() {
		model, payloads, err := loadModel(m, arg)
		if err != nil {
			return err
		}
		if len(payloads) == 0 {
			fmt.Printf("%s: no rom payloads in the model file\n", model.Name)
			continue
		}
		n, err := stream.ImportModel(store, model, payloads)
		if err != nil {
			return err
		}
		fmt.Printf("%s: imported %d of %d roms into %s\n", model.Name, n, len(model.Program.Roms), store.Path())
	}
	return nil
}
