package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chazu/mutable/manifest"
	"github.com/chazu/mutable/server"
	"github.com/chazu/mutable/stream"
)

// handleServeCommand processes the `mutable serve` subcommand. Every
// model of the manifest is served, plus the model files given as
// arguments.
func handleServeCommand(args []string, m *manifest.Manifest) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", m.Server.Listen, "Address to listen on")
	fs.Parse(args)

	sys, store, closeFn, err := openSystem(m)
	if err != nil {
		return err
	}
	defer closeFn()

	models := server.NewModelRegistry()
	names := append(m.ModelNames(), fs.Args()...)
	for _, name := range names {
		model, payloads, err := loadModel(m, name)
		if err != nil {
			return err
		}
		if len(payloads) > 0 {
			if _, err := stream.ImportModel(store, model, payloads); err != nil {
				return err
			}
		}
		models.Register(model)
		fmt.Printf("Serving model %s (%d operations, %d roms)\n", model.Name, model.Program.OpCount(), len(model.Program.Roms))
	}

	srv := server.New(sys, models)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	fmt.Printf("Mutable server listening on %s\n", *listen)
	fmt.Printf("  Connect (CBOR): http://%s%s\n", *listen, server.NewInstanceProcedure)
	return srv.ListenAndServe(*listen)
}
