// Command server runs the voxbrix world server: UDP transport, tick loop,
// chunk pipeline and sqlite persistence behind one YAML config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/voxbrix/voxbrix/config"
	"github.com/voxbrix/voxbrix/game/entity"
	"github.com/voxbrix/voxbrix/game/gen"
	"github.com/voxbrix/voxbrix/game/loop"
	"github.com/voxbrix/voxbrix/log"
	"github.com/voxbrix/voxbrix/metrics"
	"github.com/voxbrix/voxbrix/network/transport/udp"
	"github.com/voxbrix/voxbrix/server"
	"github.com/voxbrix/voxbrix/storage"
	"github.com/voxbrix/voxbrix/utils/file"
)

// debugCfg exposes the prometheus handler on a side listener.
type debugCfg struct {
	// Addr serves /metrics when set, e.g. "127.0.0.1:9100".
	Addr string `mapstructure:"addr"`
}

func (c *debugCfg) GetName() string { return "debug" }
func (c *debugCfg) Defaults()       {}
func (c *debugCfg) Validate() error { return nil }

// blockLabels is the built-in block class dictionary. Class 0 must stay
// air: freshly generated and out-of-range blocks default to it.
var blockLabels = map[string]entity.BlockClass{
	"air":   0,
	"stone": 1,
	"grass": 2,
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "server.yaml", "path to the config file")
	flag.Parse()

	logCfg := log.LogCfg{}
	udpCfg := udp.ServerCfg{Addr: "0.0.0.0:12000"}
	storeCfg := storage.Cfg{Path: "data/world.db"}
	genCfg := gen.Cfg{}
	loopCfg := loop.Cfg{}
	srvCfg := server.Cfg{KeyPath: "data/server.key"}
	dbgCfg := debugCfg{}

	sections := []config.Section{&logCfg, &udpCfg, &storeCfg, &genCfg, &loopCfg, &srvCfg, &dbgCfg}
	if err := config.Load(*configPath, sections...); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		// No config file; every section runs on its defaults.
		if err := config.Parse(nil, sections...); err != nil {
			return err
		}
	}

	if err := log.Initialize(&logCfg); err != nil {
		return err
	}

	if dir := filepath.Dir(storeCfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	lock := file.NewLock(storeCfg.Path + ".lock")
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	store, err := storage.Open(&storeCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := gen.NewBackend(ctx, &genCfg, blockLabels)
	if err != nil {
		return err
	}
	worker := gen.NewWorker(&genCfg, backend, store)
	defer worker.Close(context.Background())

	l, err := loop.New(&loopCfg, store, worker)
	if err != nil {
		return err
	}

	transport, err := udp.NewServer(&udpCfg)
	if err != nil {
		return err
	}
	if err := transport.Start(); err != nil {
		return err
	}
	defer transport.Stop()

	srv, err := server.New(&srvCfg, store, l, transport)
	if err != nil {
		return err
	}

	if dbgCfg.Addr != "" {
		go serveDebug(dbgCfg.Addr)
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- l.Run(ctx) }()

	log.Info().Str("addr", udpCfg.Addr).Msg("server up")
	if err := srv.Run(ctx); err != nil {
		return err
	}

	// Context canceled; give the loop a moment to drain.
	l.Stop()
	select {
	case err := <-loopDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-time.After(5 * time.Second):
		log.Warn().Msg("loop did not stop in time")
	}
	return nil
}

func serveDebug(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info().Str("addr", addr).Msg("debug listener up")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("debug listener failed")
	}
}
