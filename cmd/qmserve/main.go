package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	terrain "github.com/flywave/go-qmterrain"
	"github.com/flywave/go-qmterrain/config"
	"github.com/flywave/go-qmterrain/server"
	"github.com/flywave/go-qmterrain/tile"
	"github.com/flywave/go-qmterrain/tiling"
)

func main() {
	var cfgPath, addr, name string
	flag.StringVar(&cfgPath, "config", "", "path to terrain configuration file")
	flag.StringVar(&addr, "addr", ":8080", "listen address")
	flag.StringVar(&name, "name", "terrain", "tileset name published in layer.json")
	flag.Parse()

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if cfg.Source.Dir == "" {
		log.Fatalf("load config: source dir not set")
	}

	src, err := tile.NewDirSource(filepath.Join(cfg.Source.Dir, cfg.Source.Pattern))
	if err != nil {
		log.Fatalf("open tile directory: %v", err)
	}

	layer := terrain.NewLayer(name, uint32(cfg.Terrain.MaxLevel), terrain.Ext_None)
	if ext, ok := cfg.Terrain.ExtentBound(); ok {
		layer.Restrict(tiling.Geographic().ExtentToTile(ext), uint32(cfg.Terrain.MaxLevel))
	}

	logger := log.New(os.Stderr, "qmserve ", log.LstdFlags|log.Lmicroseconds)
	srv := server.New(src, layer, logger)

	ctx, cancel := signalContext()
	defer cancel()

	if err := srv.Run(ctx, addr); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}

		time.AfterFunc(15*time.Second, func() {
			log.Printf("forced shutdown after timeout")
			os.Exit(1)
		})
	}()

	return ctx, cancel
}
