package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mdp/qrterminal/v3"

	"syndro/internal/config"
	"syndro/internal/gate"
	"syndro/internal/metrics"
	"syndro/internal/receive"
	"syndro/internal/share"
	"syndro/internal/staging"
)

func main() {
	receiveMode := flag.Bool("receive", false, "accept files from other devices")
	saveDir := flag.String("dir", "", "directory saved files are moved into (receive mode)")
	noConfirm := flag.Bool("no-confirm", false, "skip per-device approval")
	flag.Parse()

	cfg := config.Load()
	if *saveDir != "" {
		cfg.SaveDir = *saveDir
	}
	if *noConfirm {
		cfg.RequireConfirmation = false
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if *receiveMode {
		err = runReceive(ctx, cfg, logger)
	} else {
		err = runShare(ctx, cfg, logger, flag.Args())
	}
	if err != nil {
		logger.Fatalf("error=%s", err)
	}
}

func runShare(ctx context.Context, cfg config.Config, logger *log.Logger, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("nothing to share: pass one or more files")
	}

	catalog, err := share.BuildCatalog(paths)
	if err != nil {
		return err
	}

	counters := metrics.NewCounters()
	server := share.NewServer(share.Dependencies{
		Config:   cfg,
		Catalog:  catalog,
		Counters: counters,
		Logger:   logger,
	})

	url, err := server.Start(ctx)
	if err != nil {
		return err
	}
	defer server.Stop()

	printURL(url, catalog.Len())

	go watchGate(server.Gate())
	go func() {
		for event := range server.Downloads() {
			fmt.Printf("  %s %s by %s\n", event.Type, event.File, event.Source)
		}
	}()
	go operatorLoop(ctx, server.Gate(), nil)

	<-ctx.Done()
	return nil
}

func runReceive(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	tempDir := filepath.Join(cfg.TempDir, "syndro-incoming")
	store, err := staging.NewLocal(tempDir, cfg.SaveDir, nil, logger)
	if err != nil {
		return err
	}

	var g *gate.Gate
	if cfg.GateUploads {
		g = gate.New(gate.Options{
			RequireConfirmation: cfg.RequireConfirmation,
			PendingTimeout:      cfg.PendingTimeout,
			SessionTTL:          cfg.SessionTTL,
			MaxActive:           cfg.MaxActiveConnections,
			SweepInterval:       cfg.SweepInterval,
			Logger:              logger,
		})
	}

	server := receive.NewServer(receive.Dependencies{
		Config:   cfg,
		Staging:  store,
		Gate:     g,
		Counters: metrics.NewCounters(),
		Logger:   logger,
	})

	url, err := server.Start(ctx)
	if err != nil {
		return err
	}
	defer server.Stop()

	fmt.Printf("Receiving files at %s (saving to %s)\n", url, cfg.SaveDir)
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})

	go func() {
		for file := range store.Staged() {
			fmt.Printf("  received %s (%s), save or discard %s\n", file.Name, share.HumanSize(file.Size), file.ID)
		}
	}()
	if g != nil {
		go watchGate(g)
	}
	go operatorLoop(ctx, g, store)

	<-ctx.Done()
	return nil
}

func printURL(url string, count int) {
	fmt.Printf("Sharing %d file(s) at %s\n", count, url)
	fmt.Println("Scan to open on another device:")
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
}

func watchGate(g *gate.Gate) {
	for prompt := range g.Prompts() {
		fmt.Printf("  connection request from %s (%s): type 'approve %s' or 'deny %s'\n",
			prompt.Source, prompt.Identity, prompt.Source, prompt.Source)
	}
}

// operatorLoop is the human side of the gate and the staging store:
// approve/deny peers, save/discard received files.
func operatorLoop(ctx context.Context, g *gate.Gate, store staging.Store) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "approve", "deny":
			if g == nil || len(fields) < 2 {
				continue
			}
			if g.Resolve(fields[1], fields[0] == "approve") {
				fmt.Printf("  %s: %s\n", fields[0], fields[1])
			} else {
				fmt.Printf("  nothing pending for %s\n", fields[1])
			}
		case "save", "discard":
			if store == nil || len(fields) < 2 {
				continue
			}
			operateStaged(store, fields[0], fields[1])
		case "list":
			if store == nil {
				continue
			}
			for _, file := range store.List() {
				fmt.Printf("  %s  %s  %s  %s\n", file.ID, file.Status, share.HumanSize(file.Size), file.Name)
			}
		}
	}
}

func operateStaged(store staging.Store, verb, target string) {
	if target == "all" {
		var summary staging.Summary
		if verb == "save" {
			summary = store.SaveAll()
		} else {
			summary = store.DiscardAll()
		}
		fmt.Printf("  %s: %d ok, %d failed\n", verb, summary.Succeeded, summary.Failed)
		return
	}
	var ok bool
	if verb == "save" {
		ok = store.Save(target)
	} else {
		ok = store.Discard(target)
	}
	if ok {
		fmt.Printf("  %s: %s\n", verb, target)
	} else {
		fmt.Printf("  could not %s %s\n", verb, target)
	}
}
