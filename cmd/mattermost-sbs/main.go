// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-sbs bridges Mattermost channels to SmileBASIC Source
// rooms. Messages, edits, and deletes are relayed in both directions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/mattermost-sbs/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath     = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	writeExample   = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	validateConfig = flag.MakeFull("n", "no-run", "Load and validate the config, then quit.", "false").Bool()
	printVersion   = flag.MakeFull("v", "version", "View bridge version and quit.", "false").Bool()
	wantHelp, _    = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"mattermost-sbs - A Mattermost-SmileBASIC Source bridge.",
		"mattermost-sbs [-hven] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *printVersion {
		fmt.Printf("mattermost-sbs %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExample {
		if err := writeExampleConfig(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	zerolog.DefaultContextLogger = log
	if *validateConfig {
		log.Info().Msg("Config is valid")
		return
	}

	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing bridge")

	bridge, err := connector.NewBridge(cfg, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	if err = bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

func writeExampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	return os.WriteFile(path, []byte(connector.ExampleConfig), 0o600)
}
