package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/hubdesk/wagate/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (default ~/.wagate/config.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		home, _ := os.UserHomeDir()
		configPath = filepath.Join(home, ".wagate", "config.toml")
	}

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: configPath}),
	)

	app.Run()
}
