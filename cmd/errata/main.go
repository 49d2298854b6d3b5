package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log/level"

	"github.com/cedricziel/errata/cmd/errata/app"
	"github.com/cedricziel/errata/pkg/util/log"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger := log.InitLogger(cfg.LogFormat, cfg.LogLevel)

	a, err := app.New(cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to initialize", "err", err)
		os.Exit(1)
	}

	if err := a.Run(); err != nil {
		level.Error(logger).Log("msg", "exited with error", "err", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the optional config file and command line
// flags, in that order.
func loadConfig() (*app.Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile string
		expandEnv  bool
	)

	cfg := &app.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.CommandLine)
	flag.StringVar(&configFile, configFileOption, "", "configuration file to load")
	flag.BoolVar(&expandEnv, configExpandEnvOption, false, "expand ${VAR} references in the config file")

	// first pass picks up only the config file options so the file can
	// be applied before the remaining flags override it
	args := os.Args[1:]
	for i, arg := range args {
		if arg == "-"+configExpandEnvOption || arg == "--"+configExpandEnvOption {
			expandEnv = true
		}
		if arg == "-"+configFileOption || arg == "--"+configFileOption {
			if i+1 < len(args) {
				configFile = args[i+1]
			}
		}
	}

	if configFile != "" {
		if err := cfg.LoadFile(configFile, expandEnv); err != nil {
			return nil, err
		}
	}

	flag.Parse()
	return cfg, nil
}
