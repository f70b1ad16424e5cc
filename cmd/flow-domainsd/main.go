/*
Logic: process entry point — flag parsing, logger construction, and
handoff to internal/daemon.Run, mirroring the teacher main.go's
"config.Load() -> logger.New() -> wire everything -> run" shape.
*/

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/nikivdev/flow-domainsd/internal/config"
	"github.com/nikivdev/flow-domainsd/internal/daemon"
	"github.com/nikivdev/flow-domainsd/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:], "")
	if err != nil {
		var exitErr *config.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Code != 0 {
				fmt.Fprintln(os.Stderr, exitErr.Err)
			}
			return exitErr.Code
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := logger.New(cfg.LogPretty)

	if err := daemon.Run(cfg, log); err != nil {
		log.Error().Err(err).Msg("flow-domainsd exited with error")
		return 1
	}
	return 0
}
