// Copyright (C) 2025 Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// plrecovery operates the power-loss recovery data of a printer host.
// It inspects checkpoints offline, replays the interpreter state a
// recovery would resume from, runs a simulated crash and recovery, and
// serves the host API over a simulated machine.
//
// Usage:
//
//	plrecovery [command] [flags]
//
// Examples:
//
//	# Show the checkpoints left by an interrupted job
//	plrecovery inspect --store-dir ~/printer_data/config
//
//	# Replay the job up to the line the hardware committed
//	plrecovery replay --valid-line 1532 --output yaml
//
//	# Crash a simulated job at its 40th move and recover it
//	plrecovery simulate --lines 200 --crash-after 40
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
