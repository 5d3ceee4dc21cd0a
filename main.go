// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Limelight - DMX512-A / RDM bus tool
//
// A CLI tool for driving, monitoring and discovering devices on a
// DMX512-A / RDM bus, with an in-memory loopback mode for working
// without hardware.

package main

import (
	"os"

	"github.com/Thermoquad/limelight/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
