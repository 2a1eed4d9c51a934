// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

// Command gateway runs the Kasama AI coaching gateway.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
}
