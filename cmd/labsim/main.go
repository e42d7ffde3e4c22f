// Command labsim serves a bench of simulated instruments over TCP. Point
// the gateway's connect endpoint at the printed tcp:// resources and it
// behaves as if real hardware were attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/device"
	"github.com/X9X0/LabLink-sub001/internal/labsim"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Host to bind instrument listeners on")
	basePort := flag.Int("base-port", 5025, "First listen port, counting up per instrument (0 = ephemeral)")
	bench := flag.String("bench", "power_supply,oscilloscope,electronic_load", "Comma-separated instrument kinds to serve")
	flag.Parse()

	cfg := &labsim.Config{Host: *host, BasePort: *basePort}
	for _, part := range strings.Split(*bench, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, err := device.ParseType(part)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(64)
		}
		cfg.Bench = append(cfg.Bench, labsim.Instrument{Kind: kind})
	}
	if len(cfg.Bench) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no instruments configured")
		os.Exit(64)
	}

	srv := labsim.New(cfg)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting bench: %v\n", err)
		os.Exit(2)
	}

	fmt.Println("LabLink instrument bench:")
	for _, b := range srv.Bench() {
		fmt.Printf("  %-16s %s\n", b.Kind, b.Resource)
	}
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nStopping bench...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(ctx)
	fmt.Println("Bench stopped")
}
