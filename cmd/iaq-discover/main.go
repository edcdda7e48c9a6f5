// Iaq-discover finds IAQ monitors on the local network.
//
// Monitors announce themselves over mDNS as _iaq-monitor._tcp services;
// this tool browses for them and prints the address, scheme and firmware
// version of every device that answers.
//
// Usage:
//
//	iaq-discover [command] [flags]
//
// See 'iaq-discover --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/DivinityQQ/iaq-monitor-server/internal/discovery"
	"github.com/DivinityQQ/iaq-monitor-server/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "iaq-discover",
	Short:   "Find IAQ monitors on the local network",
	Long:    `Browse mDNS for announced IAQ monitors and print how to reach them.`,
	Version: version.Version,
}

var (
	scanTimeout  int
	waitTimeout  int
	waitInstance string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List every monitor that answers",
	Example: `  # Scan for 10 seconds (default)
  iaq-discover scan

  # Quick 3-second scan
  iaq-discover scan --timeout 3`,
	RunE: runScan,
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Block until a specific monitor appears",
	Example: `  # Wait for the default instance
  iaq-discover wait

  # Wait for a named instance with a longer timeout
  iaq-discover wait --instance bedroom --timeout 60`,
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(waitCmd)
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 10, "Scan timeout in seconds")
	waitCmd.Flags().IntVar(&waitTimeout, "timeout", 30, "Wait timeout in seconds")
	waitCmd.Flags().StringVar(&waitInstance, "instance", "iaq-monitor", "mDNS instance name to wait for")
}

func runScan(cmd *cobra.Command, args []string) error {
	fmt.Printf("Scanning for IAQ monitors (timeout: %ds)...\n\n", scanTimeout)

	devices, err := discovery.Scan(time.Duration(scanTimeout) * time.Second)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("No monitors found.")
		fmt.Println("\nTroubleshooting:")
		fmt.Println("  - Ensure the monitor is powered on")
		fmt.Println("  - Verify this machine is on the same network segment")
		fmt.Println("  - Try increasing --timeout for slower networks")
		return nil
	}

	fmt.Printf("Found %d monitor(s):\n\n", len(devices))
	for i, device := range devices {
		fmt.Printf("%d. %s\n", i+1, device.Instance)
		fmt.Printf("   Address:  %s\n", device.BaseURL())
		if device.Version != "" {
			fmt.Printf("   Version:  %s\n", device.Version)
		}
		fmt.Println()
	}
	return nil
}

func runWait(cmd *cobra.Command, args []string) error {
	fmt.Printf("Waiting for %q (timeout: %ds)...\n", waitInstance, waitTimeout)

	scanner := discovery.NewScanner()
	scanner.Timeout = time.Duration(waitTimeout) * time.Second
	device, err := scanner.WaitForInstance(context.Background(), waitInstance)
	if err != nil {
		return err
	}

	fmt.Printf("Found %s\n", device)
	fmt.Printf("Address: %s\n", device.BaseURL())
	return nil
}
