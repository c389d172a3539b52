package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

var drainPIDFlag int

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Signal a running hephaestusd process to cancel its in-flight cycle and exit",
	RunE:  runDrain,
}

func init() {
	drainCmd.Flags().IntVar(&drainPIDFlag, "pid", 0, "PID of the running hephaestusd process")
}

func runDrain(cmd *cobra.Command, args []string) error {
	pid := drainPIDFlag
	if pid == 0 {
		if v := os.Getenv("HEPHAESTUSD_PID"); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid HEPHAESTUSD_PID: %w", err)
			}
			pid = p
		}
	}
	if pid == 0 {
		return fmt.Errorf("drain: --pid or HEPHAESTUSD_PID must identify the running process")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to pid %d, it will cancel its in-flight cycle (nacking that objective) before exiting\n", pid)
	return nil
}
