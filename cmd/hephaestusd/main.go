// Command hephaestusd is the composition root for the Hephaestus
// orchestration core: it wires the queue, event bus, rate limiter,
// circuit breakers, adaptive concurrency controller, orchestrator,
// agent invoker, and health surface together and runs the cycle
// runner until told to shut down.
//
// Grounded on the cobra/viper root-command pattern used elsewhere in
// the example pack (88lin-divinesense's cmd/divinesense/main.go) for
// the CLI shape, combined with the teacher repo's (FluxForge)
// control_plane/main.go composition-root wiring and agent/main.go's
// signal-driven graceful shutdown.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
