package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var healthAddrFlag string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query a running hephaestusd instance's /healthz and /snapshot endpoints",
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthAddrFlag, "addr", "http://localhost:8090", "base URL of the target instance's health surface")
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthAddrFlag + "/healthz")
	if err != nil {
		return fmt.Errorf("healthz: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	fmt.Println("healthz: ok")

	snapResp, err := client.Get(healthAddrFlag + "/snapshot")
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer snapResp.Body.Close()

	body, err := io.ReadAll(snapResp.Body)
	if err != nil {
		return err
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
