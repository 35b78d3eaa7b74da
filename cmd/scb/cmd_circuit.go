package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"coherencebus/internal/types"
)

var adminAddr string

// circuitCmd administers circuit breakers
var circuitCmd = &cobra.Command{
	Use:   "circuit",
	Short: "Administer circuit breakers",
}

var circuitResetCmd = &cobra.Command{
	Use:   "reset <name>",
	Short: "Reset a circuit breaker to closed",
	Long: `Forces the named breaker in the running daemon back to closed with
cleared counters, via the admin endpoint. Breaker names are "bus:<channel>"
for publish paths and "evaluator:<capability>" for the evaluator pool.`,
	Args: cobra.ExactArgs(1),
	RunE: runCircuitReset,
}

func init() {
	circuitResetCmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:9090", "Daemon admin address")
}

func runCircuitReset(cmd *cobra.Command, args []string) error {
	name := args[0]

	ctx, cancel := commandContext()
	defer cancel()

	target := fmt.Sprintf("http://%s/circuit/reset?name=%s", adminAddr, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: daemon admin endpoint %s: %v", types.ErrBusUnavailable, adminAddr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		fmt.Printf("breaker %s reset\n", name)
		return nil
	case http.StatusNotFound:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unknown breaker %q: %s", name, string(body))
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("reset %s failed: %s: %s", name, resp.Status, string(body))
	}
}
