package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/auroraguard/internal/txn"
)

func decideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide [file]",
		Short: "Send a transaction JSON file to a running engine and print the decision",
		Long: `Validate a transaction locally, POST it to /v1/decisions and print
the response. Use "-" to read the transaction from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runDecide,
	}
	cmd.Flags().String("url", envOr("AURORAGUARD_URL", "http://localhost:8080"), "Engine base URL")
	cmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	return cmd
}

func runDecide(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0]) // #nosec G304 -- operator-supplied path
	}
	if err != nil {
		return fmt.Errorf("read transaction: %w", err)
	}

	var req txn.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}

	baseURL, _ := cmd.Flags().GetString("url")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	body, _ := json.Marshal(&req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/v1/decisions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, respBody, "", "  "); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
