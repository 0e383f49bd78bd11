package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var reloadAddr string

var reloadCmd = &cobra.Command{
	Use:   "reload <bundle-path>",
	Short: "Trigger a policy bundle reload on a running server",
	Long: `Send a bundle-reload request to a running mcp-guard instance's admin
endpoint. This is an operator tool: it exercises the same Load +
invalidation path the engine uses internally, from outside the process.`,
	Args: cobra.ExactArgs(1),
	RunE: runReload,
}

func init() {
	reloadCmd.Flags().StringVar(&reloadAddr, "addr", "http://127.0.0.1:8443", "address of the running mcp-guard instance")
	rootCmd.AddCommand(reloadCmd)
}

type reloadRequestBody struct {
	BundlePath string `json:"bundle_path"`
}

type reloadResponseBody struct {
	PreviousVersion string `json:"previous_version"`
	CurrentVersion  string `json:"current_version"`
	Error           string `json:"error"`
}

func runReload(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(reloadRequestBody{BundlePath: args[0]})
	if err != nil {
		return fmt.Errorf("failed to encode reload request: %w", err)
	}

	url := reloadAddr + "/api/v1/admin/reload"
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build reload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("reload request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read reload response: %w", err)
	}

	var result reloadResponseBody
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("failed to parse reload response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if result.Error != "" {
			return fmt.Errorf("reload rejected: %s", result.Error)
		}
		return fmt.Errorf("reload rejected: status %d", resp.StatusCode)
	}

	fmt.Printf("bundle reloaded: %s -> %s\n", result.PreviousVersion, result.CurrentVersion)
	return nil
}
