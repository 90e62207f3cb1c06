package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the remote operator commands.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitGatewayUnavailable = 3
)

var (
	remoteGatewayURL string
	remoteAPIKey     string
	remoteTimeout    int

	decideApprove bool
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval requests on a running gateway",
	Long: `List tool executions currently blocked on an operator decision.
Requires a running Idhini instance with the HTTP gateway enabled.

Examples:
  idhini pending
  idhini pending --gateway-url http://idhini.internal:8080`,
	RunE: runPending,
}

var decideCmd = &cobra.Command{
	Use:   "decide <approval-id>",
	Short: "Approve or reject a pending tool execution",
	Long: `Submit a decision for a pending approval request. The blocked tool
execution resumes immediately on approval, or is abandoned on rejection.

Examples:
  idhini decide 3f2a... --approve
  idhini decide 3f2a...

Exit codes:
  0  decision recorded
  1  request unknown or already decided
  3  gateway unavailable`,
	Args: cobra.ExactArgs(1),
	RunE: runDecide,
}

func init() {
	for _, cmd := range []*cobra.Command{pendingCmd, decideCmd} {
		cmd.Flags().StringVar(&remoteGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL")
		cmd.Flags().StringVar(&remoteAPIKey, "api-key", "", "API key for gateway authentication (or IDHINI_API_KEY env)")
		cmd.Flags().IntVar(&remoteTimeout, "timeout", 30, "timeout in seconds")
	}
	decideCmd.Flags().BoolVar(&decideApprove, "approve", false, "approve the request (default: reject)")
}

func remoteContext() (context.Context, context.CancelFunc, string, string, error) {
	apiKey := goutils.Env("IDHINI_API_KEY", remoteAPIKey)
	if apiKey == "" {
		return nil, nil, "", "", fmt.Errorf("API key required (use --api-key or set IDHINI_API_KEY)")
	}
	gatewayURL := goutils.Env("IDHINI_GATEWAY_URL", remoteGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(remoteTimeout)*time.Second)
	return ctx, cancel, gatewayURL, apiKey, nil
}

func runPending(_ *cobra.Command, _ []string) error {
	ctx, cancel, gatewayURL, apiKey, err := remoteContext()
	if err != nil {
		return err
	}
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", gatewayURL+"/v1/approvals", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitGatewayUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitFailure)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}

	var pending []struct {
		ID          string `json:"id"`
		Tool        string `json:"tool"`
		ArgsSummary string `json:"args_summary"`
		RequestedAt string `json:"requested_at"`
	}
	if err := json.Unmarshal(respBody, &pending); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}
	for _, p := range pending {
		fmt.Printf("%s  %-12s  %s  (since %s)\n", p.ID, p.Tool, p.ArgsSummary, p.RequestedAt)
	}
	return nil
}

func runDecide(_ *cobra.Command, args []string) error {
	ctx, cancel, gatewayURL, apiKey, err := remoteContext()
	if err != nil {
		return err
	}
	defer cancel()

	decision := "reject"
	if decideApprove {
		decision = "approve"
	}

	reqBody, _ := json.Marshal(map[string]string{
		"approval_id": args[0],
		"decision":    decision,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", gatewayURL+"/v1/approvals/decision", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitGatewayUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var result struct {
			ApprovalID string `json:"approval_id"`
			Status     string `json:"status"`
		}
		_ = json.Unmarshal(respBody, &result)
		fmt.Printf("%s: %s\n", result.ApprovalID, result.Status)
		os.Exit(ExitSuccess)

	case http.StatusNotFound:
		fmt.Fprintln(os.Stderr, "Error: approval not found (expired or never existed)")
		os.Exit(ExitFailure)

	case http.StatusConflict:
		fmt.Fprintln(os.Stderr, "Error: approval already decided")
		os.Exit(ExitFailure)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitFailure)

	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitFailure)

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}
	return nil
}
