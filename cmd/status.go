package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/credential-dispatcher/internal/status"
)

func statusCommand() *cobra.Command {
	var (
		addr    string
		token   string
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show key health of a running dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			snap, raw, err := fetchStatus(ctx, addr, token)
			if err != nil {
				return err
			}

			if asJSON {
				_, err := cmd.OutOrStdout().Write(raw)
				return err
			}
			printStatus(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the dispatcher")
	cmd.Flags().StringVar(&token, "token", "", "admin token")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON report")

	return cmd
}

func fetchStatus(ctx context.Context, addr, token string) (*status.Snapshot, []byte, error) {
	url := strings.TrimRight(addr, "/") + "/admin/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching status: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading status: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetching status: %s: %s", res.Status, strings.TrimSpace(string(raw)))
	}

	var snap status.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, nil, fmt.Errorf("decoding status: %w", err)
	}
	return &snap, raw, nil
}

func printStatus(w io.Writer, snap *status.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, p := range snap.Providers {
		fmt.Fprintf(tw, "%s (%s)\t%d/%d active\n", p.Name, p.Model, p.ActiveKeys, p.TotalKeys)
		for _, k := range p.Keys {
			state := "active"
			if k.Blacklisted {
				state = "blacklisted"
				if k.MinutesUntilActive != nil {
					state = fmt.Sprintf("blacklisted, back in %d min", *k.MinutesUntilActive)
				}
			}
			fmt.Fprintf(tw, "  %s\t%s\t%d requests\n", k.MaskedID, state, k.RequestCount)
		}
	}
	tw.Flush()
}
