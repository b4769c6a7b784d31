package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobweave/internal/config"
	"jobweave/internal/task/scheduler"
)

var (
	triggerAdmin string
	triggerToken string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <job>",
	Short: "Trigger a job now through the running daemon's admin API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, token := triggerAdmin, triggerToken
		if base == "" || token == "" {
			// Fill the blanks from the config file when it is readable.
			if cfg, err := config.NewConfigManager(cfgPath).Parse(); err == nil {
				if base == "" {
					base = adminURL(cfg.Admin.Addr)
				}
				if token == "" {
					token = strings.TrimSpace(cfg.Admin.Token)
				}
			}
		}
		if base == "" {
			base = adminURL("")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		sum, status, err := postTrigger(ctx, base, token, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch status {
		case http.StatusAccepted:
			fmt.Fprintf(out, "dispatched %s (run %s, state %s)\n", args[0], sum.ID, sum.State)
		case http.StatusTooManyRequests:
			fmt.Fprintf(out, "cooling down: coalesced into run %s (state %s)\n", sum.ID, sum.State)
		default:
			fmt.Fprintf(out, "not dispatched: %s %s %s\n", sum.State, sum.Kind, sum.Reason)
		}
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerAdmin, "admin", "", "admin base URL (default from admin.addr)")
	triggerCmd.Flags().StringVar(&triggerToken, "token", "", "admin token (default from admin.token)")
}

func adminURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:8089"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func postTrigger(ctx context.Context, base, token, id string) (scheduler.RunSummary, int, error) {
	u := strings.TrimRight(base, "/") + "/jobs/" + url.PathEscape(id) + "/trigger"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(nil))
	if err != nil {
		return scheduler.RunSummary{}, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return scheduler.RunSummary{}, 0, errors.WithHint(errors.Wrap(err, "admin request"), "is the daemon running with admin.enabled?")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusConflict, http.StatusTooManyRequests:
		var sum scheduler.RunSummary
		if err := json.Unmarshal(body, &sum); err != nil {
			return scheduler.RunSummary{}, resp.StatusCode, errors.Wrap(err, "decode response")
		}
		return sum, resp.StatusCode, nil
	default:
		return scheduler.RunSummary{}, resp.StatusCode, errors.Newf("admin: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
}
