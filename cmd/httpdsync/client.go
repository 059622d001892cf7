package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/httpdsync/internal/config"
	"github.com/MrSnakeDoc/httpdsync/internal/utils"
)

// errRejected marks a site operation the agent refused.
var errRejected = errors.New("rejected")

// adminClient talks to the admin API of the agent on this host.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient() *adminClient {
	listen, timeout := config.ClientConfig()
	return &adminClient{base: "http://" + listen, http: &http.Client{Timeout: timeout}}
}

type adminResponse struct {
	OK     bool   `json:"ok"`
	Queued bool   `json:"queued"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

func (c *adminClient) post(ctx context.Context, path string) (int, adminResponse, error) {
	var body adminResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return 0, body, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, body, fmt.Errorf("agent unreachable: %w", err)
	}
	defer utils.Close(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, body, err
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return resp.StatusCode, body, fmt.Errorf("unexpected response %d: %s", resp.StatusCode, data)
	}
	return resp.StatusCode, body, nil
}

// SiteOp starts or stops a site and returns the rejection reason, if any.
func (c *adminClient) SiteOp(ctx context.Context, op, site string) error {
	code, body, err := c.post(ctx, "/sites/"+url.PathEscape(site)+"/"+op)
	if err != nil {
		return err
	}
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", errRejected, body.Reason)
	default:
		return fmt.Errorf("%s %s failed (%d): %s", op, site, code, body.Error)
	}
}

// Reconcile reports whether a new pass was queued.
func (c *adminClient) Reconcile(ctx context.Context) (bool, error) {
	code, body, err := c.post(ctx, "/reconcile")
	if err != nil {
		return false, err
	}
	if code != http.StatusAccepted {
		return false, fmt.Errorf("reconcile failed (%d): %s", code, body.Error)
	}
	return body.Queued, nil
}

func runSiteOp(op string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		start := time.Now()
		if err := newAdminClient().SiteOp(cmd.Context(), op, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: ok (%s)\n", op, args[0], time.Since(start).Round(time.Millisecond))
		return nil
	}
}

func runReconcile(cmd *cobra.Command, args []string) error {
	queued, err := newAdminClient().Reconcile(cmd.Context())
	if err != nil {
		return err
	}
	if queued {
		fmt.Fprintln(cmd.OutOrStdout(), "pass queued")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "pass already pending")
	}
	return nil
}
