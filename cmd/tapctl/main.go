// Command tapctl is the account-holder client and operator tool for the tap ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type globals struct {
	server     string
	configPath string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "tapctl",
		Short:         "Client and operator tool for the tap ledger",
		Version:       version + " (" + buildDate + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	def := os.Getenv("TAP_SERVER")
	if def == "" {
		def = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&g.server, "server", def, "server base URL")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "server config file (admin commands)")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		loginCmd(),
		pointsCmd(g),
		issueCmd(g),
		topupCmd(g),
		balanceCmd(g),
		statementCmd(g),
		summaryCmd(g),
		validateCmd(g),
		adminCmd(g),
	)
	return root
}

func (g *globals) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}

func (g *globals) anon() *apiClient { return newClient(g.server, "") }

func (g *globals) authed() (*apiClient, error) {
	tok, err := loadToken()
	if err != nil {
		return nil, err
	}
	return newClient(g.server, tok), nil
}

func loginCmd() *cobra.Command {
	var (
		accountID string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login <bearer-token>",
		Short: "Store the bearer token issued for your account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := saveToken(args[0], time.Now().Add(ttl), accountID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id (informational)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "how long to keep the token locally")
	return cmd
}

func pointsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "points",
		Short: "List active dispensing points",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			var out []map[string]any
			if err := g.anon().do(ctx, http.MethodGet, "/api/v1/dispensing-points", nil, nil, &out); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <id>",
		Short: "Show a dispensing point with its usage today",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("bad point id %q", args[0])
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			var out map[string]any
			if err := g.anon().do(ctx, http.MethodGet, "/api/v1/dispensing-points/"+args[0], nil, nil, &out); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	})
	return cmd
}

func issueCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "issue <dispensing-point-id>",
		Short: "Request an access token for a dispensing point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad point id %q", args[0])
			}
			c, err := g.authed()
			if err != nil {
				return err
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			var out map[string]any
			body := map[string]int64{"dispensing_point_id": id}
			if err := c.do(ctx, http.MethodPost, "/api/v1/tokens", nil, body, &out); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func topupCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "topup <amount-minor>",
		Short: "Credit your balance with one of the offered amounts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad amount %q", args[0])
			}
			c, err := g.authed()
			if err != nil {
				return err
			}
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			var out map[string]any
			if err := c.do(ctx, http.MethodPost, "/api/v1/credits", nil, map[string]int64{"amount_minor": amount}, &out); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func balanceCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show your balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.getAuthed(cmd, "/api/v1/balance", nil)
		},
	}
}

func statementCmd(g *globals) *cobra.Command {
	var days, limit int
	cmd := &cobra.Command{
		Use:   "statement",
		Short: "List your recent transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if days > 0 {
				q.Set("days", strconv.Itoa(days))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return g.getAuthed(cmd, "/api/v1/transactions", q)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "period in days (server default 30)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries (server default 50)")
	return cmd
}

func summaryCmd(g *globals) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show consumption and top-up totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if days > 0 {
				q.Set("days", strconv.Itoa(days))
			}
			return g.getAuthed(cmd, "/api/v1/summary", q)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "period in days (server default 30)")
	return cmd
}

func (g *globals) getAuthed(cmd *cobra.Command, path string, q url.Values) error {
	c, err := g.authed()
	if err != nil {
		return err
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	ctx, cancel := g.ctx(cmd)
	defer cancel()
	var out any
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), out)
	return nil
}

// validateCmd plays the reader device: it presents a token the way a tap
// controller would and prints the decision.
func validateCmd(g *globals) *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "validate <token>",
		Short: "Present a token as a reader device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.ctx(cmd)
			defer cancel()
			res, err := g.anon().validate(ctx, args[0], device)
			if err != nil {
				return err
			}
			if res.Reason == "" {
				return fmt.Errorf("request rejected (%d)", res.Status)
			}
			printJSON(cmd.OutOrStdout(), res)
			if !res.Authorized {
				return errors.New("not authorized: " + res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "tapctl-reader", "reader device id")
	return cmd
}
