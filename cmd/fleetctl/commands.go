package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xela07ax/fleet-orchestrator/internal/engine"
)

type globalOptions struct {
	redisAddr     string
	redisPassword string
	redisDB       int

	apiURL  string
	token   string
	timeout time.Duration

	// подменяются в тестах
	newRedis   func() *redis.Client
	httpClient *http.Client
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	opts.newRedis = func() *redis.Client {
		return redis.NewClient(&redis.Options{Addr: opts.redisAddr, Password: opts.redisPassword, DB: opts.redisDB})
	}
	opts.httpClient = &http.Client{}
	return buildRootCmd(opts)
}

func buildRootCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operator CLI for the capacity orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.redisAddr, "redis", "localhost:6379", "redis address of the control channel")
	pf.StringVar(&opts.redisPassword, "redis-password", "", "redis password")
	pf.IntVar(&opts.redisDB, "redis-db", 0, "redis database")
	pf.StringVar(&opts.apiURL, "api", "http://localhost:8080", "ops API base URL")
	pf.StringVar(&opts.token, "token", "", "operator bearer token for the ops API")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		scaleCmd(opts, engine.CommandScaleUp, "Start N additional sessions"),
		scaleCmd(opts, engine.CommandScaleDown, "Stop the N oldest active sessions"),
		reconcileCmd(opts),
		blockCmd(opts, true),
		blockCmd(opts, false),
		getCmd(opts, "summary", "/v1/summary", "Print the session summary"),
		getCmd(opts, "report", "/v1/report", "Print the event counters"),
		getCmd(opts, "endpoints", "/v1/endpoints", "Print the endpoint pool"),
		getCmd(opts, "health", "/health", "Print the health report"),
		loginCmd(opts),
	)
	return root
}

func scaleCmd(opts *globalOptions, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " N",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("%s: N must be a positive integer, got %q", name, args[0])
			}
			return opts.withRedis(cmd.Context(), func(ctx context.Context, rdb *redis.Client) error {
				if err := engine.PublishCommand(ctx, rdb, name, n); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d sent\n", name, n)
				return nil
			})
		},
	}
}

func reconcileCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   engine.CommandReconcile,
		Short: "Ask the leader to reconcile capacity now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRedis(cmd.Context(), func(ctx context.Context, rdb *redis.Client) error {
				if err := engine.PublishCommand(ctx, rdb, engine.CommandReconcile, 0); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "reconcile sent")
				return nil
			})
		},
	}
}

func blockCmd(opts *globalOptions, blocked bool) *cobra.Command {
	use, short := "block", "Block an account and stop its sessions"
	if !blocked {
		use, short = "unblock", "Return an account to the rotation"
	}
	return &cobra.Command{
		Use:   use + " ACCOUNT",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account := strings.TrimSpace(args[0])
			if account == "" || strings.Contains(account, ":") {
				return fmt.Errorf("%s: invalid account %q", use, args[0])
			}
			return opts.withRedis(cmd.Context(), func(ctx context.Context, rdb *redis.Client) error {
				if err := engine.PublishBlock(ctx, rdb, account, blocked); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %s %sed\n", account, use)
				return nil
			})
		},
	}
}

func getCmd(opts *globalOptions, use, path, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.call(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func loginCmd(opts *globalOptions) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange operator credentials for a bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, _ := json.Marshal(map[string]string{"username": username, "password": password})
			body, err := opts.call(cmd.Context(), http.MethodPost, "/auth/token", payload)
			if err != nil {
				return err
			}
			var tok struct {
				AccessToken string `json:"access_token"`
			}
			if err := json.Unmarshal(body, &tok); err != nil {
				return fmt.Errorf("decode token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "operator username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "operator password")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func (o *globalOptions) withRedis(ctx context.Context, fn func(ctx context.Context, rdb *redis.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	rdb := o.newRedis()
	defer rdb.Close()
	return fn(ctx, rdb)
}

func (o *globalOptions) call(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(o.apiURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	// health отдает отчет и при 503
	if resp.StatusCode >= 400 && !(path == "/health" && resp.StatusCode == http.StatusServiceUnavailable) {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func printJSON(w io.Writer, body []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}
