package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"chanrpc/client"
	"chanrpc/echo"
	"chanrpc/loadbalance"
	"chanrpc/transport"
)

var callFlags struct {
	network string
	addr    string
}

var callCmd = &cobra.Command{
	Use:   "call <echo|add|slow-echo|notify> ARGS...",
	Short: "call the echo interface",
	Long: `Calls one echo method. With --addr the call goes straight to that endpoint;
otherwise the endpoint is discovered through the configured registry.

  chanrpc-echo call echo hello
  chanrpc-echo call add 3 5
  chanrpc-echo call --addr /run/echo.sock --network unix notify hi`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.Client.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Client.CallTimeout)
			defer cancel()
		}
		out, err := runCall(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
		if out != "" {
			fmt.Fprintln(cmd.OutOrStdout(), out)
		}
		return nil
	},
}

func init() {
	callCmd.Flags().StringVar(&callFlags.network, "network", "tcp", "tcp or unix, used with --addr")
	callCmd.Flags().StringVar(&callFlags.addr, "addr", "", "Call this endpoint directly instead of discovering one")
}

func runCall(ctx context.Context, method string, args []string) (string, error) {
	var caller echo.Caller
	var direct *client.Client
	opts := client.Options{Limits: cfg.Limits}

	if callFlags.addr != "" {
		ch, err := transport.Dial(ctx, callFlags.network, callFlags.addr)
		if err != nil {
			return "", err
		}
		direct = client.NewClient(ch, opts)
		defer direct.Close()
		caller = direct
	} else {
		reg, err := openRegistry(cfg.Registry)
		if err != nil {
			return "", err
		}
		defer reg.Close()
		d := client.NewDialer(reg, loadbalance.New(cfg.Registry.Balancer), opts, cfg.Client.Heartbeat)
		defer d.Close()
		d.SetRetry(client.RetryPolicy{MaxRetries: cfg.Client.MaxRetries, BaseDelay: cfg.Client.RetryDelay})
		if method == "notify" {
			c, err := d.Client(ctx, cfg.Server.Service)
			if err != nil {
				return "", err
			}
			direct = c
		}
		caller = echo.ServiceDialer{D: d, Service: cfg.Server.Service}
	}

	p := echo.NewProxy(caller)
	switch method {
	case "echo":
		return p.Echo(ctx, strings.Join(args, " "))
	case "slow-echo":
		return p.SlowEcho(ctx, strings.Join(args, " "))
	case "add":
		if len(args) != 2 {
			return "", fmt.Errorf("add takes two integers, got %d arguments", len(args))
		}
		a, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "", fmt.Errorf("parse %q: %w", args[0], err)
		}
		b, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("parse %q: %w", args[1], err)
		}
		sum, err := p.Add(ctx, a, b)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(sum, 10), nil
	case "notify":
		return "", echo.Notify(direct, strings.Join(args, " "))
	}
	return "", fmt.Errorf("unknown method %q", method)
}
