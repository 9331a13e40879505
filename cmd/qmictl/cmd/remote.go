package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qmigo/qmigo/internal/address"
	"github.com/qmigo/qmigo/internal/config"
	"github.com/qmigo/qmigo/internal/qmictx"
)

// Flags shared by the commands that talk to a running context.
var (
	targetContext  string
	targetEndpoint string
	workgroup      string
	callTimeout    time.Duration
)

func addRemoteFlags(c *cobra.Command) {
	c.Flags().StringVar(&targetContext, "context", "", "name of the target context (required)")
	c.Flags().StringVar(&targetEndpoint, "endpoint", "", "host:port of the target context (discovered when omitted)")
	c.Flags().StringVar(&workgroup, "workgroup", "default", "workgroup to discover and handshake in")
	c.Flags().DurationVar(&callTimeout, "timeout", 5*time.Second, "per-call timeout")
	_ = c.MarkFlagRequired("context")
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the services a running context hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteCall("list_services")
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the peers a running context is connected to",
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteCall("list_peers")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request orderly shutdown of a running context",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *qmictx.Context) error {
			p := c.NewProxy(address.ForContext(targetContext))
			if _, err := p.Call(ctx, "shutdown", nil, nil, callTimeout); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "context %q shutting down\n", targetContext)
			return nil
		})
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the contexts answering in a workgroup",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *qmictx.Context) error {
			peers, err := c.Discover(ctx, callTimeout)
			if err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Printf("%s\t%s:%d\n", p.Context, p.Host, p.Port)
			}
			return nil
		})
	},
}

func init() {
	addRemoteFlags(servicesCmd)
	addRemoteFlags(peersCmd)
	addRemoteFlags(stopCmd)

	discoverCmd.Flags().StringVar(&workgroup, "workgroup", "default", "workgroup to discover")
	discoverCmd.Flags().DurationVar(&callTimeout, "timeout", 5*time.Second, "discovery window")

	rootCmd.AddCommand(servicesCmd, peersCmd, stopCmd, discoverCmd)
}

// remoteCall connects to the target context and invokes a no-argument
// introspection method on its context object, printing each element of
// the returned list on its own line.
func remoteCall(method string) error {
	return withClient(func(ctx context.Context, c *qmictx.Context) error {
		p := c.NewProxy(address.ForContext(targetContext))
		v, err := p.Call(ctx, method, nil, nil, callTimeout)
		if err != nil {
			return err
		}
		for _, item := range v.List {
			fmt.Println(item.String)
		}
		return nil
	})
}

// withClient runs fn against a short-lived client context: an ordinary
// qmigo context with an ephemeral name and port whose only purpose is
// to carry the proxy traffic of one CLI invocation.
func withClient(fn func(ctx context.Context, c *qmictx.Context) error) error {
	cfg := &config.ContextConfig{
		ContextName: fmt.Sprintf("qmictl-%d", os.Getpid()),
		Workgroup:   workgroup,
		BindHost:    "127.0.0.1",
	}
	cfg.SetDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout+5*time.Second)
	defer cancel()

	c := qmictx.New(cfg, nil)
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelShutdown()
		_ = c.Shutdown(shutdownCtx)
	}()

	if targetContext != "" {
		if err := c.ConnectPeer(ctx, targetContext, targetEndpoint); err != nil {
			return err
		}
	}
	return fn(ctx, c)
}
