package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcprouter/mcprouter/internal/store"
	"github.com/mcprouter/mcprouter/internal/upstream"
)

func newUpstreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upstream",
		Short: "Manage upstream MCP servers",
	}
	cmd.AddCommand(
		newUpstreamAddCmd(),
		newUpstreamUpdateCmd(),
		newUpstreamListCmd(),
		newUpstreamToggleCmd(),
		newUpstreamRemoveCmd(),
		newUpstreamStatusCmd(),
	)
	return cmd
}

func openManager() (*store.Store, *upstream.Manager, error) {
	st, err := store.Open(resolveDataDir(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, upstream.NewManager(st, nil), nil
}

func newUpstreamAddCmd() *cobra.Command {
	var (
		command string
		argsCSV string
		url     string
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new upstream MCP server",
		Long: `Registers an upstream over stdio (--command, arguments in --args) or over
streamable HTTP (--url). The SSE transport is not selectable from this command.

Examples:
  mcprouter upstream add math --command python3 --args=-m,math_server
  mcprouter upstream add docs --url https://docs.example.com/mcp --header "Authorization: Bearer tok"`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			st, mgr, err := openManager()
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := &store.UpstreamConfig{Name: args[0], Enabled: true}
			switch {
			case command != "":
				cfg.Transport = store.TransportSTDIO
				cfg.Command = command
				if argsCSV != "" {
					cfg.Args = strings.Split(argsCSV, ",")
				}
			case url != "":
				cfg.Transport = store.TransportHTTP
				cfg.URL = url
				if len(headers) > 0 {
					cfg.Headers = parseHeaders(headers)
				}
			default:
				return fmt.Errorf("exactly one of --command or --url is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			id, err := mgr.AddUpstream(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Added upstream %q (id=%s)\n", args[0], id)
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "stdio launch command")
	cmd.Flags().StringVar(&argsCSV, "args", "", "comma-separated stdio command arguments")
	cmd.Flags().StringVar(&url, "url", "", "streamable HTTP endpoint URL")
	cmd.Flags().StringArrayVar(&headers, "header", nil, `HTTP header as "Key: Value" (repeatable)`)
	return cmd
}

func newUpstreamUpdateCmd() *cobra.Command {
	var (
		command string
		argsCSV string
		url     string
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Replace an upstream's transport configuration",
		Long: `Overwrites the named upstream's transport settings (--command or --url) in
place, preserving its id, enabled state, and creation time. If the upstream is
currently enabled, it is reconnected with the new settings immediately.

Examples:
  mcprouter upstream update math --command python3 --args=-m,math_server_v2
  mcprouter upstream update docs --url https://docs.example.com/mcp --header "Authorization: Bearer newtok"`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			st, mgr, err := openManager()
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := &store.UpstreamConfig{}
			switch {
			case command != "":
				cfg.Transport = store.TransportSTDIO
				cfg.Command = command
				if argsCSV != "" {
					cfg.Args = strings.Split(argsCSV, ",")
				}
			case url != "":
				cfg.Transport = store.TransportHTTP
				cfg.URL = url
				if len(headers) > 0 {
					cfg.Headers = parseHeaders(headers)
				}
			default:
				return fmt.Errorf("exactly one of --command or --url is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := mgr.UpdateUpstream(ctx, args[0], cfg); err != nil {
				return err
			}
			fmt.Printf("Updated upstream %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "stdio launch command")
	cmd.Flags().StringVar(&argsCSV, "args", "", "comma-separated stdio command arguments")
	cmd.Flags().StringVar(&url, "url", "", "streamable HTTP endpoint URL")
	cmd.Flags().StringArrayVar(&headers, "header", nil, `HTTP header as "Key: Value" (repeatable)`)
	return cmd
}

func parseHeaders(raw []string) map[string]string {
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

func newUpstreamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured upstream servers",
		RunE: func(*cobra.Command, []string) error {
			st, _, err := openManager()
			if err != nil {
				return err
			}
			defer st.Close()

			cfgs, err := st.ListUpstreams()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTRANSPORT\tENABLED\tVERSION")
			for _, cfg := range cfgs {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", cfg.Name, cfg.Transport, cfg.Enabled, cfg.Version)
			}
			return w.Flush()
		},
	}
}

func newUpstreamToggleCmd() *cobra.Command {
	var enable bool
	cmd := &cobra.Command{
		Use:   "toggle <name>",
		Short: "Enable or disable an upstream server",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			st, mgr, err := openManager()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			enabled, err := mgr.ToggleUpstream(ctx, args[0], enable)
			if err != nil {
				return err
			}
			fmt.Printf("Upstream %q is now enabled=%t\n", args[0], enabled)
			return nil
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", true, "set to false to disable")
	return cmd
}

func newUpstreamRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove an upstream server and its cached capabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			st, mgr, err := openManager()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := mgr.RemoveUpstream(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed upstream %q\n", args[0])
			return nil
		},
	}
}

func newUpstreamStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every enabled upstream and report which are unhealthy",
		RunE: func(*cobra.Command, []string) error {
			st, mgr, err := openManager()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := mgr.Start(ctx); err != nil {
				return fmt.Errorf("connect upstreams: %w", err)
			}
			defer mgr.Stop()

			unhealthy := mgr.BatchHealthCheck(ctx)
			if len(unhealthy) == 0 {
				fmt.Println("All upstreams healthy")
				return nil
			}
			fmt.Println("Unhealthy upstreams:")
			for _, name := range unhealthy {
				fmt.Printf("  %s\n", name)
			}
			return nil
		},
	}
}
