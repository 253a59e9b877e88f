package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcprouter/mcprouter/internal/store"
	"github.com/mcprouter/mcprouter/internal/token"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}
	cmd.AddCommand(
		newTokenCreateCmd(),
		newTokenListCmd(),
		newTokenToggleCmd(),
		newTokenRemoveCmd(),
		newTokenGrantCmd(),
		newTokenRevokeCmd(),
	)
	return cmd
}

func openTokenService() (*store.Store, *token.Service, error) {
	st, err := store.Open(resolveDataDir(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, token.New(st, nil), nil
}

func newTokenCreateCmd() *cobra.Command {
	var (
		description string
		expiresIn   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Mint a new bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			st, svc, err := openTokenService()
			if err != nil {
				return err
			}
			defer st.Close()

			plaintext, info, err := svc.Create(args[0], description, expiresIn)
			if err != nil {
				return err
			}
			fmt.Printf("Token created: %s\n", info.ID)
			fmt.Printf("Value (shown once): %s\n", plaintext)
			fmt.Printf("Masked: %s\n", info.Masked)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "human-readable description")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "time until expiry, e.g. 720h (0 = never)")
	return cmd
}

func newTokenListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tokens",
		RunE: func(*cobra.Command, []string) error {
			st, svc, err := openTokenService()
			if err != nil {
				return err
			}
			defer st.Close()

			infos, err := svc.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMASKED\tENABLED\tEXPIRED\tUSAGE")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%d\n", info.ID, info.Name, info.Masked, info.Enabled, info.IsExpired, info.UsageCount)
			}
			return w.Flush()
		},
	}
}

func newTokenToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <token-id>",
		Short: "Flip a token's enabled state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			st, svc, err := openTokenService()
			if err != nil {
				return err
			}
			defer st.Close()

			enabled, err := svc.Toggle(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Token %s is now enabled=%t\n", args[0], enabled)
			return nil
		},
	}
}

func newTokenRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <token-id>",
		Short: "Delete a token and its permission bindings",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			st, svc, err := openTokenService()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := svc.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Token %s deleted\n", args[0])
			return nil
		},
	}
}

// resolveCapabilityID looks up the upstream ID a KindServer binding
// references, given its name.
func resolveCapabilityID(st *store.Store, upstreamName string) (string, error) {
	cfg, err := st.GetUpstream(upstreamName)
	if err != nil {
		return "", err
	}
	return cfg.ID, nil
}

func newTokenGrantCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "grant <token-id>",
		Short: "Grant a token access to an upstream server",
		Long:  "Grants the token every capability currently cached for --server. Re-run after reconnecting an upstream to pick up newly declared tools.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			st, err := store.Open(resolveDataDir(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			if server == "" {
				return fmt.Errorf("--server is required")
			}
			upID, err := resolveCapabilityID(st, server)
			if err != nil {
				return err
			}
			if err := st.Grant(args[0], store.KindServer, upID); err != nil {
				return err
			}
			for _, kind := range []store.CapabilityKind{store.KindTool, store.KindResource, store.KindPrompt} {
				if err := st.GrantAllForUpstream(args[0], upID, kind); err != nil {
					return err
				}
			}
			fmt.Printf("Granted token %s access to server %q\n", args[0], server)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "upstream name to grant")
	return cmd
}

func newTokenRevokeCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a token's access to an upstream server",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			st, err := store.Open(resolveDataDir(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			if server == "" {
				return fmt.Errorf("--server is required")
			}
			upID, err := resolveCapabilityID(st, server)
			if err != nil {
				return err
			}
			if err := st.Revoke(args[0], store.KindServer, upID); err != nil {
				return err
			}
			for _, kind := range []store.CapabilityKind{store.KindTool, store.KindResource, store.KindPrompt} {
				if err := st.RevokeAllForUpstream(args[0], upID, kind); err != nil {
					return err
				}
			}
			fmt.Printf("Revoked token %s access to server %q\n", args[0], server)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "upstream name to revoke")
	return cmd
}
