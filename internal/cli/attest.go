package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/dvm/internal/config"
	"github.com/roach88/dvm/internal/oracle"
	"github.com/roach88/dvm/internal/store"
)

// AttestOptions holds flags for the attest command.
type AttestOptions struct {
	*RootOptions
	Name    string
	Outcome string
}

// NewAttestCommand creates the attest command.
func NewAttestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AttestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "attest",
		Short: "Sign and record an event outcome",
		Long: `Sign and record an event outcome.

An event attests at most once; a second attestation is rejected. Jobs
bound to the event are released by the running daemon when it next
observes the attestation, or immediately if it shares this database.

Example:
  dvm attest --name world-cup-2026 --outcome argentina`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttest(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "event name (required)")
	cmd.Flags().StringVar(&opts.Outcome, "outcome", "", "observed outcome (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("outcome")

	return cmd
}

func runAttest(opts *AttestOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	priv, err := parseOracleKey(cfg.OracleKey)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid oracle key", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	sig, err := oracle.Sign(priv, opts.Name, opts.Outcome)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to sign outcome", err)
	}

	svc := oracle.New(st, priv.PubKey())
	if err := svc.Attest(cmd.Context(), opts.Name, opts.Outcome, sig); err != nil {
		return WrapExitError(ExitFailure, "failed to attest", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "attested %s = %s\n", opts.Name, opts.Outcome)
	return nil
}
