package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/dvm/internal/config"
	"github.com/roach88/dvm/internal/oracle"
	"github.com/roach88/dvm/internal/store"
)

// AnnounceOptions holds flags for the announce command.
type AnnounceOptions struct {
	*RootOptions
	Name     string
	Outcomes []string
	Digits   int
}

// NewAnnounceCommand creates the announce command.
func NewAnnounceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AnnounceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "announce",
		Short: "Register an oracle event and print its announcement",
		Long: `Register an oracle event and print its announcement.

An enum event enumerates its possible outcomes; a numeric event commits
to a digit count instead. Registration mints one nonce per outcome
position and persists the event so jobs can bind to it.

Example:
  dvm announce --name world-cup-2026 --outcome argentina --outcome brazil
  dvm announce --name btc-price --digits 6`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnnounce(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "event name (generated if empty)")
	cmd.Flags().StringArrayVar(&opts.Outcomes, "outcome", nil, "enum outcome (repeatable)")
	cmd.Flags().IntVar(&opts.Digits, "digits", 0, "digit count for numeric events")

	return cmd
}

func runAnnounce(opts *AnnounceOptions, cmd *cobra.Command) error {
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

	svc := oracle.New(st, priv.PubKey())
	ann, err := svc.Register(cmd.Context(), opts.Name, oracle.OutcomeSpace{
		Outcomes: opts.Outcomes,
		Digits:   opts.Digits,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to register event", err)
	}

	// Announcements are structured payloads; always print JSON.
	f := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
	return f.Success(ann)
}
