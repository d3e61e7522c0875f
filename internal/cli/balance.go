package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/dvm/internal/config"
	"github.com/roach88/dvm/internal/ledger"
	"github.com/roach88/dvm/internal/store"
)

// BalanceOptions holds flags for the balance command.
type BalanceOptions struct {
	*RootOptions
	Credit int64
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BalanceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "balance <account>",
		Short: "Inspect or credit a prepaid account",
		Long: `Inspect or credit a prepaid account.

The account is a requester pubkey. Without --credit the current balance
is printed; with --credit the given amount in millisatoshis is added
first.

Example:
  dvm balance 79be667e...
  dvm balance 79be667e... --credit 100000`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalance(opts, args[0], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Credit, "credit", 0, "amount in msat to credit before printing")

	return cmd
}

func runBalance(opts *BalanceOptions, account string, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
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

	accounts := ledger.New(st)
	if opts.Credit > 0 {
		if err := accounts.Credit(cmd.Context(), account, opts.Credit); err != nil {
			return WrapExitError(ExitFailure, "failed to credit account", err)
		}
	}

	balance, err := accounts.Balance(cmd.Context(), account)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read balance", err)
	}

	if opts.Format == "json" {
		f := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
		return f.Success(map[string]any{
			"account":      account,
			"balance_msat": balance,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d msat\n", balance)
	return nil
}
