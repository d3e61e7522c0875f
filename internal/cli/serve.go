package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/dvm/internal/config"
	"github.com/roach88/dvm/internal/engine"
	"github.com/roach88/dvm/internal/ledger"
	"github.com/roach88/dvm/internal/lightning"
	"github.com/roach88/dvm/internal/oracle"
	"github.com/roach88/dvm/internal/relay"
	"github.com/roach88/dvm/internal/runner"
	"github.com/roach88/dvm/internal/store"
	"github.com/roach88/dvm/internal/web"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions

	// Lightning allows overriding the payment backend (for testing).
	// If nil, serve runs without a node: prepaid balances only.
	Lightning lightning.Issuer

	// Settlements pairs with Lightning. If nil, no settlements arrive.
	Settlements lightning.Settlements
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the vending machine daemon",
		Long: `Run the vending machine daemon.

Opens the SQLite database (creating it if it doesn't exist), subscribes
to job request events on the configured relays, serves LNURL-pay and
NIP-05 over HTTP, and drives the execution pool and schedule wheel.

Example:
  dvm serve --config dvm.yaml
  dvm serve --config /etc/dvm/dvm.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	oraclePub, err := oraclePubKey(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid oracle key", err)
	}

	slog.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database ready")

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	issuer := opts.Lightning
	settlements := opts.Settlements
	if issuer == nil {
		slog.Warn("no lightning backend, pay-per-use disabled")
		issuer = lightning.Disabled{}
	}
	if settlements == nil {
		settlements = lightning.Disabled{}
	}

	oracles := oracle.New(st, oraclePub)
	codec := relay.NewNip04Codec(cfg.SecretKey)
	pool := nostr.NewSimplePool(ctx)
	publisher := relay.NewPublisher(pool, cfg.Relays, cfg.SecretKey, codec)

	eng := engine.New(st, oracles, runner.NewExecutor(), engine.Options{
		PriceMsatPerMs: cfg.PriceMsatPerMs,
		MaxBudget:      time.Duration(cfg.MaxBudgetMs) * time.Millisecond,
		Workers:        cfg.Workers,
		Publisher:      publisher,
	})

	listener := relay.NewListener(pool, cfg.Relays, cfg.SecretKey, eng, issuer, codec)

	accounts := ledger.New(st)
	webSrv := web.New(web.Config{
		Domain: cfg.Domain,
		Name:   cfg.Name,
		Pubkey: servicePubKey(cfg.SecretKey),
	}, issuer, accounts)

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: webSrv}

	slog.Info("daemon starting",
		"db", cfg.Database,
		"relays", cfg.Relays,
		"listen", cfg.Listen,
		"workers", cfg.Workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error {
		// A settlement pays either a parked job invoice or an LNURL
		// deposit invoice; hand it to both, each ignores unknown hashes.
		return lightning.Route(gctx, settlements, func(ctx context.Context, hash string, amountMsat int64) error {
			if err := eng.OnPaymentSettled(ctx, hash, amountMsat); err != nil {
				return err
			}
			return webSrv.OnSettled(ctx, hash, amountMsat)
		})
	})
	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "daemon error", err)
	}

	slog.Info("daemon stopped gracefully")
	return nil
}

// oraclePubKey derives the attestation verification key from the
// configured oracle private key.
func oraclePubKey(cfg *config.Config) (*btcec.PublicKey, error) {
	if cfg.OracleKey == "" {
		return nil, fmt.Errorf("oracle_key is required to serve")
	}
	priv, err := parseOracleKey(cfg.OracleKey)
	if err != nil {
		return nil, err
	}
	return priv.PubKey(), nil
}

// parseOracleKey decodes a hex secp256k1 private key.
func parseOracleKey(hexKey string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode oracle key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("oracle key must be 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

// servicePubKey derives the nostr public key from the service secret
// key. An unparseable key yields an empty pubkey; signing fails loudly
// later so this is reported there.
func servicePubKey(secretKey string) string {
	pub, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return ""
	}
	return pub
}
