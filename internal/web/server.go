// Package web serves the lnurl-pay and nip05 endpoints: balance
// deposits enter the system here as paid invoices that credit the
// payer's account on settlement.
package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/nbd-wtf/go-nostr"

	"github.com/roach88/dvm/internal/ledger"
	"github.com/roach88/dvm/internal/lightning"
)

// Sendable bounds for lnurl-pay requests, in msat.
const (
	MinSendableMsat = 1_000
	MaxSendableMsat = 11_000_000_000
)

// Config identifies the service to lnurl and nip05 clients.
type Config struct {
	// Domain is the public hostname serving these endpoints.
	Domain string

	// Name is the lnurl/nip05 username.
	Name string

	// Pubkey is the service's nostr public key (hex).
	Pubkey string
}

// Server exposes the HTTP endpoints and tracks invoices issued for
// deposits until they settle.
type Server struct {
	cfg      Config
	issuer   lightning.Issuer
	ledger   *ledger.Service
	router   *mux.Router
	metadata string
	metaHash string

	mu      sync.Mutex
	pending map[string]string // payment hash -> account to credit
}

// New creates a Server.
func New(cfg Config, issuer lightning.Issuer, lg *ledger.Service) *Server {
	s := &Server{
		cfg:     cfg,
		issuer:  issuer,
		ledger:  lg,
		pending: make(map[string]string),
	}

	// The invoice callback is keyed by the hash of the lnurl metadata,
	// which is what the payer's wallet commits to in the invoice.
	s.metadata = fmt.Sprintf(`[["text/identifier","%s@%s"],["text/plain","Sats for %s"]]`,
		cfg.Name, cfg.Domain, cfg.Name)
	sum := sha256.Sum256([]byte(s.metadata))
	s.metaHash = hex.EncodeToString(sum[:])

	r := mux.NewRouter()
	r.HandleFunc("/.well-known/lnurlp/{name}", s.handleLnurlPay).Methods(http.MethodGet)
	r.HandleFunc("/get-invoice/{hash}", s.handleCallback).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/nostr.json", s.handleNip05).Methods(http.MethodGet)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// OnSettled credits the deposit that was waiting on the payment hash.
// Settlements for unknown hashes are ignored (they belong to the job
// funding path).
func (s *Server) OnSettled(ctx context.Context, paymentHash string, amountMsat int64) error {
	s.mu.Lock()
	account, ok := s.pending[paymentHash]
	if ok {
		delete(s.pending, paymentHash)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.ledger.Deposit(ctx, account, paymentHash, amountMsat, "lnurl deposit")
}

type lnurlPayResponse struct {
	Callback    string `json:"callback"`
	MaxSendable int64  `json:"maxSendable"`
	MinSendable int64  `json:"minSendable"`
	Metadata    string `json:"metadata"`
	Tag         string `json:"tag"`
	AllowsNostr bool   `json:"allowsNostr"`
	NostrPubkey string `json:"nostrPubkey"`
}

func (s *Server) handleLnurlPay(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if name != s.cfg.Name {
		lnurlError(w, "unknown user")
		return
	}

	writeJSON(w, lnurlPayResponse{
		Callback:    fmt.Sprintf("https://%s/get-invoice/%s", s.cfg.Domain, s.metaHash),
		MaxSendable: MaxSendableMsat,
		MinSendable: MinSendableMsat,
		Metadata:    s.metadata,
		Tag:         "payRequest",
		AllowsNostr: true,
		NostrPubkey: s.cfg.Pubkey,
	})
}

type lnurlCallbackResponse struct {
	Pr     string `json:"pr"`
	Routes []any  `json:"routes"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["hash"] != s.metaHash {
		lnurlError(w, "unknown metadata hash")
		return
	}

	amountMsat, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amountMsat < MinSendableMsat || amountMsat > MaxSendableMsat {
		lnurlError(w, "amount out of range")
		return
	}

	// A zap request names the account to credit; plain lnurl payments
	// credit the service identity.
	account := s.cfg.Pubkey
	if zapJSON := r.URL.Query().Get("nostr"); zapJSON != "" {
		var zap nostr.Event
		if err := json.Unmarshal([]byte(zapJSON), &zap); err != nil || zap.PubKey == "" {
			lnurlError(w, "invalid zap request")
			return
		}
		account = zap.PubKey
	}

	inv, err := s.issuer.Issue(r.Context(), amountMsat, "deposit for "+account)
	if err != nil {
		slog.Error("deposit invoice failed", "account", account, "error", err)
		lnurlError(w, "could not issue invoice")
		return
	}

	s.mu.Lock()
	s.pending[inv.PaymentHash] = account
	s.mu.Unlock()

	writeJSON(w, lnurlCallbackResponse{Pr: inv.Bolt11, Routes: []any{}})
}

func (s *Server) handleNip05(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	names := map[string]string{}
	if name == "" || name == s.cfg.Name {
		names[s.cfg.Name] = s.cfg.Pubkey
	}
	writeJSON(w, map[string]any{"names": names})
}

func lnurlError(w http.ResponseWriter, reason string) {
	writeJSON(w, map[string]string{"status": "ERROR", "reason": reason})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "error", err)
	}
}
