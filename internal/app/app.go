// Package app wires configuration into the stores, providers and services shared
// by the server and worker commands.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"ticketbridge/internal/config"
	"ticketbridge/internal/db"
	"ticketbridge/internal/oauth"
	"ticketbridge/internal/oauthstate"
	"ticketbridge/internal/policy/engine"
	"ticketbridge/internal/security"
	"ticketbridge/internal/store"
	"ticketbridge/internal/store/memory"
	"ticketbridge/internal/store/postgres"
)

// Stores are the credential store and the OAuth state store.
type Stores struct {
	Store  store.Store
	States oauthstate.Store
	// Persistent is false for the in-memory store.
	Persistent bool
	db         *sql.DB
}

// Close releases the database pool, if any.
func (s *Stores) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenStores opens Postgres when DATABASE_URL is set and falls back to the
// in-memory stores otherwise.
func OpenStores(cfg *config.Config) (*Stores, error) {
	if cfg.DatabaseURL == "" {
		log.Printf("app: DATABASE_URL not set; using in-memory store")
		return &Stores{Store: memory.New(), States: oauthstate.NewMemoryStore()}, nil
	}
	key, err := security.ParseSealerKey(cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("token encryption key: %w", err)
	}
	sealer, err := security.NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("token encryption key: %w", err)
	}
	pool, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Stores{
		Store:      postgres.New(pool, sealer),
		States:     postgres.NewStateStore(pool),
		Persistent: true,
		db:         pool,
	}, nil
}

// NewTokenProvider returns the session token signer: RS256/ES256 when a key pair
// is configured, HS256 with SESSION_SECRET otherwise.
func NewTokenProvider(cfg *config.Config) (*security.TokenProvider, error) {
	if cfg.UsesKeyPair() {
		priv, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("jwt key pair: %w", err)
		}
		return security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience)
	}
	return security.NewHMACTokenProvider([]byte(cfg.SessionSecret), cfg.JWTIssuer, cfg.JWTAudience)
}

// NewProviders returns a registry of the providers whose client id is configured.
func NewProviders(cfg *config.Config, observer oauth.CallObserver) *oauth.Registry {
	var clients []oauth.Client
	if cfg.GitHubClientID != "" {
		clients = append(clients, oauth.NewGitHubClient(oauth.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			Scopes:       cfg.GitHubScopeList(),
			AuthURL:      cfg.GitHubAuthURL,
			TokenURL:     cfg.GitHubTokenURL,
			APIURL:       cfg.GitHubAPIURL,
			Timeout:      cfg.ProviderTimeout(),
			Observer:     observer,
		}))
	}
	if cfg.JiraClientID != "" {
		clients = append(clients, oauth.NewJiraClient(oauth.Config{
			ClientID:     cfg.JiraClientID,
			ClientSecret: cfg.JiraClientSecret,
			RedirectURL:  cfg.JiraRedirectURL,
			Scopes:       cfg.JiraScopeList(),
			AuthURL:      cfg.JiraAuthURL,
			TokenURL:     cfg.JiraTokenURL,
			APIURL:       cfg.JiraAPIURL,
			Timeout:      cfg.ProviderTimeout(),
			Observer:     observer,
		}))
	}
	reg := oauth.NewRegistry(clients...)
	if len(clients) == 0 {
		log.Printf("app: no OAuth providers configured")
	} else {
		log.Printf("app: OAuth providers enabled: %v", reg.Providers())
	}
	return reg
}

// NewPolicy compiles TICKET_POLICY_FILE, or the built-in policy when unset.
func NewPolicy(ctx context.Context, cfg *config.Config) (*engine.OPAEvaluator, error) {
	module, err := engine.LoadPolicyFile(cfg.TicketPolicyFile)
	if err != nil {
		return nil, err
	}
	return engine.NewOPAEvaluator(ctx, module)
}
