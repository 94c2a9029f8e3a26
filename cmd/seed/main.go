// seed inserts a development user and a case of approved violations so the
// ticket endpoints can be exercised locally. Idempotent: an existing dev user is
// kept and violations are upserted.
package main

import (
	"context"
	"errors"
	"log"

	"ticketbridge/internal/app"
	"ticketbridge/internal/apperr"
	"ticketbridge/internal/config"
	identityservice "ticketbridge/internal/identity/service"
	"ticketbridge/internal/security"
	ticketdomain "ticketbridge/internal/ticket/domain"
	userdomain "ticketbridge/internal/user/domain"
)

const (
	devUserEmail = "dev@example.com"
	devPassword  = "password123"
	devCaseID    = "dev-case-001"
)

type violationWriter interface {
	InsertViolation(ctx context.Context, v *ticketdomain.Violation) error
}

var devViolations = []*ticketdomain.Violation{
	{
		ID: "dev-violation-001", RuleID: "SEC-001", Severity: "high", Verdict: "violation",
		Explanation: "AWS access key committed to the repository",
		Evidence:    "AKIA****************", FilePath: "config/settings.py", StartLine: 12, EndLine: 12,
		RepoName: "acme/payments",
	},
	{
		ID: "dev-violation-002", RuleID: "SEC-014", Severity: "medium", Verdict: "violation",
		Explanation: "TLS certificate verification disabled for outbound HTTP client",
		Evidence:    "InsecureSkipVerify: true", FilePath: "internal/client/http.go", StartLine: 40, EndLine: 42,
		RepoName: "acme/payments",
	},
	{
		ID: "dev-violation-003", RuleID: "LOG-003", Severity: "low", Verdict: "violation",
		Explanation: "Request bodies containing card numbers are logged at debug level",
		FilePath:    "internal/api/middleware.go", StartLine: 88, EndLine: 95,
		RepoName: "acme/payments",
	},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	stores, err := app.OpenStores(cfg)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer stores.Close()
	ctx := context.Background()

	authn, err := identityservice.NewAuthenticator(stores.Store, security.NewHasher(cfg.BcryptCost))
	if err != nil {
		log.Fatalf("authenticator: %v", err)
	}
	u, err := authn.CreateUser(ctx, devUserEmail, devPassword, userdomain.Profile{FirstName: "Dev", LastName: "User", CompanyName: "Acme Dev"})
	switch {
	case errors.Is(err, apperr.ErrDuplicateEmail):
		log.Printf("seed: %s already exists", devUserEmail)
	case err != nil:
		log.Fatalf("create dev user: %v", err)
	default:
		log.Printf("seed: created %s (%s)", u.Email, u.ID)
	}

	w, ok := stores.Store.(violationWriter)
	if !ok {
		log.Fatal("seed: store cannot write violations")
	}
	for _, v := range devViolations {
		v.CaseID = devCaseID
		v.Status = ticketdomain.ViolationApproved
		if err := w.InsertViolation(ctx, v); err != nil {
			log.Fatalf("insert violation %s: %v", v.ID, err)
		}
	}
	log.Printf("seed: %d approved violations in case %s", len(devViolations), devCaseID)
}
