// Command grantctl issues and revokes auditor access grants and prints their
// access log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"auditgate.org/internal/gateway"
	"auditgate.org/internal/ids"
	"auditgate.org/internal/store/pg"
)

const usage = "usage: grantctl [-dsn DSN] create|revoke|log [flags]"

type adminStore interface {
	gateway.GrantAdmin
	gateway.AccessLogReader
	Find(ctx context.Context, id string) (gateway.Grant, error)
}

func main() {
	log.SetFlags(0)
	dsn := flag.String("dsn", os.Getenv("AUDITGATE_PG_DSN"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or AUDITGATE_PG_DSN")
	}
	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, flag.Args(), store, os.Stdout, time.Now); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, store adminStore, out io.Writer, now func() time.Time) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "create":
		return createGrant(ctx, args[1:], store, out, now)
	case "revoke":
		return revokeGrant(ctx, args[1:], store, out, now)
	case "log":
		return printLog(ctx, args[1:], store, out)
	}
	return fmt.Errorf("unknown command %q\n%s", args[0], usage)
}

func createGrant(ctx context.Context, args []string, store adminStore, out io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(out)
	var (
		org      = fs.String("org", "", "Organization id (required)")
		session  = fs.String("session", "", "Session name (required)")
		typ      = fs.String("type", string(gateway.AuditOther), "Audit type")
		auditor  = fs.String("auditor", "", "Auditor name (required)")
		email    = fs.String("email", "", "Auditor email")
		cert     = fs.String("cert-body", "", "Certification body")
		from     = fs.String("from", "", "Window start, RFC3339 (default: now)")
		days     = fs.Int("days", 7, "Window length in days")
		scopes   = fs.String("scopes", "all", "Comma separated module keys, or all")
		token    = fs.String("token", "", "Access token (default: random)")
		baseURL  = fs.String("base-url", "", "Portal base URL for the printed link")
		tokenLen = 24
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || *session == "" || *auditor == "" {
		return errors.New("create: -org, -session and -auditor are required")
	}
	at, err := gateway.ParseAuditType(*typ)
	if err != nil {
		return err
	}
	start := now().UTC()
	if *from != "" {
		if start, err = time.Parse(time.RFC3339, *from); err != nil {
			return fmt.Errorf("create: -from: %w", err)
		}
	}
	if *days <= 0 {
		return errors.New("create: -days must be positive")
	}
	flags, err := parseScopes(*scopes)
	if err != nil {
		return err
	}
	if *token == "" {
		if *token, err = ids.Secret(tokenLen); err != nil {
			return err
		}
	}

	g := gateway.Grant{
		OrganizationID: *org,
		AccessToken:    *token,
		SessionName:    *session,
		AuditType:      at,
		CertBody:       *cert,
		AuditorName:    *auditor,
		AuditorEmail:   *email,
		ValidFrom:      start,
		ValidUntil:     start.Add(time.Duration(*days) * 24 * time.Hour),
		Scopes:         flags,
	}
	if err := store.CreateGrant(ctx, &g); err != nil {
		return fmt.Errorf("create grant: %w", err)
	}

	fmt.Fprintf(out, "grant:   %s\n", g.ID)
	fmt.Fprintf(out, "token:   %s\n", g.AccessToken)
	fmt.Fprintf(out, "window:  %s .. %s\n", g.ValidFrom.Format(time.RFC3339), g.ValidUntil.Format(time.RFC3339))
	if *baseURL != "" {
		fmt.Fprintf(out, "link:    %s/portal?token=%s\n", strings.TrimRight(*baseURL, "/"), url.QueryEscape(g.AccessToken))
	}
	return nil
}

func parseScopes(raw string) (map[string]bool, error) {
	out := make(map[string]bool)
	raw = strings.TrimSpace(raw)
	if raw == "all" {
		for _, f := range gateway.ScopeFlags() {
			out[f] = true
		}
		return out, nil
	}
	for _, key := range strings.Split(raw, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		m, ok := gateway.LookupModule(gateway.ModuleKey(key))
		if !ok {
			return nil, fmt.Errorf("%w: %q", gateway.ErrUnknownModule, key)
		}
		out[m.ScopeFlag] = true
	}
	return out, nil
}

func revokeGrant(ctx context.Context, args []string, store adminStore, out io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	fs.SetOutput(out)
	id := fs.String("id", "", "Grant id (required)")
	reason := fs.String("reason", "", "Reason shown to the auditor")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("revoke: -id is required")
	}
	g, err := store.RevokeGrant(ctx, *id, strings.TrimSpace(*reason), now().UTC())
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	fmt.Fprintf(out, "grant %s revoked at %s", g.ID, g.RevokedAt.Format(time.RFC3339))
	if g.RevokeReason != "" {
		fmt.Fprintf(out, ": %s", g.RevokeReason)
	}
	fmt.Fprintln(out)
	return nil
}

func printLog(ctx context.Context, args []string, store adminStore, out io.Writer) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fs.SetOutput(out)
	id := fs.String("id", "", "Grant id (required)")
	limit := fs.Int("limit", 50, "Maximum entries, newest first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("log: -id is required")
	}
	if _, err := store.Find(ctx, *id); err != nil {
		return fmt.Errorf("find grant: %w", err)
	}
	entries, err := store.ListAccessLog(ctx, *id, *limit)
	if err != nil {
		return fmt.Errorf("list access log: %w", err)
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s  %-11s  %-24s  %s\n",
			e.CreatedAt.UTC().Format(time.RFC3339), e.Action, e.Module, describe(e))
	}
	return nil
}

func describe(e gateway.LogEntry) string {
	switch {
	case e.ResourceName != "" && e.ResourceID != "":
		return fmt.Sprintf("%s (%s)", e.ResourceName, e.ResourceID)
	case e.ResourceName != "":
		return e.ResourceName
	}
	return e.ResourceID
}
