// Command bootstrap-api-key creates an account, if needed, and issues its first API key.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/trackroute/trackroute/internal/auth"
	"github.com/trackroute/trackroute/internal/model"
	"github.com/trackroute/trackroute/internal/repository"
)

type output struct {
	AccountID string   `json:"account_id"`
	KeyID     string   `json:"key_id"`
	Key       string   `json:"key"`
	KeyPrefix string   `json:"key_prefix"`
	Scopes    []string `json:"scopes"`
}

type options struct {
	databaseURL string
	accountID   string
	accountName string
	keyName     string
	env         string
	tier        string
	scopes      string
	format      string
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	flag.StringVar(&opts.accountID, "account-id", "system", "Account to own the API key")
	flag.StringVar(&opts.accountName, "account-name", "System", "Account display name, used when creating it")
	flag.StringVar(&opts.keyName, "name", "bootstrap", "API key name")
	flag.StringVar(&opts.env, "env", auth.EnvLive, "Key environment: live or test")
	flag.StringVar(&opts.tier, "tier", model.TierUnlimited, "Rate limit tier: free, pro or unlimited")
	flag.StringVar(&opts.scopes, "scopes", "admin", "Comma-separated scopes (read,write,track,admin)")
	flag.StringVar(&opts.format, "format", "plain", "Output format: plain or json")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap-api-key:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.databaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if _, ok := model.TierConfigs[opts.tier]; !ok {
		return fmt.Errorf("unknown tier %q", opts.tier)
	}
	format := strings.ToLower(opts.format)
	if format != "plain" && format != "json" {
		return fmt.Errorf("invalid format %q; use plain or json", opts.format)
	}
	scopes, err := parseScopes(opts.scopes)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := repository.New(ctx, opts.databaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer repo.Close()

	if err := ensureAccount(ctx, repo, opts.accountID, opts.accountName); err != nil {
		return err
	}

	generated, err := auth.GenerateAPIKey(opts.env)
	if err != nil {
		return fmt.Errorf("generate api key: %w", err)
	}
	key := &model.APIKey{
		ID:            ulid.Make().String(),
		AccountID:     opts.accountID,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Scopes:        scopes,
		RateLimitTier: opts.tier,
		Name:          opts.keyName,
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	if format == "plain" {
		fmt.Println(generated.Plaintext)
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output{
		AccountID: key.AccountID,
		KeyID:     key.ID,
		Key:       generated.Plaintext,
		KeyPrefix: key.KeyPrefix,
		Scopes:    key.Scopes,
	})
}

func parseScopes(input string) ([]string, error) {
	var scopes []string
	for _, part := range strings.Split(input, ",") {
		scope := strings.TrimSpace(part)
		if scope == "" {
			continue
		}
		if !model.IsValidScope(scope) {
			return nil, fmt.Errorf("invalid scope: %s", scope)
		}
		scopes = append(scopes, scope)
	}
	if len(scopes) == 0 {
		scopes = []string{model.ScopeAdmin}
	}
	return scopes, nil
}

func ensureAccount(ctx context.Context, repo *repository.Repository, id, name string) error {
	if _, err := repo.GetAccount(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("get account: %w", err)
	}

	err := repo.CreateAccount(ctx, &model.Account{ID: id, Name: name, CreatedAt: time.Now().UTC()})
	if err != nil && !errors.Is(err, model.ErrDuplicate) {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}
