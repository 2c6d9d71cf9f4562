// Package cli wires the configured service graph behind each command.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/opencode-ai/proctor/internal/budget"
	"github.com/opencode-ai/proctor/internal/budget/redisledger"
	"github.com/opencode-ai/proctor/internal/config"
	"github.com/opencode-ai/proctor/internal/db"
	"github.com/opencode-ai/proctor/internal/exam"
	"github.com/opencode-ai/proctor/internal/models"
	"github.com/opencode-ai/proctor/internal/progress"
	"github.com/opencode-ai/proctor/internal/prompts"
	"github.com/opencode-ai/proctor/internal/provider"
	"github.com/opencode-ai/proctor/internal/router"
)

// buildExamService wires the full test administration graph from the loaded
// configuration: ledger, admission control, provider invokers, pacing,
// routing, the prompt library and progression tracking. The returned ledger
// is the same instance the service consults, so callers can provision
// accounts against it.
func buildExamService(database *db.DB) (*exam.Service, budget.Ledger, error) {
	cfg := GetConfig()
	if cfg == nil {
		cfg = config.Default()
	}

	ledger := buildLedger(database, cfg)

	agents := db.NewAgentRepository(database)
	attempts := db.NewAttemptRepository(database)
	eventRepo := db.NewEventRepository(database)

	admission := budget.NewController(ledger, agents, admissionOptions(cfg.Admission))

	registry := provider.NewRegistry()
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		registry.MustRegister(provider.NewHTTPInvoker(provider.Options{
			Name:            models.Provider(p.Name),
			BaseURL:         p.BaseURL,
			Model:           p.Model,
			APIKey:          os.Getenv(p.APIKeyEnv),
			MaxOutputTokens: p.MaxOutputTokens,
			Timeout:         cfg.Routing.InvokeTimeout,
		}))
	}

	pacer := provider.NewPacer(provider.WithProviderRates(pacerRates(cfg)))

	selector := router.New(ledger, registry, pacer, router.Options{
		Order:             routingOrder(cfg.Routing),
		FallbackThreshold: cfg.Routing.FallbackThreshold,
		InvokeTimeout:     cfg.Routing.InvokeTimeout,
	})

	library, err := buildLibrary(cfg)
	if err != nil {
		return nil, nil, err
	}

	tracker := progress.NewTracker(database, agents, attempts,
		progress.WithLevelThreshold(cfg.Exam.LevelThreshold))

	service := exam.NewService(exam.Deps{
		Agents:    agents,
		Attempts:  attempts,
		Events:    eventRepo,
		Tracker:   tracker,
		Admission: admission,
		Router:    selector,
		Ledger:    ledger,
		Library:   library,
	},
		exam.WithPromotionStreak(cfg.Exam.PromotionStreak),
		exam.WithHistoryLimit(cfg.Exam.HistoryLimit),
	)

	return service, ledger, nil
}

// buildLedger selects the budget ledger backend. Redis serves deployments
// where several proctor instances share one allowance; SQLite covers the
// single-node default.
func buildLedger(database *db.DB, cfg *config.Config) budget.Ledger {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return budget.NewSQLLedger(database)
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return redisledger.New(client, redisledger.WithKeyPrefix(cfg.Redis.KeyPrefix))
}

func admissionOptions(adm config.AdmissionConfig) budget.Options {
	return budget.Options{
		CooldownPeriod:    adm.CooldownPeriod,
		MaxConcurrent:     adm.MaxConcurrent,
		MaxHourlyFraction: adm.MaxHourlyFraction,
		MaxDailyFraction:  adm.MaxDailyFraction,
		MinDailyFraction:  adm.MinDailyFraction,
		CatchUpEnabled:    adm.CatchUpEnabled,
		CatchUpDays:       adm.CatchUpDays,
	}
}

func pacerRates(cfg *config.Config) map[models.Provider]provider.PacerConfig {
	rates := make(map[models.Provider]provider.PacerConfig, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.RequestsPerMinute <= 0 {
			continue
		}
		rates[models.Provider(p.Name)] = provider.PacerConfig{
			RequestsPerMinute: p.RequestsPerMinute,
		}
	}
	return rates
}

func routingOrder(routing config.RoutingConfig) []models.Provider {
	order := []models.Provider{models.Provider(routing.Primary)}
	if routing.Secondary != "" && routing.Secondary != routing.Primary {
		order = append(order, models.Provider(routing.Secondary))
	}
	return order
}

// buildLibrary resolves exam question templates. An explicit prompts_dir
// shadows builtins by template name; otherwise the standard search paths
// apply.
func buildLibrary(cfg *config.Config) (*prompts.Library, error) {
	dir := strings.TrimSpace(cfg.Exam.PromptsDir)
	if dir == "" {
		return prompts.Load(".")
	}

	overrides, err := prompts.LoadTemplatesFromDir(dir)
	if err != nil {
		return nil, err
	}
	builtins, err := prompts.LoadBuiltins()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(overrides))
	merged := make([]*prompts.Template, 0, len(overrides)+len(builtins))
	for _, tmpl := range overrides {
		seen[tmpl.Name] = struct{}{}
		merged = append(merged, tmpl)
	}
	for _, tmpl := range builtins {
		if _, ok := seen[tmpl.Name]; ok {
			continue
		}
		merged = append(merged, tmpl)
	}
	return prompts.NewLibrary(merged), nil
}

// provisionAccount creates or updates the provider's monthly allowance in
// whichever ledger backend is configured.
func provisionAccount(ctx context.Context, database *db.DB, ledger budget.Ledger, prov models.Provider, monthlyLimit int64) error {
	type provisioner interface {
		EnsureAccount(ctx context.Context, provider models.Provider, monthlyLimit int64) error
	}
	if backend, ok := ledger.(provisioner); ok {
		return backend.EnsureAccount(ctx, prov, monthlyLimit)
	}
	return db.NewAccountRepository(database).Ensure(ctx, prov, monthlyLimit)
}

func parseProvider(value string) (models.Provider, error) {
	prov, err := models.ParseProvider(value)
	if err != nil {
		return "", fmt.Errorf("invalid provider %q (anthropic, openai, google, custom)", value)
	}
	return prov, nil
}
