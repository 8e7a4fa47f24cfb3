// Package breeze assembles a ready-to-use orchestrator from configuration:
// gateway and middleware, tools, executor, pipeline stages, history backend
// and caches.
package breeze

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/cache"
	"github.com/ZanzyTHEbar/breezeflow/internal/config"
	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"github.com/ZanzyTHEbar/breezeflow/internal/executor"
	"github.com/ZanzyTHEbar/breezeflow/internal/gateway"
	"github.com/ZanzyTHEbar/breezeflow/internal/history"
	"github.com/ZanzyTHEbar/breezeflow/internal/planner"
	"github.com/ZanzyTHEbar/breezeflow/internal/prompt"
	"github.com/ZanzyTHEbar/breezeflow/internal/registry"
	"github.com/ZanzyTHEbar/breezeflow/internal/rewriter"
	"github.com/ZanzyTHEbar/breezeflow/internal/router"
	"github.com/ZanzyTHEbar/breezeflow/internal/synthesis"
	"github.com/ZanzyTHEbar/breezeflow/internal/tools"
	"github.com/firebase/genkit/go/genkit"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config is the runtime configuration.
type Config = config.Config

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads the YAML file at path (optional) and the environment.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// LoadDotEnv loads .env files into the environment; missing files are skipped.
func LoadDotEnv(files ...string) error {
	return config.LoadDotEnv(files...)
}

// Breeze is an Orchestrator together with the resources it owns.
type Breeze struct {
	*breezeflow.Orchestrator

	gateway  breezeflow.Gateway
	registry *registry.Registry
	history  *history.Manager
	executor *executor.ParallelExecutor
	bus      *eventbus.ChannelEventBus

	closers []func() error
}

// Option customises assembly.
type Option func(*options)

type options struct {
	gateway breezeflow.Gateway
	genkit  *genkit.Genkit
	tools   []breezeflow.Tool
	hooks   []breezeflow.TransitionHook
}

// WithGateway uses gw instead of building one from the configuration.
// Middleware is still applied.
func WithGateway(gw breezeflow.Gateway) Option {
	return func(o *options) {
		o.gateway = gw
	}
}

// WithGenkit supplies the Genkit instance used by the genkit host type.
// Without it an instance is initialised with no plugins.
func WithGenkit(g *genkit.Genkit) Option {
	return func(o *options) {
		o.genkit = g
	}
}

// WithTools registers extra tools after the built-in ones.
func WithTools(tools ...breezeflow.Tool) Option {
	return func(o *options) {
		o.tools = append(o.tools, tools...)
	}
}

// WithTransitionHook observes every state change of every turn.
func WithTransitionHook(hook breezeflow.TransitionHook) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hook)
	}
}

// New builds every component described by cfg. Close releases them.
func New(ctx context.Context, cfg Config, opts ...Option) (b *Breeze, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b = &Breeze{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	prompts, err := prompt.Load(cfg.PromptsFile)
	if err != nil {
		return nil, err
	}

	if b.gateway, err = b.buildGateway(ctx, cfg, o); err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.History.Backend == "redis" || (cfg.Cache.Enabled && cfg.Cache.Backend == "redis") {
		if rdb, err = b.connectRedis(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if b.history, err = b.buildHistory(cfg, rdb); err != nil {
		return nil, err
	}

	var stageCache breezeflow.Cache
	if cfg.Cache.Enabled {
		stageCache = b.buildCache(cfg, rdb)
	}

	if b.registry, err = b.buildRegistry(cfg, o); err != nil {
		return nil, err
	}

	b.bus = eventbus.NewChannelEventBus()
	b.closers = append(b.closers, b.bus.Close)

	b.executor = executor.NewExecutor(
		executor.WithMaxWorkers(cfg.Executor.MaxWorkers),
		executor.WithMaxRetries(cfg.Executor.MaxRetries),
		executor.WithRetryDelay(cfg.Executor.RetryDelay),
		executor.WithCallTimeout(cfg.Executor.CallTimeout),
		executor.WithBatchTimeout(cfg.Executor.BatchTimeout),
		executor.WithEventBus(b.bus),
	)

	completion := cfg.CompletionOptions()
	rewriterOpts := []rewriter.Option{
		rewriter.WithWindow(cfg.Orchestrator.RewriteWindow),
		rewriter.WithCompletionOptions(completion),
	}
	plannerOpts := []planner.Option{planner.WithCompletionOptions(completion)}
	if stageCache != nil {
		rewriterOpts = append(rewriterOpts, rewriter.WithCache(stageCache))
		plannerOpts = append(plannerOpts, planner.WithCache(stageCache))
	}

	var routerOpts []router.Option
	if cfg.Orchestrator.MetaLLMCheck {
		routerOpts = append(routerOpts, router.WithLLMCheck(b.gateway, prompts))
	}

	orchestratorOpts := []breezeflow.Option{
		breezeflow.WithConfig(breezeflow.Config{
			TurnTimeout:       cfg.Orchestrator.TurnTimeout,
			MaxHistoryItems:   cfg.Orchestrator.MaxHistoryItems,
			EnableMetaRouting: cfg.Orchestrator.EnableMetaRouting,
			EnableEventBus:    true,
		}),
		breezeflow.WithEventBus(b.bus),
		breezeflow.WithRewriter(rewriter.New(b.gateway, prompts, rewriterOpts...)),
		breezeflow.WithPlanner(planner.New(b.gateway, prompts, plannerOpts...)),
		breezeflow.WithExecutor(b.executor),
		breezeflow.WithSynthesizer(synthesis.New(b.gateway, prompts, synthesis.WithCompletionOptions(completion), synthesis.WithEventBus(b.bus))),
		breezeflow.WithRegistry(b.registry),
		breezeflow.WithConversationManager(b.history),
		breezeflow.WithMetaRouter(router.New(routerOpts...)),
	}
	for _, hook := range o.hooks {
		orchestratorOpts = append(orchestratorOpts, breezeflow.WithTransitionHook(hook))
	}

	orchestrator, err := breezeflow.New(orchestratorOpts...)
	if err != nil {
		return nil, err
	}
	b.Orchestrator = orchestrator

	log.Info(ctx,
		log.KV{K: "msg", V: "breezeflow ready"},
		log.KV{K: "host_type", V: cfg.Gateway.HostType},
		log.KV{K: "model", V: cfg.Gateway.Model},
		log.KV{K: "history", V: cfg.History.Backend},
		log.KV{K: "tools", V: b.registry.Len()},
		log.KV{K: "meta_routing", V: cfg.Orchestrator.EnableMetaRouting})
	return b, nil
}

func (b *Breeze) buildGateway(ctx context.Context, cfg Config, o *options) (breezeflow.Gateway, error) {
	gw := o.gateway
	if gw == nil {
		var err error
		switch gateway.Backend(cfg.Gateway.HostType) {
		case gateway.BackendGenkit:
			g := o.genkit
			if g == nil {
				if g, err = genkit.Init(ctx, genkit.WithDefaultModel(cfg.Gateway.Model)); err != nil {
					return nil, breezeflow.NewConfigurationError("failed to initialise genkit", err)
				}
			}
			gw, err = gateway.NewGenkit(g, cfg.Gateway.Model)
		default:
			gw, err = gateway.New(gateway.Options{
				Backend: gateway.Backend(cfg.Gateway.HostType),
				BaseURL: cfg.Gateway.BaseURL,
				APIKey:  cfg.Gateway.APIKey,
				Model:   cfg.Gateway.Model,
			})
		}
		if err != nil {
			return nil, err
		}
	}
	return gateway.Chain(gw,
		gateway.Logged(),
		gateway.Traced(cfg.Gateway.Model),
		gateway.RateLimited(cfg.Gateway.RateLimitRPS, cfg.Gateway.RateLimitBurst),
	), nil
}

func (b *Breeze) connectRedis(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.History.RedisAddr,
		Password: cfg.History.RedisPassword,
		DB:       cfg.History.RedisDB,
	})
	b.closers = append(b.closers, rdb.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, breezeflow.NewConfigurationError(fmt.Sprintf("failed to reach redis at %s", cfg.History.RedisAddr), err)
	}
	return rdb, nil
}

func (b *Breeze) buildHistory(cfg Config, rdb *redis.Client) (*history.Manager, error) {
	var store history.Store
	switch cfg.History.Backend {
	case "sqlite":
		s, err := history.NewSQLiteStore(cfg.History.SQLitePath)
		if err != nil {
			return nil, breezeflow.NewConfigurationError("failed to open history database", err)
		}
		store = s
	case "redis":
		var opts []history.RedisOption
		if cfg.History.TTL > 0 {
			opts = append(opts, history.WithTTL(cfg.History.TTL))
		}
		store = history.NewRedisStore(rdb, opts...)
	default:
		store = history.NewMemoryStore()
	}
	m := history.NewManager(store)
	b.closers = append(b.closers, m.Close)
	return m, nil
}

func (b *Breeze) buildCache(cfg Config, rdb *redis.Client) breezeflow.Cache {
	if cfg.Cache.Backend == "redis" {
		return cache.NewRedisCache(rdb, "", cfg.Cache.TTL)
	}
	c := cache.NewInMemoryCache(cfg.Cache.TTL)
	b.closers = append(b.closers, c.Close)
	return c
}

func (b *Breeze) buildRegistry(cfg Config, o *options) (*registry.Registry, error) {
	toolOpts := tools.Options{
		CWAAPIKey:   cfg.Tools.CWAAPIKey,
		CWABaseURL:  cfg.Tools.CWABaseURL,
		EnableHTTP:  cfg.Tools.EnableHTTP,
		EnableWiki:  cfg.Tools.EnableWiki,
		WikiBaseURL: cfg.Tools.WikiBaseURL,
	}
	if cfg.Tools.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Tools.Timezone)
		if err != nil {
			return nil, breezeflow.NewConfigurationError(fmt.Sprintf("unknown timezone %q", cfg.Tools.Timezone), err)
		}
		toolOpts.Location = loc
	}
	if cfg.Tools.SQLiteDB != "" {
		db, err := gorm.Open(sqlite.Open(cfg.Tools.SQLiteDB), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, breezeflow.NewConfigurationError("failed to open tools database", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			b.closers = append(b.closers, sqlDB.Close)
		}
		toolOpts.DB = db
	}

	reg, err := registry.New(tools.SetupTools(toolOpts)...)
	if err != nil {
		return nil, err
	}
	for _, t := range o.tools {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Gateway returns the gateway with middleware applied.
func (b *Breeze) Gateway() breezeflow.Gateway {
	return b.gateway
}

// Registry returns the tool registry.
func (b *Breeze) Registry() *registry.Registry {
	return b.registry
}

// Sessions returns the conversation manager.
func (b *Breeze) Sessions() *history.Manager {
	return b.history
}

// ExecutorMetrics returns the cumulative tool execution metrics.
func (b *Breeze) ExecutorMetrics() executor.ExecutorMetrics {
	if b.executor == nil {
		return executor.ExecutorMetrics{}
	}
	return b.executor.GetMetrics()
}

// Subscribe delivers the events of every turn to handler and returns the
// subscription ID.
func (b *Breeze) Subscribe(handler eventbus.EventHandler) (string, error) {
	return b.bus.SubscribeAll(handler)
}

// Unsubscribe removes a subscription created by Subscribe.
func (b *Breeze) Unsubscribe(id string) error {
	return b.bus.Unsubscribe(id)
}

// Close releases every resource in reverse order of acquisition.
func (b *Breeze) Close() error {
	var errs []error
	if b.Orchestrator != nil {
		errs = append(errs, b.Orchestrator.Close())
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
