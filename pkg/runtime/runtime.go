// Package runtime assembles every component of the agent from a single
// configuration: storage, vector collections, the embedder, LLM providers,
// prompt assembly, tools, sessions, the background engines, the agent loop,
// and the HTTP server. New builds them in dependency order and Close tears
// them down in reverse.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/mnemo/pkg/agent"
	"github.com/kadirpekel/mnemo/pkg/auth"
	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/conversation"
	"github.com/kadirpekel/mnemo/pkg/embedder"
	"github.com/kadirpekel/mnemo/pkg/kv"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/memory"
	"github.com/kadirpekel/mnemo/pkg/observability"
	"github.com/kadirpekel/mnemo/pkg/prompt"
	"github.com/kadirpekel/mnemo/pkg/ratelimit"
	"github.com/kadirpekel/mnemo/pkg/reflection"
	"github.com/kadirpekel/mnemo/pkg/server"
	"github.com/kadirpekel/mnemo/pkg/session"
	"github.com/kadirpekel/mnemo/pkg/tokens"
	"github.com/kadirpekel/mnemo/pkg/tools"
	"github.com/kadirpekel/mnemo/pkg/vector"
)

// Roles under which vector collections are registered.
const (
	roleKnowledge  = "knowledge"
	roleWorkspace  = "workspace"
	roleReflection = "reflection"
)

// shutdownTimeout bounds the observability flush during Close.
const shutdownTimeout = 5 * time.Second

// Runtime owns the full component graph for one configured agent.
type Runtime struct {
	cfg *config.Config

	store      kv.Store
	vectors    *vector.Registry
	embedder   *embedder.Manager
	llms       *llm.Registry
	prompts    *prompt.Manager
	toolset    *tools.Manager
	sessions   *session.Manager
	memory     *memory.Engine
	reflection *reflection.Engine
	pool       *memory.Pool
	agent      *agent.Agent
	limiter    ratelimit.RateLimiter
	obs        *observability.Manager
	server     *server.Server
}

// New builds a runtime from cfg. The config is run through the full
// processing pipeline first, so a hand-built config works the same as a
// loaded one. On any failure the components built so far are released
// before returning.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	cfg, err := config.ProcessConfigPipeline(cfg)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:     cfg,
		vectors: vector.NewRegistry(),
		obs:     observability.NoopManager(),
	}

	built := false
	defer func() {
		if !built {
			if cerr := r.Close(); cerr != nil {
				slog.Warn("Cleanup after failed startup reported errors", "error", cerr)
			}
		}
	}()

	if cfg.Observability != nil {
		r.obs = observability.NewManager(*cfg.Observability)
		if err := r.obs.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize observability: %w", err)
		}
	}

	if err := r.openStorage(ctx); err != nil {
		return nil, err
	}

	r.llms, err = llm.FromConfig(cfg.LLMs)
	if err != nil {
		return nil, err
	}
	chat, err := r.llms.GetProvider(cfg.Agent.LLM)
	if err != nil {
		return nil, fmt.Errorf("agent llm: %w", err)
	}

	if err := r.buildMemoryStack(ctx); err != nil {
		return nil, err
	}

	r.prompts, err = prompt.NewManager(&cfg.Agent.Prompt, prompt.NewGeneratorRegistry())
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt manager: %w", err)
	}

	r.buildSessions(chat)

	if err := r.buildTools(ctx); err != nil {
		return nil, err
	}

	r.limiter, err = ratelimit.NewRateLimiterFromConfig(cfg.Server.RateLimit, r.store)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	if err := r.buildAgent(chat); err != nil {
		return nil, err
	}

	if err := r.buildServer(); err != nil {
		return nil, err
	}

	built = true
	slog.Info("Runtime initialized",
		"storage", r.store.Name(),
		"llm", cfg.Agent.LLM,
		"memory", cfg.Memory.IsEnabled(),
		"reflection", cfg.Reflection.IsEnabled())
	return r, nil
}

func (r *Runtime) openStorage(ctx context.Context) error {
	store, err := kv.Open(r.cfg.Storage.Dialect(), r.cfg.Storage.Options())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := store.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect storage: %w", err)
	}
	r.store = store
	return nil
}

// buildMemoryStack creates the embedder, the vector collections, and the
// engines that consume them. All of it is optional: with memory and
// reflection disabled the agent runs chat-only and none of it is built.
func (r *Runtime) buildMemoryStack(ctx context.Context) error {
	memoryOn := r.cfg.Memory.IsEnabled()
	reflectionOn := r.cfg.Reflection.IsEnabled()
	if !memoryOn && !reflectionOn {
		return nil
	}

	emb, err := embedder.NewFromConfig(&r.cfg.Embedder)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	r.embedder = emb

	if memoryOn {
		knowledge, err := r.openCollection(ctx, roleKnowledge, r.cfg.Memory.Collection)
		if err != nil {
			return err
		}
		if r.cfg.Memory.WorkspaceCollection != "" {
			if _, err := r.openCollection(ctx, roleWorkspace, r.cfg.Memory.WorkspaceCollection); err != nil {
				return err
			}
		}

		provider, err := r.llms.GetProvider(r.cfg.Memory.LLM)
		if err != nil {
			return fmt.Errorf("memory llm: %w", err)
		}
		r.memory = memory.NewEngine(r.cfg.Memory, emb, knowledge, provider)
	}

	if reflectionOn {
		store, err := r.openCollection(ctx, roleReflection, r.cfg.Reflection.Collection)
		if err != nil {
			return err
		}

		provider, err := r.evaluationProvider()
		if err != nil {
			return err
		}
		r.reflection = reflection.NewEngine(r.cfg.Reflection, emb, store, provider)
	}

	r.pool = memory.NewPool(r.cfg.Memory.Workers, r.cfg.Memory.QueueSize)
	return nil
}

// openCollection builds a vector manager for one collection on the shared
// backend config and registers it under its role. Connect degrades to the
// in-memory fallback on its own, so an error here is a configuration
// problem rather than a connectivity one.
func (r *Runtime) openCollection(ctx context.Context, role, collection string) (*vector.Manager, error) {
	vcfg := r.cfg.Memory.Vector
	vcfg.Collection = collection
	if vcfg.Dimension == 0 {
		vcfg.Dimension = r.embedder.Dimension()
	}

	manager, err := vector.NewManager(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s collection %q: %w", role, collection, err)
	}
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect %s collection %q: %w", role, collection, err)
	}
	if err := r.vectors.Register(role, manager); err != nil {
		return nil, err
	}
	return manager, nil
}

// evaluationProvider resolves the provider reflection grades with. When
// evaluation_model is set it derives a provider from the referenced config
// with only the model swapped, registered under a derived name so the
// registry owns its lifecycle.
func (r *Runtime) evaluationProvider() (llm.Provider, error) {
	name := r.cfg.Reflection.LLM
	if r.cfg.Reflection.EvaluationModel == "" {
		provider, err := r.llms.GetProvider(name)
		if err != nil {
			return nil, fmt.Errorf("reflection llm: %w", err)
		}
		return provider, nil
	}

	base, ok := r.cfg.GetLLM(name)
	if !ok {
		return nil, fmt.Errorf("reflection llm %q not found", name)
	}
	evalCfg := *base
	evalCfg.Model = r.cfg.Reflection.EvaluationModel
	provider, err := r.llms.Create(name+":evaluation", &evalCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation provider: %w", err)
	}
	return provider, nil
}

// buildSessions wires the conversation factory: every session shares the
// prompt manager and a token counter sized for the chat model. A counter
// that cannot be built degrades to character-based estimates.
func (r *Runtime) buildSessions(chat llm.Provider) {
	counter, err := tokens.NewCounter(chat.ModelName())
	if err != nil {
		slog.Warn("Token counter unavailable, using estimates",
			"model", chat.ModelName(),
			"error", err)
		counter = nil
	}

	prompts := r.prompts
	convCfg := r.cfg.Agent.Conversation
	factory := func(sessionID string) *conversation.Manager {
		return conversation.New(sessionID, prompts, counter, convCfg)
	}
	r.sessions = session.NewManager(r.store, factory, r.cfg.Session)
}

// buildTools assembles the unified tool manager: the compiled-in source
// bound to whichever engines exist, plus every enabled MCP server.
func (r *Runtime) buildTools(ctx context.Context) error {
	manager := tools.NewManager(&r.cfg.Tools)

	// Disabled engines must surface as nil interfaces, not typed nils.
	var memSvc tools.MemoryService
	if r.memory != nil {
		memSvc = r.memory
	}
	var reasonSvc tools.ReasoningService
	if r.reflection != nil {
		reasonSvc = r.reflection
	}
	if err := manager.AddSource(tools.NewLocalSource(memSvc, reasonSvc)); err != nil {
		return err
	}

	for name, serverCfg := range r.cfg.Tools.MCP {
		if !serverCfg.IsEnabled() {
			slog.Debug("Skipping disabled MCP server", "server", name)
			continue
		}
		if err := manager.AddSource(tools.NewMCPSource(name, serverCfg)); err != nil {
			return err
		}
	}

	if err := manager.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}

	r.toolset = manager
	return nil
}

func (r *Runtime) buildAgent(chat llm.Provider) error {
	chatCfg, _ := r.cfg.GetLLM(r.cfg.Agent.LLM)

	deps := agent.Deps{
		Provider:     chat,
		ProviderKind: chatCfg.Type,
		Sessions:     r.sessions,
		Tools:        r.toolset,
		Pool:         r.pool,
		Limiter:      r.limiter,
	}
	if r.memory != nil {
		deps.Memory = r.memory
	}
	if r.reflection != nil {
		deps.Reflection = r.reflection
	}

	ag, err := agent.New(r.cfg.Agent, deps)
	if err != nil {
		return err
	}
	r.agent = ag
	return nil
}

func (r *Runtime) buildServer() error {
	validator, err := auth.NewValidatorFromConfig(r.cfg.Server.Auth)
	if err != nil {
		return fmt.Errorf("failed to create auth validator: %w", err)
	}

	srv, err := server.New(r.cfg.Server, server.Deps{
		Sessions:      r.sessions,
		Agent:         r.agent,
		Stats:         r,
		Health:        r,
		Auth:          validator,
		Limiter:       r.limiter,
		Observability: r.obs,
	})
	if err != nil {
		return err
	}
	r.server = srv
	return nil
}

// Close releases every component in reverse dependency order. The pool is
// drained first so in-flight background work still has live engines and
// stores underneath it. Safe on a partially built runtime.
func (r *Runtime) Close() error {
	var errs []error

	if r.pool != nil {
		r.pool.Close()
	}
	if r.sessions != nil {
		if err := r.sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session manager: %w", err))
		}
	}
	if r.toolset != nil {
		if err := r.toolset.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tool manager: %w", err))
		}
	}
	if r.prompts != nil {
		if err := r.prompts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("prompt manager: %w", err))
		}
	}
	if r.llms != nil {
		if err := r.llms.Close(); err != nil {
			errs = append(errs, fmt.Errorf("llm registry: %w", err))
		}
	}
	if r.embedder != nil {
		if err := r.embedder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("embedder: %w", err))
		}
	}
	if r.vectors != nil {
		if err := r.vectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vector stores: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if r.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.obs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("observability: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Config returns the processed configuration the runtime was built from.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Agent returns the conversational agent.
func (r *Runtime) Agent() *agent.Agent { return r.agent }

// Sessions returns the session manager.
func (r *Runtime) Sessions() *session.Manager { return r.sessions }

// Server returns the HTTP server.
func (r *Runtime) Server() *server.Server { return r.server }

// Tools returns the unified tool manager.
func (r *Runtime) Tools() *tools.Manager { return r.toolset }

// LLMs returns the provider registry.
func (r *Runtime) LLMs() *llm.Registry { return r.llms }

// Store returns the key-value storage backend.
func (r *Runtime) Store() kv.Store { return r.store }
