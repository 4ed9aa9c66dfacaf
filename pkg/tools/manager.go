package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/fault"
	"github.com/kadirpekel/mnemo/pkg/llm"
	"github.com/kadirpekel/mnemo/pkg/observability"
	"github.com/kadirpekel/mnemo/pkg/registry"
)

// Entry is one resolved tool in the manager. Name is the resolved name,
// which carries a "<source>." prefix when the prefix conflict policy had to
// disambiguate it.
type Entry struct {
	Tool   Tool
	Source string
	Name   string
}

// Stats is a point-in-time snapshot of the manager.
type Stats struct {
	TotalTools int            `json:"total_tools"`
	BySource   map[string]int `json:"by_source"`
	Conflicts  int            `json:"conflicts"`
	Executions int64          `json:"executions"`
	Failures   int64          `json:"failures"`
}

// Manager aggregates tools from all sources under one namespace and executes
// them with a per-call timeout.
//
// Sources are consulted in registration order, so local tools claim their
// names before any MCP server can.
type Manager struct {
	cfg *config.ToolsConfig

	mu      sync.RWMutex
	sources []Source
	entries *registry.BaseRegistry[Entry]
	// aliases maps provider-flattened names (dots replaced with
	// underscores) back to resolved names.
	aliases   map[string]string
	conflicts int

	executions atomic.Int64
	failures   atomic.Int64
}

// NewManager creates an empty manager. Add sources with AddSource, then call
// Refresh to discover and register their tools.
func NewManager(cfg *config.ToolsConfig) *Manager {
	if cfg == nil {
		cfg = &config.ToolsConfig{}
	}
	cfg.SetDefaults()

	return &Manager{
		cfg:     cfg,
		entries: registry.NewBaseRegistry[Entry](),
		aliases: make(map[string]string),
	}
}

// AddSource registers a source. Tools become visible on the next Refresh.
func (m *Manager) AddSource(source Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sources {
		if existing.Name() == source.Name() {
			return fault.New(fault.Conflict, "tools.add_source", "source %s already registered", source.Name())
		}
	}
	m.sources = append(m.sources, source)
	return nil
}

// Refresh discovers every source and rebuilds the tool namespace. A source
// that fails discovery keeps whatever tools it reported before and is logged,
// not fatal; servers come and go.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, source := range m.sources {
		if err := source.Discover(ctx); err != nil {
			slog.Warn("Tool discovery failed", "source", source.Name(), "error", err)
		}
	}
	return m.rebuildLocked()
}

// rebuildLocked resolves name conflicts per the configured policy and
// repopulates the registry. Under the prefix policy a conflict re-keys
// both sides: the first occurrence is retroactively moved to its own
// "<source>." prefix, so the bare name stops dispatching and every
// conflicting tool stays addressable by its prefixed name.
func (m *Manager) rebuildLocked() error {
	m.entries.Clear()
	m.aliases = make(map[string]string)
	m.conflicts = 0

	// Bare names retired by the prefix policy. A third source advertising
	// the same name is a conflict even though the bare slot is free again.
	retired := make(map[string]bool)

	for _, source := range m.sources {
		tools := source.Tools()
		sort.Slice(tools, func(i, j int) bool {
			return tools[i].Info().Name < tools[j].Info().Name
		})

		for _, tool := range tools {
			name := tool.Info().Name
			resolved := name

			if prior, taken := m.entries.Get(name); taken || retired[name] {
				m.conflicts++

				switch m.cfg.ConflictPolicy {
				case config.ConflictFirstWins:
					slog.Warn("Skipping conflicting tool",
						"tool", name,
						"source", source.Name(),
						"policy", m.cfg.ConflictPolicy)
					continue
				case config.ConflictError:
					return fault.New(fault.Conflict, "tools.refresh",
						"tool %s from source %s conflicts with an existing tool", name, source.Name())
				default: // config.ConflictPrefix
					if taken {
						if err := m.rekeyLocked(name, prior); err != nil {
							return err
						}
						retired[name] = true
					}
					resolved = source.Name() + "." + name
					if _, stillTaken := m.entries.Get(resolved); stillTaken {
						return fault.New(fault.Conflict, "tools.refresh",
							"tool %s conflicts even after prefixing", resolved)
					}
				}
			}

			if err := m.entries.Register(resolved, Entry{Tool: tool, Source: source.Name(), Name: resolved}); err != nil {
				return fault.Wrap(fault.Internal, "tools.refresh", "failed to register tool", err)
			}
			if flat := flatten(resolved); flat != resolved {
				m.aliases[flat] = resolved
			}
		}
	}

	slog.Debug("Tool namespace rebuilt",
		"tools", m.entries.Count(),
		"sources", len(m.sources),
		"conflicts", m.conflicts)

	return nil
}

// rekeyLocked moves an entry registered under its bare name to its
// source-prefixed name, freeing the bare name.
func (m *Manager) rekeyLocked(name string, entry Entry) error {
	prefixed := entry.Source + "." + name
	if _, clash := m.entries.Get(prefixed); clash {
		return fault.New(fault.Conflict, "tools.refresh",
			"tool %s conflicts even after prefixing", prefixed)
	}
	if err := m.entries.Remove(name); err != nil {
		return fault.Wrap(fault.Internal, "tools.refresh", "failed to re-key tool", err)
	}
	entry.Name = prefixed
	if err := m.entries.Register(prefixed, entry); err != nil {
		return fault.Wrap(fault.Internal, "tools.refresh", "failed to re-key tool", err)
	}
	if flat := flatten(prefixed); flat != prefixed {
		m.aliases[flat] = prefixed
	}
	return nil
}

// Get returns the entry for a resolved or flattened tool name.
func (m *Manager) Get(name string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(name)
}

func (m *Manager) lookupLocked(name string) (Entry, bool) {
	if entry, ok := m.entries.Get(name); ok {
		return entry, true
	}
	if resolved, ok := m.aliases[name]; ok {
		return m.entries.Get(resolved)
	}
	return Entry{}, false
}

// List returns all entries sorted by resolved name.
func (m *Manager) List() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.entries.List()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// ToolsForProvider renders the namespace as LLM tool definitions.
//
// Anthropic accepts dots in tool names, so it sees resolved names as-is.
// Everything else (openai, ollama, gemini) gets flattened names with dots
// replaced by underscores; Execute accepts both forms.
func (m *Manager) ToolsForProvider(providerKind string) []llm.ToolDefinition {
	entries := m.List()

	defs := make([]llm.ToolDefinition, 0, len(entries))
	for _, entry := range entries {
		info := entry.Tool.Info()
		name := entry.Name
		if providerKind != "anthropic" {
			name = flatten(name)
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        name,
			Description: info.Description,
			Parameters:  info.Parameters,
		})
	}
	return defs
}

// Execute runs one tool call under the configured per-call timeout.
//
// The tool runs in its own goroutine; on timeout the result is returned
// immediately and the goroutine is left to finish against its cancelled
// context. The error (and Result.Error) always reflects what the caller
// should feed back to the model.
func (m *Manager) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	tracer := observability.GetTracer("mnemo.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution)
	defer span.End()
	span.SetAttributes(attribute.String(observability.AttrToolName, name))

	metrics := observability.GetGlobalMetrics()
	start := time.Now()

	entry, ok := m.Get(name)
	if !ok {
		err := fault.New(fault.NotFound, "tools.execute", "tool %s not found", name)
		m.failures.Add(1)
		metrics.RecordToolExecution(ctx, name, time.Since(start), err)
		span.SetAttributes(attribute.Bool("tool.success", false))
		return Result{
			Success:       false,
			Error:         err.Error(),
			ToolName:      name,
			ExecutionTime: time.Since(start),
		}, err
	}

	m.executions.Add(1)

	execCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := entry.Tool.Execute(execCtx, args)
		done <- outcome{result: result, err: err}
	}()

	var result Result
	var err error
	select {
	case out := <-done:
		result, err = out.result, out.err
	case <-execCtx.Done():
		err = fault.New(fault.Timeout, "tools.execute", "tool %s timed out after %s", name, m.cfg.CallTimeout)
		result = Result{
			Success:       false,
			Error:         err.Error(),
			ToolName:      name,
			ExecutionTime: time.Since(start),
		}
	}

	if err != nil {
		m.failures.Add(1)
	}

	metrics.RecordToolExecution(ctx, entry.Name, time.Since(start), err)
	span.SetAttributes(
		attribute.Bool("tool.success", err == nil),
		attribute.Float64("tool.duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result, err
}

// Stats reports namespace and execution counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bySource := make(map[string]int, len(m.sources))
	for _, entry := range m.entries.List() {
		bySource[entry.Source]++
	}

	return Stats{
		TotalTools: m.entries.Count(),
		BySource:   bySource,
		Conflicts:  m.conflicts,
		Executions: m.executions.Load(),
		Failures:   m.failures.Load(),
	}
}

// Close shuts down every source. All close errors are reported together.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []string
	for _, source := range m.sources {
		if err := source.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", source.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fault.New(fault.Internal, "tools.close", "failed to close sources: %s", strings.Join(errs, "; "))
	}
	return nil
}

// flatten rewrites a name-spaced tool name for providers that reject dots.
func flatten(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}
