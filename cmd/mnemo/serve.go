// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/runtime"
	"github.com/kadirpekel/mnemo/pkg/vector"
)

// dataDir holds zero-config state: the sqlite database and persisted
// memory collections.
const dataDir = ".mnemo"

// ServeCmd starts the agent server.
type ServeCmd struct {
	// Zero-config options, used when no --config file is given.
	Provider    string `help:"LLM provider (anthropic, openai, gemini, ollama)."`
	Model       string `help:"Model name."`
	APIKey      string `name:"api-key" help:"API key (defaults to the provider's environment variable)."`
	BaseURL     string `name:"base-url" help:"Custom API base URL."`
	Instruction string `help:"System instruction for the agent."`
	Memory      *bool  `negatable:"" help:"Enable long-term memory (persisted with chromem)."`
	Reflection  bool   `help:"Enable reasoning reflection."`
	MCPURL      string `name:"mcp-url" help:"MCP server URL to load tools from."`
	Storage     string `help:"Storage backend: sqlite, postgres, mysql (default: memory)." placeholder:"BACKEND"`
	StorageDB   string `name:"storage-db" help:"Storage database path or name (default: .mnemo/mnemo.db for sqlite)." placeholder:"PATH"`

	// Server options
	Port  int  `help:"Port to listen on." default:"8080"`
	Watch bool `help:"Watch the config file and reload on changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer func() { _ = loader.Close() }()
	}

	if !loggerOverriddenByCLI(cli) {
		cleanup, err := initLoggerFromConfig(&cfg.Logger)
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}
	}

	// An explicit --port wins over the config file.
	if c.Port != 0 && c.Port != 8080 {
		cfg.Server.Port = c.Port
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Warn("Shutdown reported errors", "error", err)
		}
	}()

	printStartupInfo(rt)

	return rt.Server().Start(ctx)
}

// loadConfig loads the configuration file, or builds a zero-config setup
// from the command-line flags when no file is given.
func (c *ServeCmd) loadConfig(ctx context.Context, configPath string) (*config.Config, *config.Loader, error) {
	if configPath != "" {
		if flag, set := c.zeroConfigFlag(); set {
			return nil, nil, fmt.Errorf("--config cannot be combined with %s; put the setting in the config file instead", flag)
		}
		cfg, loader, err := config.LoadConfigFile(ctx, configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		slog.Info("Loaded configuration", "path", configPath)
		return cfg, loader, nil
	}

	cfg, err := c.zeroConfig()
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Using zero-config mode", "memory", cfg.Memory.IsEnabled(), "storage", cfg.Storage.Driver)
	return cfg, nil, nil
}

// zeroConfigFlag returns the first zero-config flag that was set.
func (c *ServeCmd) zeroConfigFlag() (string, bool) {
	switch {
	case c.Provider != "":
		return "--provider", true
	case c.Model != "":
		return "--model", true
	case c.APIKey != "":
		return "--api-key", true
	case c.BaseURL != "":
		return "--base-url", true
	case c.Instruction != "":
		return "--instruction", true
	case c.Memory != nil:
		return "--memory", true
	case c.Reflection:
		return "--reflection", true
	case c.MCPURL != "":
		return "--mcp-url", true
	case c.Storage != "":
		return "--storage", true
	case c.StorageDB != "":
		return "--storage-db", true
	default:
		return "", false
	}
}

// zeroConfig builds a runnable config from flags alone. Provider and model
// default from the environment, memory defaults off, and persistent state
// lands under .mnemo/ when a file-backed option is chosen.
func (c *ServeCmd) zeroConfig() (*config.Config, error) {
	cfg := &config.Config{
		LLMs: map[string]*config.LLMProviderConfig{
			"default-llm": {
				Type:   c.Provider,
				Model:  c.Model,
				APIKey: c.APIKey,
				Host:   c.BaseURL,
			},
		},
	}

	// Memory is opt-in without a config file; nobody expects a bare
	// `mnemo serve` to need an embedding service.
	memoryOn := c.Memory != nil && *c.Memory
	cfg.Memory.Enabled = config.BoolPtr(memoryOn)
	cfg.Reflection.Enabled = config.BoolPtr(c.Reflection)

	if memoryOn || c.Reflection {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		cfg.Memory.Vector = vector.Config{
			Type: vector.BackendChromem,
			Chromem: &vector.ChromemConfig{
				PersistPath: filepath.Join(dataDir, "vectors"),
			},
		}
	}

	if c.Instruction != "" {
		cfg.Agent.Prompt.Providers = []config.PromptProviderConfig{
			{ID: "instruction", Type: "static", Content: c.Instruction},
		}
	}

	if c.MCPURL != "" {
		cfg.Tools.MCP = map[string]*config.MCPServerConfig{
			"default": {URL: c.MCPURL},
		}
	}

	switch c.Storage {
	case "", "memory":
		// In-memory sessions, nothing to set up.
	case "sqlite", "sqlite3":
		database := c.StorageDB
		if database == "" {
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			database = filepath.Join(dataDir, "mnemo.db")
		}
		cfg.Storage = config.StorageConfig{Driver: "sqlite", Database: database}
	case "postgres", "mysql":
		cfg.Storage = config.StorageConfig{Driver: c.Storage, Database: c.StorageDB}
	default:
		return nil, fmt.Errorf("unknown storage backend %q (valid: memory, sqlite, postgres, mysql)", c.Storage)
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	return cfg, nil
}

// printStartupInfo prints where the server listens and what is enabled.
func printStartupInfo(rt *runtime.Runtime) {
	cfg := rt.Config()
	addr := rt.Server().Address()

	greenColor := "\033[38;2;16;185;129m"
	resetColor := "\033[0m"

	fmt.Printf("\n%smnemo agent ready%s\n", greenColor, resetColor)
	fmt.Printf("   Sessions:    http://%s/sessions\n", addr)
	fmt.Printf("   Health:      http://%s/healthz\n", addr)
	if cfg.Observability != nil && cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:     http://%s%s\n", addr, cfg.Observability.Metrics.Endpoint)
	}

	if cfg.Storage.Driver == "memory" {
		fmt.Printf("   Storage:     in-memory (not persisted)\n")
	} else {
		fmt.Printf("   Storage:     %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Database)
	}

	if cfg.Memory.IsEnabled() {
		fmt.Printf("   Memory:      %s (%s)\n", cfg.Memory.Collection, cfg.Memory.Vector.Type)
		if cfg.Memory.WorkspaceCollection != "" {
			fmt.Printf("   Workspace:   %s\n", cfg.Memory.WorkspaceCollection)
		}
	} else {
		fmt.Printf("   Memory:      disabled (chat only)\n")
	}
	if cfg.Reflection.IsEnabled() {
		fmt.Printf("   Reflection:  %s\n", cfg.Reflection.Collection)
	}

	fmt.Printf("   Tools:       %d registered\n", rt.Tools().Stats().TotalTools)
	fmt.Println("\nPress Ctrl+C to stop")
}
