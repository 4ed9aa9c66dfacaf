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

package config

import (
	"fmt"
	"time"
)

// ConflictPolicy decides what happens when two tool sources expose the same
// tool name.
type ConflictPolicy string

const (
	// ConflictPrefix renames the later tool to "<server>.<name>".
	ConflictPrefix ConflictPolicy = "prefix"

	// ConflictFirstWins keeps the first registration and drops later ones.
	ConflictFirstWins ConflictPolicy = "first-wins"

	// ConflictError fails registration on a duplicate name.
	ConflictError ConflictPolicy = "error"
)

// ToolsConfig configures the unified tool manager.
type ToolsConfig struct {
	// ConflictPolicy resolves duplicate tool names across sources.
	// Default: prefix
	ConflictPolicy ConflictPolicy `yaml:"conflict_policy,omitempty" json:"conflict_policy,omitempty" jsonschema:"title=Conflict Policy,description=Duplicate tool name resolution,enum=prefix,enum=first-wins,enum=error,default=prefix"`

	// CallTimeout bounds a single tool execution.
	// Default: 60s
	CallTimeout time.Duration `yaml:"call_timeout,omitempty" json:"call_timeout,omitempty" jsonschema:"title=Call Timeout,description=Per-call tool execution timeout"`

	// MCP maps server names to MCP server configurations.
	MCP map[string]*MCPServerConfig `yaml:"mcp,omitempty" json:"mcp,omitempty" jsonschema:"title=MCP Servers,description=External MCP tool servers keyed by name"`
}

// MCPServerConfig configures one external MCP tool server.
type MCPServerConfig struct {
	// Enabled toggles the server.
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Whether the server is used,default=true"`

	// Transport is the MCP transport: "stdio" or "http".
	// Inferred from URL/Command when empty.
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"title=Transport,description=MCP transport type,enum=stdio,enum=http"`

	// URL is the server endpoint (for transport: http).
	URL string `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"title=URL,description=MCP server URL (for http transport)"`

	// Command starts the server process (for transport: stdio).
	Command string `yaml:"command,omitempty" json:"command,omitempty" jsonschema:"title=Command,description=Command starting the MCP server (for stdio transport)"`

	// Args are arguments for Command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty" jsonschema:"title=Args,description=Arguments for the stdio command"`

	// Env sets environment variables for the stdio process.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"title=Environment Variables,description=Environment for the stdio process"`

	// Filter limits which tools are exposed from the server. Empty exposes
	// everything.
	Filter []string `yaml:"filter,omitempty" json:"filter,omitempty" jsonschema:"title=Filter,description=Limit which tools are exposed from this server"`
}

// IsEnabled returns whether the server is used.
func (c *MCPServerConfig) IsEnabled() bool {
	return c != nil && BoolValue(c.Enabled, true)
}

// SetDefaults applies default values to ToolsConfig.
func (c *ToolsConfig) SetDefaults() {
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = ConflictPrefix
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 60 * time.Second
	}

	for _, server := range c.MCP {
		if server == nil {
			continue
		}
		if server.Transport == "" {
			if server.Command != "" {
				server.Transport = "stdio"
			} else if server.URL != "" {
				server.Transport = "http"
			}
		}
	}
}

// Validate checks the tools configuration.
func (c *ToolsConfig) Validate() error {
	switch c.ConflictPolicy {
	case ConflictPrefix, ConflictFirstWins, ConflictError:
	default:
		return fmt.Errorf("invalid conflict_policy %q (valid: prefix, first-wins, error)", c.ConflictPolicy)
	}

	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must be non-negative")
	}

	for name, server := range c.MCP {
		if server == nil {
			continue
		}
		if err := server.validate(); err != nil {
			return fmt.Errorf("mcp server %q: %w", name, err)
		}
	}

	return nil
}

func (c *MCPServerConfig) validate() error {
	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case "http":
		if c.URL == "" {
			return fmt.Errorf("url is required for http transport")
		}
	case "":
		return fmt.Errorf("either url or command must be set")
	default:
		return fmt.Errorf("invalid transport %q (valid: stdio, http)", c.Transport)
	}
	return nil
}
