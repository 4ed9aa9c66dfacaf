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

import "fmt"

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format is the output format: simple, verbose, or json.
	// Default: simple
	Format string `yaml:"format,omitempty"`

	// File redirects log output to a file instead of stderr.
	File string `yaml:"file,omitempty"`
}

// SetDefaults applies default values to LoggerConfig.
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate checks the LoggerConfig for errors.
func (c *LoggerConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if c.Level != "" && !validLevels[c.Level] {
		return fmt.Errorf("invalid level %q (valid: debug, info, warn, error)", c.Level)
	}

	validFormats := map[string]bool{
		"simple":  true,
		"verbose": true,
		"json":    true,
	}
	if c.Format != "" && !validFormats[c.Format] {
		return fmt.Errorf("invalid format %q (valid: simple, verbose, json)", c.Format)
	}

	return nil
}
