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
	"fmt"
	"os"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/logger"
)

const (
	// LogFileEnvVar overrides the log file path.
	LogFileEnvVar = "LOG_FILE"
	// LogLevelEnvVar overrides the log level.
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFormatEnvVar overrides the log format.
	LogFormatEnvVar = "LOG_FORMAT"
	// DefaultLogLevel is used when nothing else sets the level.
	DefaultLogLevel = "info"
	// DefaultLogFormat is used when nothing else sets the format.
	DefaultLogFormat = "simple"
)

// initLoggerFromCLI initializes the logger before any command runs.
// Priority: CLI flags > env vars > defaults.
func initLoggerFromCLI(cliLogLevel, cliLogFile, cliLogFormat string) (func(), error) {
	logLevel := cliLogLevel
	if logLevel == "" {
		logLevel = os.Getenv(LogLevelEnvVar)
	}
	if logLevel == "" {
		logLevel = DefaultLogLevel
	}

	logFile := cliLogFile
	if logFile == "" {
		logFile = os.Getenv(LogFileEnvVar)
	}

	logFormat := cliLogFormat
	if logFormat == "" {
		logFormat = os.Getenv(LogFormatEnvVar)
	}
	if logFormat == "" {
		logFormat = DefaultLogFormat
	}

	return initLogger(logLevel, logFile, logFormat)
}

// initLoggerFromConfig re-initializes the logger from the loaded config.
// Called by serve when no CLI flag or env var claimed the settings first.
func initLoggerFromConfig(cfg *config.LoggerConfig) (func(), error) {
	return initLogger(cfg.Level, cfg.File, cfg.Format)
}

// loggerOverriddenByCLI reports whether a CLI flag or env var set any logger
// option, in which case the config file's logger section is ignored.
func loggerOverriddenByCLI(cli *CLI) bool {
	if os.Getenv(LogLevelEnvVar) != "" || os.Getenv(LogFileEnvVar) != "" || os.Getenv(LogFormatEnvVar) != "" {
		return true
	}
	return cli.LogLevel != DefaultLogLevel || cli.LogFile != "" || cli.LogFormat != DefaultLogFormat
}

func initLogger(logLevel, logFile, logFormat string) (func(), error) {
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output *os.File
	var cleanup func()
	if logFile != "" {
		file, cleanupFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	} else {
		output = os.Stderr
	}

	logger.Init(level, output, logFormat)
	return cleanup, nil
}
