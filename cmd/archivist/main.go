// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/poiesic/archivist"
	"github.com/poiesic/archivist/config"
	"github.com/urfave/cli/v2"
)

const configKey = "config"

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// newApp builds the command tree. engineOpts are applied to every engine a
// command opens.
func newApp(out io.Writer, engineOpts ...archivist.Option) *cli.App {
	r := &runner{engineOpts: engineOpts}
	return &cli.App{
		Name:   "archivist",
		Usage:  "Document ingestion and chunk retrieval",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
				Value:   config.DefaultPath,
				EnvVars: []string{"ARCHIVIST_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Path to BadgerDB database directory (overrides storage.path)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Set logging format (text, json)",
			},
			&cli.StringFlag{
				Name:    "embedding-host",
				Usage:   "Embedding service host URL (overrides embedding.host)",
				EnvVars: []string{"ARCHIVIST_EMBEDDING_HOST"},
			},
			&cli.StringFlag{
				Name:    "embedding-token",
				Usage:   "Embedding service API token",
				EnvVars: []string{"ARCHIVIST_EMBEDDING_TOKEN"},
			},
		},
		Before:   setup,
		Commands: r.commands(),
	}
}

// setup loads .env, the configuration file and the flag overrides, then
// installs the default logger.
func setup(c *cli.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.LoadIfExists(c.String("config"))
	if err != nil {
		return err
	}
	if v := c.String("db"); v != "" {
		cfg.Storage.Path = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	if v := c.String("embedding-host"); v != "" {
		cfg.Embedding.Host = v
	}
	if v := c.String("embedding-token"); v != "" {
		cfg.Embedding.Token = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := setupLogger(c.App.ErrWriter, cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func setupLogger(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// appConfig returns the configuration setup stored for the running app.
func appConfig(c *cli.Context) config.Config {
	cfg, _ := c.App.Metadata[configKey].(config.Config)
	return cfg
}
