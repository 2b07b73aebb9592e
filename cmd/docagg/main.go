// Copyright 2021 FerretDB Inc.
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

// Command docagg compiles $merge stages into SQL and evaluates window operators
// over documents in Extended JSON format.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/FerretDB/docagg/build/version"
	"github.com/FerretDB/docagg/internal/util/ctxutil"
	"github.com/FerretDB/docagg/internal/util/debugbuild"
	"github.com/FerretDB/docagg/internal/util/logging"
	"github.com/FerretDB/docagg/internal/util/must"
	"github.com/FerretDB/docagg/internal/util/observability"
	"github.com/FerretDB/docagg/internal/util/state"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // some tags are long
var cli struct {
	Version  bool   `default:"false" help:"Print version to stdout and exit." env:"-"`
	StateDir string `default:"-"     help:"Process state directory; '-' disables state persistence."`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}"                     enum:"${enum_log_format}"`
		UUID   bool   `default:"false"                help:"Add instance UUID to all log messages." negatable:""`
	} `embed:"" prefix:"log-"`

	Catalog       string `default:"memory"                             help:"${help_catalog}" enum:"${enum_catalog}"`
	PostgreSQLURL string `default:"postgres://127.0.0.1:5432/ferretdb" help:"PostgreSQL URL for 'postgresql' catalog." name:"postgresql-url"`
	SQLiteURL     string `default:"file:data/"                         help:"SQLite URI (directory) for 'sqlite' catalog."  name:"sqlite-url"`

	DumpMetrics  bool   `default:"false" help:"Dump metrics to stderr on exit."`
	OTelEndpoint string `default:""      help:"OTLP/HTTP endpoint for traces, for example '127.0.0.1:4318'; disabled if empty." name:"otel-endpoint"`

	Compile compileParams `cmd:"" help:"Compile $merge stage over the source collection and print SQL."`
	Window  windowParams  `cmd:"" help:"Evaluate window operator over documents and print results."`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	logFormats = []string{"console", "json"}

	catalogs = []string{"memory", "sqlite", "postgresql"}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level":       defaultLogLevel().String(),
			"default_cluster_version": version.Get().Version,

			"enum_catalog":    strings.Join(catalogs, ","),
			"enum_log_format": strings.Join(logFormats, ","),

			"help_catalog":    fmt.Sprintf("Catalog: '%s'.", strings.Join(catalogs, "', '")),
			"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logFormats, "', '")),
			"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
		},
		kong.DefaultEnvars("FERRETDB"),
	}
)

func main() {
	kongCtx := kong.Parse(&cli, kongOptions...)

	if cli.Version {
		printVersion(os.Stdout)
		return
	}

	os.Exit(run(kongCtx.Command()))
}

// printVersion prints build information.
func printVersion(w io.Writer) {
	info := version.Get()

	fmt.Fprintln(w, "version:", info.Version)
	fmt.Fprintln(w, "commit:", info.Commit)
	fmt.Fprintln(w, "branch:", info.Branch)
	fmt.Fprintln(w, "dirty:", info.Dirty)
	fmt.Fprintln(w, "debugBuild:", info.DebugBuild)
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if version.Get().DebugBuild {
		return zap.DebugLevel
	}

	return zap.InfoLevel
}

// setupState setups state provider.
func setupState() *state.Provider {
	var f string

	// https://github.com/alecthomas/kong/issues/389
	if cli.StateDir != "" && cli.StateDir != "-" {
		var err error
		if f, err = filepath.Abs(filepath.Join(cli.StateDir, "state.json")); err != nil {
			log.Fatalf("Failed to get path for state file: %s.", err)
		}
	}

	sp, err := state.NewProvider(f)
	if err != nil {
		log.Fatalf("Failed to create state provider: %s.", err)
	}

	return sp
}

// setupLogger setups zap logger.
func setupLogger(stateProvider *state.Provider) *zap.Logger {
	info := version.Get()

	startupFields := []zap.Field{
		zap.String("version", info.Version),
		zap.String("commit", info.Commit),
		zap.String("branch", info.Branch),
		zap.Bool("dirty", info.Dirty),
		zap.Bool("debugBuild", info.DebugBuild),
		zap.Any("buildEnvironment", info.BuildEnvironment),
	}
	logUUID := stateProvider.Get().UUID

	// unless requested, don't add UUID to all messages, but log it once at startup
	if !cli.Log.UUID {
		startupFields = append(startupFields, zap.String("uuid", logUUID))
		logUUID = ""
	}

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	l := logging.Setup(level, cli.Log.Format, logUUID)

	l.Debug("Starting docagg "+info.Version+"...", startupFields...)

	if debugbuild.Enabled {
		l.Debug("This is debug build. The performance will be affected.")
	}

	return l
}

// dumpMetrics dumps all gathered Prometheus metrics.
func dumpMetrics(w io.Writer, g prometheus.Gatherer) {
	mfs := must.NotFail(g.Gather())

	for _, mf := range mfs {
		must.NotFail(expfmt.MetricFamilyToText(w, mf))
	}
}

// run sets up environment and runs the given command.
// It returns the process exit code.
func run(cmd string) int {
	// to increase a chance of resource finalizers to spot problems
	if debugbuild.Enabled {
		defer func() {
			runtime.GC()
			runtime.GC()
		}()
	}

	stateProvider := setupState()

	logger := setupLogger(stateProvider)

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	ctx, stop := ctxutil.SigTerm(context.Background())
	defer stop()

	shutdownOtel, err := observability.SetupOtel(ctx, "docagg", cli.OTelEndpoint)
	if err != nil {
		logger.Error("Failed to set up OpenTelemetry", zap.Error(err))
		return 1
	}

	defer func() {
		// ctx may be already canceled by signal
		if err := shutdownOtel(context.Background()); err != nil {
			logger.Warn("Failed to shut down OpenTelemetry", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(stateProvider.MetricsCollector(false))

	switch cmd {
	case "compile <stage>":
		err = runCompile(ctx, os.Stdout, &cli.Compile, &catalogParams{
			name:          cli.Catalog,
			postgreSQLURL: cli.PostgreSQLURL,
			sqliteURL:     cli.SQLiteURL,
		}, stateProvider, reg, logger)

	case "window <operator> <input>":
		err = runWindow(ctx, os.Stdin, os.Stdout, &cli.Window, reg, logger)

	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}

	if cli.DumpMetrics || version.Get().DebugBuild {
		dumpMetrics(os.Stderr, reg)
	}

	if err != nil {
		logger.Error("Command failed", zap.String("command", cmd), zap.Error(err))
		return 1
	}

	return 0
}
