package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/BaSui01/agentcoord/config"
	"github.com/BaSui01/agentcoord/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// migrateCommand 是一个迁移子命令，args 为子命令的位置参数
type migrateCommand struct {
	usage string
	nargs int
	run   func(ctx context.Context, cli *migration.CLI, args []string) error
}

var migrateCommands = map[string]migrateCommand{
	"up": {usage: "up", run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunUp(ctx)
	}},
	"down": {usage: "down", run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunDown(ctx)
	}},
	"reset": {usage: "reset", run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunDownAll(ctx)
	}},
	"status": {usage: "status", run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunStatus(ctx)
	}},
	"version": {usage: "version", run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunVersion(ctx)
	}},
	"info": {usage: "info", run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunInfo(ctx)
	}},
	"steps": {usage: "steps <n>", nargs: 1, run: func(ctx context.Context, cli *migration.CLI, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid step count: %s", args[0])
		}
		return cli.RunSteps(ctx, n)
	}},
	"goto": {usage: "goto <version>", nargs: 1, run: func(ctx context.Context, cli *migration.CLI, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		return cli.RunGoto(ctx, uint(v))
	}},
	"force": {usage: "force <version>", nargs: 1, run: func(ctx context.Context, cli *migration.CLI, args []string) error {
		v, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		return cli.RunForce(ctx, int(v))
	}},
}

// runMigrate 解析子命令与参数并执行
func runMigrate(args []string) error {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage(os.Stdout)
		if len(args) < 1 {
			return errors.New("missing migrate subcommand")
		}
		return nil
	}

	name := args[0]
	cmd, ok := migrateCommands[name]
	if !ok {
		printMigrateUsage(os.Stderr)
		return fmt.Errorf("unknown migrate subcommand: %s", name)
	}
	rest := args[1:]
	if len(rest) < cmd.nargs {
		return fmt.Errorf("usage: agentcoord migrate %s", cmd.usage)
	}

	fs := flag.NewFlagSet("migrate "+name, flag.ContinueOnError)
	migrator, err := createMigrator(fs, rest[cmd.nargs:])
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	return cmd.run(context.Background(), migration.NewCLI(migrator), rest[:cmd.nargs])
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置文件读取数据库配置
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL, nil)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, nil)
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  agentcoord migrate <subcommand> [args] [options]

Subcommands:
  up                Apply all pending migrations
  down              Rollback the last migration
  reset             Rollback all migrations
  steps <n>         Apply n migrations (negative rolls back)
  goto <version>    Migrate to a specific version
  force <version>   Force set migration version (use with caution)
  status            Show migration status
  version           Show current migration version
  info              Show migration summary

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`)
}
