package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// ErrDirtySchema 表示上一次迁移中断，需先执行 force 修复
var ErrDirtySchema = errors.New("schema is dirty, run 'agentcoord migrate force <version>' after fixing it")

// CLI 把迁移操作渲染为 agentcoord migrate 命令的终端输出
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput 设置输出目标
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// =============================================================================
// 🔄 变更操作
// =============================================================================

// mutate 打印开始信息，执行 op，成功后打印当前版本
func (c *CLI) mutate(ctx context.Context, start, failed, done string, op func() error) error {
	fmt.Fprintln(c.output, start)
	if err := op(); err != nil {
		return fmt.Errorf("%s: %w", failed, err)
	}
	return c.printVersion(ctx, done)
}

// requireClean 拒绝在脏状态上继续前进
func (c *CLI) requireClean(ctx context.Context) error {
	_, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	if dirty {
		return ErrDirtySchema
	}
	return nil
}

// RunUp 应用全部待执行迁移
func (c *CLI) RunUp(ctx context.Context) error {
	if err := c.requireClean(ctx); err != nil {
		return err
	}
	return c.mutate(ctx, "Running migrations...", "migration failed", "Migrations complete.",
		func() error { return c.migrator.Up(ctx) })
}

// RunDown 回滚最近一次迁移
func (c *CLI) RunDown(ctx context.Context) error {
	return c.mutate(ctx, "Rolling back last migration...", "rollback failed", "Rollback complete.",
		func() error { return c.migrator.Down(ctx) })
}

// RunDownAll 回滚全部迁移，目录与结果表会被删除
func (c *CLI) RunDownAll(ctx context.Context) error {
	fmt.Fprintln(c.output, "Rolling back all migrations (node directory and outcome history will be dropped)...")
	if err := c.migrator.DownAll(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	fmt.Fprintln(c.output, "All migrations rolled back.")
	return nil
}

// RunSteps 前进 n 步，n 为负时回滚 -n 步
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if n == 0 {
		return errors.New("step count must not be zero")
	}
	start := fmt.Sprintf("Applying %d migration(s)...", n)
	if n < 0 {
		start = fmt.Sprintf("Rolling back %d migration(s)...", -n)
	} else if err := c.requireClean(ctx); err != nil {
		return err
	}
	return c.mutate(ctx, start, "migration steps failed", "Complete.",
		func() error { return c.migrator.Steps(ctx, n) })
}

// RunGoto 迁移到指定版本
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	if err := c.requireClean(ctx); err != nil {
		return err
	}
	return c.mutate(ctx, fmt.Sprintf("Migrating to version %d...", version), "migration failed", "Migration complete.",
		func() error { return c.migrator.Goto(ctx, version) })
}

// RunForce 强制记录版本并清除脏标记，不执行任何 SQL
func (c *CLI) RunForce(ctx context.Context, version int) error {
	fmt.Fprintf(c.output, "Forcing version to %d...\n", version)
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	fmt.Fprintf(c.output, "Version forced to %d\n", version)
	return nil
}

// =============================================================================
// 📋 查询操作
// =============================================================================

// RunVersion 打印当前版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, _, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	if version == 0 {
		fmt.Fprintln(c.output, "No migrations applied yet.")
		return nil
	}
	return c.printVersion(ctx, "")
}

// RunStatus 以表格打印每个迁移的状态
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	applied, dirty := 0, false
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state, dirty = "dirty", true
		case s.Applied:
			state = "applied"
		}
		if s.Applied {
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.output, "\nTotal: %d, Applied: %d, Pending: %d\n", len(statuses), applied, len(statuses)-applied)
	if dirty {
		fmt.Fprintln(c.output, ErrDirtySchema.Error())
	}
	return nil
}

// RunInfo 打印迁移摘要
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintln(w, "Migration Information:")
	fmt.Fprintf(w, "  Current Version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "  Dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(w, "  Total Migrations:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(w, "  Applied Migrations:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(w, "  Pending Migrations:\t%d\n", info.PendingMigrations)
	return w.Flush()
}

func (c *CLI) printVersion(ctx context.Context, prefix string) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("Current version: %d", version)
	if prefix != "" {
		line = prefix + " " + line
	}
	if dirty {
		line += " (dirty)"
	}
	fmt.Fprintln(c.output, line)
	return nil
}
