package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"memprof/internal/ctxlog"
	"memprof/internal/driver"
)

type rootFlags struct {
	DSN       string
	LogLevel  string
	LogFormat string
}

var rf rootFlags

// NewRootCmd builds the memprof command tree.
func NewRootCmd() *cobra.Command {
	rf = rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "memprof",
		Short:         "Find GPU memory limits of distributed training by launching it with growing batch sizes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger := ctxlog.New(cmd.ErrOrStderr(), rf.LogLevel, rf.LogFormat)
			cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", driver.ErrConfig, err)
	})

	rootCmd.PersistentFlags().StringVar(&rf.DSN, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN for run history (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&rf.LogLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&rf.LogFormat, "log-format", "text", "log format: text|json")

	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(dbCmd())
	return rootCmd
}

// Execute runs memprof with args (without the program name).
func Execute(ctx context.Context, args []string) error {
	rootCmd := NewRootCmd()
	rootCmd.SetArgs(normalizeArgs(rootCmd, args))
	return rootCmd.ExecuteContext(ctx)
}

// normalizeArgs rewrites the single-dash "-lbs" spelling, which pflag would
// read as three shorthand flags, to its long form. Values of flags that take
// an argument are left untouched.
func normalizeArgs(root *cobra.Command, args []string) []string {
	valued := valueFlags(root)
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return append(out, args[i:]...)
		}
		switch {
		case a == "-lbs":
			a = "--local-batch-size"
		case strings.HasPrefix(a, "-lbs="):
			a = "--local-batch-size=" + strings.TrimPrefix(a, "-lbs=")
		case !strings.Contains(a, "=") && valued[a] && i+1 < len(args):
			out = append(out, a, args[i+1])
			i++
			continue
		}
		out = append(out, a)
	}
	return out
}

// valueFlags collects the spellings ("--name", "-n") of every non-boolean
// flag in the command tree.
func valueFlags(root *cobra.Command) map[string]bool {
	out := make(map[string]bool)
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		add := func(f *pflag.Flag) {
			if f.Value.Type() == "bool" {
				return
			}
			out["--"+f.Name] = true
			if f.Shorthand != "" {
				out["-"+f.Shorthand] = true
			}
		}
		c.Flags().VisitAll(add)
		c.PersistentFlags().VisitAll(add)
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(root)
	return out
}

// lbsAlias lets "--lbs" stand in for "--local-batch-size".
func lbsAlias(f *pflag.FlagSet, name string) pflag.NormalizedName {
	if name == "lbs" {
		name = "local-batch-size"
	}
	return pflag.NormalizedName(name)
}

func dsnOrErr() (string, error) {
	if rf.DSN == "" {
		return "", fmt.Errorf("missing --dsn (or set DATABASE_URL)")
	}
	return rf.DSN, nil
}
