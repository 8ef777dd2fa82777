package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/md-rashed-zaman/eventpipe/libs/dlq"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
	"github.com/md-rashed-zaman/eventpipe/libs/streams"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultRedisURL = "redis://localhost:6379/0"

// Opener connects to the Redis server holding the streams.
type Opener func(ctx context.Context, redisURL string) (*streams.Client, error)

type app struct {
	v    *viper.Viper
	out  io.Writer
	open Opener
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := runtime.SignalContext()
	defer stop()
	if err := NewRootCommand(os.Stdout, streams.Open).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func NewRootCommand(out io.Writer, open Opener) *cobra.Command {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("redis-url", defaultRedisURL)

	a := &app{v: v, out: out, open: open}
	root := &cobra.Command{
		Use:           "dlq-tool",
		Short:         "Inspect and recover dead-lettered stream messages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().String("redis-url", "", "Redis URL (env REDIS_URL, default "+defaultRedisURL+")")
	_ = v.BindPFlag("redis-url", root.PersistentFlags().Lookup("redis-url"))

	root.AddCommand(
		a.listCommand(),
		a.inspectCommand(),
		a.reprocessCommand(),
		a.resolveCommand(),
		a.reportCommand(),
		a.groupsCommand(),
	)
	return root
}

// withOperator opens a connection for the duration of fn.
func (a *app) withOperator(ctx context.Context, fn func(op *dlq.Operator) error) error {
	client, err := a.open(ctx, a.v.GetString("redis-url"))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	return fn(dlq.NewOperator(client))
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func streamFlag(c *cobra.Command, target *string) {
	c.Flags().StringVar(target, "stream", "", "dead-letter stream, e.g. identity.user.v1.dlq")
	_ = c.MarkFlagRequired("stream")
}

func idFlag(c *cobra.Command, target *string) {
	c.Flags().StringVar(target, "id", "", "stream entry ID")
	_ = c.MarkFlagRequired("id")
}
