package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/dlq"
	"github.com/spf13/cobra"
)

const maxErrorColumn = 60

func (a *app) listCommand() *cobra.Command {
	var stream string
	var count int64
	c := &cobra.Command{
		Use:   "list",
		Short: "List the newest entries of a DLQ stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withOperator(cmd.Context(), func(op *dlq.Operator) error {
				entries, err := op.List(cmd.Context(), stream, count)
				if err != nil {
					return err
				}
				return a.printTable(entries)
			})
		},
	}
	streamFlag(c, &stream)
	c.Flags().Int64Var(&count, "count", 20, "number of entries")
	return c
}

func (a *app) printTable(entries []dlq.Entry) error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT_ID\tEVENT_TYPE\tATTEMPTS\tSOURCE\tFAILED_AT\tERROR")
	for _, e := range entries {
		failedAt := ""
		if !e.FailedAt.IsZero() {
			failedAt = e.FailedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Envelope.EventID, e.Envelope.EventType, strconv.Itoa(e.Attempts), e.Source, failedAt, truncate(e.ErrorMessage, maxErrorColumn))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func (a *app) inspectCommand() *cobra.Command {
	var stream, id string
	c := &cobra.Command{
		Use:   "inspect",
		Short: "Show one DLQ entry with its payload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withOperator(cmd.Context(), func(op *dlq.Operator) error {
				entry, err := op.Inspect(cmd.Context(), stream, id)
				if err != nil {
					return err
				}
				return a.printJSON(entry)
			})
		},
	}
	streamFlag(c, &stream)
	idFlag(c, &id)
	return c
}

func (a *app) reprocessCommand() *cobra.Command {
	var stream, id, target string
	c := &cobra.Command{
		Use:   "reprocess",
		Short: "Republish a DLQ entry to its primary stream and record the resolution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withOperator(cmd.Context(), func(op *dlq.Operator) error {
				res, err := op.Reprocess(cmd.Context(), stream, id, target)
				if err != nil {
					return err
				}
				return a.printJSON(res)
			})
		},
	}
	streamFlag(c, &stream)
	idFlag(c, &id)
	c.Flags().StringVar(&target, "target", "", "target stream (default: the DLQ stream without .dlq)")
	return c
}

func (a *app) resolveCommand() *cobra.Command {
	var stream, id string
	c := &cobra.Command{
		Use:   "resolve",
		Short: "Mark a DLQ entry as manually resolved",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withOperator(cmd.Context(), func(op *dlq.Operator) error {
				res, err := op.Resolve(cmd.Context(), stream, id)
				if err != nil {
					return err
				}
				return a.printJSON(res)
			})
		},
	}
	streamFlag(c, &stream)
	idFlag(c, &id)
	return c
}

func (a *app) reportCommand() *cobra.Command {
	var stream string
	var hours int
	c := &cobra.Command{
		Use:   "report",
		Short: "Summarize failures within a time window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withOperator(cmd.Context(), func(op *dlq.Operator) error {
				report, err := op.Report(cmd.Context(), stream, hours)
				if err != nil {
					return err
				}
				return a.printJSON(report)
			})
		},
	}
	streamFlag(c, &stream)
	c.Flags().IntVar(&hours, "hours", 24, "window size in hours")
	return c
}

func (a *app) groupsCommand() *cobra.Command {
	var stream string
	c := &cobra.Command{
		Use:   "groups",
		Short: "Show consumer-group health for a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withOperator(cmd.Context(), func(op *dlq.Operator) error {
				groups, err := op.Groups(cmd.Context(), stream)
				if err != nil {
					return err
				}
				return a.printJSON(groups)
			})
		},
	}
	c.Flags().StringVar(&stream, "stream", "", "stream, e.g. identity.user.v1")
	_ = c.MarkFlagRequired("stream")
	return c
}
