package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/baxromumarov/stackful/trace"
)

var traceCmd = &cobra.Command{
	Use:   "trace FILE",
	Short: "Print a recorded lifecycle trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrace,
}

func init() {
	traceCmd.Flags().StringSlice("kind", nil, "only show these event kinds (e.g. completed,worker-failed)")
	traceCmd.Flags().Bool("summary", false, "print per-kind counts instead of events")
}

func runTrace(cmd *cobra.Command, args []string) error {
	events, err := trace.ReadFile(args[0])
	if err != nil {
		return err
	}

	kinds, _ := cmd.Flags().GetStringSlice("kind")
	filter := make(map[trace.Kind]bool, len(kinds))
	for _, s := range kinds {
		k, err := trace.ParseKind(s)
		if err != nil {
			return err
		}
		filter[k] = true
	}
	if len(filter) > 0 {
		kept := events[:0]
		for _, ev := range events {
			if filter[ev.Kind] {
				kept = append(kept, ev)
			}
		}
		events = kept
	}

	out := cmd.OutOrStdout()
	if summary, _ := cmd.Flags().GetBool("summary"); summary {
		printSummary(out, events)
		return nil
	}
	for _, ev := range events {
		printEvent(out, ev)
	}
	return nil
}

var kindColors = map[trace.Kind]*color.Color{
	trace.KindCreated:         color.New(color.FgCyan),
	trace.KindResumed:         color.New(color.FgBlue),
	trace.KindSuspended:       color.New(color.FgYellow),
	trace.KindCompleted:       color.New(color.FgGreen),
	trace.KindCancelRequested: color.New(color.FgMagenta),
	trace.KindWorkerStarted:   color.New(color.Faint),
	trace.KindWorkerStopped:   color.New(color.Faint),
	trace.KindWorkerFailed:    color.New(color.FgRed, color.Bold),
}

func printEvent(w io.Writer, ev trace.Event) {
	c, ok := kindColors[ev.Kind]
	if !ok {
		c = color.New(color.Reset)
	}
	fmt.Fprintf(w, "%8d %s ", ev.Seq, ev.Time.Format("15:04:05.000000"))
	c.Fprintf(w, "%-16s", ev.Kind)
	fmt.Fprintf(w, " w=%-3d", ev.Worker)
	if ev.Fiber != 0 {
		fmt.Fprintf(w, " fiber=%d", ev.Fiber)
		if ev.Parent != 0 {
			fmt.Fprintf(w, " parent=%d", ev.Parent)
		}
	}
	if ev.Name != "" {
		fmt.Fprintf(w, " %q", ev.Name)
	}
	if ev.Outcome != "" {
		fmt.Fprintf(w, " outcome=%s", ev.Outcome)
	}
	if ev.Err != "" {
		color.New(color.FgRed).Fprintf(w, " err=%q", ev.Err)
	}
	fmt.Fprintln(w)
}

func printSummary(w io.Writer, events []trace.Event) {
	counts := make(map[trace.Kind]int)
	for _, ev := range events {
		counts[ev.Kind]++
	}
	kinds := make([]trace.Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		c, ok := kindColors[k]
		if !ok {
			c = color.New(color.Reset)
		}
		c.Fprintf(w, "%-16s", k)
		fmt.Fprintf(w, " %d\n", counts[k])
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stderr, "no events")
	}
}
