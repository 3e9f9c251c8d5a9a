package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/baxromumarov/stackful"
)

var skynetCmd = &cobra.Command{
	Use:   "skynet",
	Short: "Recursive fan-out benchmark: every node forks children until the leaves",
	RunE:  runSkynet,
}

func init() {
	skynetCmd.Flags().Int64("size", 1_000_000, "number of leaf fibers")
	skynetCmd.Flags().Int64("fanout", 10, "children per node")
}

func runSkynet(cmd *cobra.Command, _ []string) error {
	size, _ := cmd.Flags().GetInt64("size")
	fanout, _ := cmd.Flags().GetInt64("fanout")
	if size <= 0 || fanout < 2 {
		return fmt.Errorf("invalid size %d or fanout %d", size, fanout)
	}

	p, log, closePool, err := openPool(cmd)
	if err != nil {
		return err
	}

	start := time.Now()
	sum, err := stackful.SyncWait(p, func(fc *stackful.Fiber) (int64, error) {
		return skynet(fc, 0, size, fanout)
	}, stackful.WithName("skynet"))
	elapsed := time.Since(start)
	st := p.Stats()
	if cerr := closePool(); cerr != nil {
		log.Warn().Err(cerr).Msg("pool closed with errors")
	}
	if err != nil {
		return err
	}

	want := size * (size - 1) / 2
	if sum != want {
		return fmt.Errorf("skynet sum %d, want %d", sum, want)
	}

	bold := color.New(color.Bold)
	bold.Printf("sum      ")
	fmt.Println(humanize.Comma(sum))
	bold.Printf("elapsed  ")
	fmt.Println(elapsed.Round(time.Microsecond))
	bold.Printf("fibers   ")
	fmt.Printf("%s (%s stacks created, %s steals)\n",
		humanize.Comma(st.Spawned), humanize.Comma(st.Stacks.Created), humanize.Comma(st.Steals))
	return nil
}

// skynet sums the ordinals [num, num+size) by splitting the range across
// fanout children per level.
func skynet(fc *stackful.Fiber, num, size, fanout int64) (int64, error) {
	if size == 1 {
		return num, nil
	}
	step := size / fanout
	if step == 0 {
		step = 1
	}
	var ranges [][2]int64
	for lo := num; lo < num+size; lo += step {
		ranges = append(ranges, [2]int64{lo, min(step, num+size-lo)})
	}
	parts, err := stackful.Map(fc, ranges, func(fc *stackful.Fiber, r [2]int64) (int64, error) {
		return skynet(fc, r[0], r[1], fanout)
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range parts {
		total += v
	}
	return total, nil
}
