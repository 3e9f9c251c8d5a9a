package main

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/baxromumarov/stackful"
)

var sortCmd = &cobra.Command{
	Use:   "sort",
	Short: "Parallel merge sort of random integers using fork-join",
	RunE:  runSort,
}

func init() {
	sortCmd.Flags().Int("n", 1_000_000, "number of elements")
	sortCmd.Flags().Int("cutoff", 4096, "below this length halves are sorted sequentially")
	sortCmd.Flags().Uint64("seed", 1, "random seed")
}

func runSort(cmd *cobra.Command, _ []string) error {
	n, _ := cmd.Flags().GetInt("n")
	cutoff, _ := cmd.Flags().GetInt("cutoff")
	seed, _ := cmd.Flags().GetUint64("seed")
	if n < 0 || cutoff < 2 {
		return fmt.Errorf("invalid n %d or cutoff %d", n, cutoff)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]int, n)
	for i := range data {
		data[i] = rng.IntN(1 << 30)
	}

	p, log, closePool, err := openPool(cmd)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = stackful.SyncWait(p, func(fc *stackful.Fiber) (struct{}, error) {
		return struct{}{}, mergeSort(fc, data, make([]int, n), cutoff)
	}, stackful.WithName("sort"))
	elapsed := time.Since(start)
	if cerr := closePool(); cerr != nil {
		log.Warn().Err(cerr).Msg("pool closed with errors")
	}
	if err != nil {
		return err
	}
	if !slices.IsSorted(data) {
		return fmt.Errorf("output is not sorted")
	}

	color.New(color.FgGreen).Printf("sorted %s ints", humanize.Comma(int64(n)))
	fmt.Printf(" in %s\n", elapsed.Round(time.Microsecond))
	return nil
}

// mergeSort sorts data in place using buf as scratch space of equal length.
func mergeSort(fc *stackful.Fiber, data, buf []int, cutoff int) error {
	if len(data) <= cutoff {
		slices.Sort(data)
		return nil
	}
	mid := len(data) / 2
	err := stackful.Join(fc,
		func(fc *stackful.Fiber) error { return mergeSort(fc, data[:mid], buf[:mid], cutoff) },
		func(fc *stackful.Fiber) error { return mergeSort(fc, data[mid:], buf[mid:], cutoff) },
	)
	if err != nil {
		return err
	}
	merge(buf, data[:mid], data[mid:])
	copy(data, buf)
	return nil
}

func merge(dst, a, b []int) {
	i, j, k := 0, 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			dst[k] = a[i]
			i++
		} else {
			dst[k] = b[j]
			j++
		}
		k++
	}
	k += copy(dst[k:], a[i:])
	copy(dst[k:], b[j:])
}
