package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/mmapseg/budget"
	"github.com/vkngwrapper/mmapseg/memutils"
	"github.com/vkngwrapper/mmapseg/mmapemu"
	"github.com/vkngwrapper/mmapseg/segment"
	"github.com/vkngwrapper/mmapseg/vmem"
)

type workloadOptions struct {
	Seed            int64
	Steps           int
	PageSize        int
	SegmentPages    int
	MaxSegments     int
	MaxPages        int
	FreePercent     int
	UnusedThreshold int
	CommitLimit     int
	Owners          int
}

var runOptions workloadOptions

func init() {
	cmd := newRunCmd()
	flags := cmd.Flags()
	flags.Int64Var(&runOptions.Seed, "seed", 1, "Random seed for the workload")
	flags.IntVar(&runOptions.Steps, "steps", 10000, "Number of mmap or munmap operations to perform")
	flags.IntVar(&runOptions.PageSize, "page-size", vmem.MinPageSize, "Page size of the emulated provider")
	flags.IntVar(&runOptions.SegmentPages, "segment-pages", 4096, "Pages reserved for each segment")
	flags.IntVar(&runOptions.MaxSegments, "max-segments", 0, "Maximum number of segments, 0 for no limit")
	flags.IntVar(&runOptions.MaxPages, "max-pages", 64, "Largest mapping, in pages")
	flags.IntVar(&runOptions.FreePercent, "free-percent", 45, "Chance of unmapping instead of mapping, in percent")
	flags.IntVar(&runOptions.UnusedThreshold, "unused-threshold", 0, "Unused pages each segment may hold, 0 for the default")
	flags.IntVar(&runOptions.CommitLimit, "commit-limit", 0, "Bytes the provider may commit, 0 for no limit")
	flags.IntVar(&runOptions.Owners, "owners", 2, "Number of owner tags mappings are charged to")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a random mmap workload and report segment statistics",
		Long: `The run command performs a seeded random sequence of mmap and munmap calls
against segments backed by an emulated provider, validating every segment after
each call, and prints the resulting statistics.

Example:
  segstat run
  segstat run --seed 7 --steps 50000 --max-pages 300
  segstat run --commit-limit 8388608 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(os.Stdout, runOptions)
		},
	}
}

type workloadResult struct {
	Mapped   int
	Unmapped int
	Refused  int
}

type liveMapping struct {
	ptr  unsafe.Pointer
	size int
}

func runWorkload(out io.Writer, options workloadOptions) error {
	if options.Steps < 0 || options.MaxPages < 1 || options.Owners < 1 || options.FreePercent < 0 || options.FreePercent > 100 {
		return errors.New("steps, max-pages, owners, and free-percent must be in range")
	}

	provider, err := vmem.NewHeapProvider(vmem.HeapProviderOptions{
		PageSize:    options.PageSize,
		CommitLimit: options.CommitLimit,
	})
	if err != nil {
		return err
	}

	accountant, err := budget.New(budget.CreateOptions{Flags: budget.CreateExternallySynchronized})
	if err != nil {
		return err
	}

	emulator, err := mmapemu.New(newLogger(), provider, mmapemu.CreateOptions{
		Flags:       mmapemu.CreateExternallySynchronized,
		SegmentSize: options.SegmentPages * options.PageSize,
		MaxSegments: options.MaxSegments,
		Segment: segment.CreateOptions{
			Accountant:      accountant,
			UnusedThreshold: options.UnusedThreshold,
		},
	})
	if err != nil {
		return err
	}

	result, err := driveWorkload(emulator, options)
	if err != nil {
		return errors.CombineErrors(err, emulator.Destroy())
	}

	if jsonOut {
		err = printWorkloadJson(out, emulator, accountant, result)
	} else {
		printWorkloadText(out, emulator, accountant, provider, result)
	}

	return errors.CombineErrors(err, emulator.Destroy())
}

func driveWorkload(emulator *mmapemu.Emulator, options workloadOptions) (workloadResult, error) {
	var result workloadResult
	var live []liveMapping

	rng := rand.New(rand.NewSource(options.Seed))
	for step := 0; step < options.Steps; step++ {
		if len(live) > 0 && rng.Intn(100) < options.FreePercent {
			i := rng.Intn(len(live))
			err := emulator.Munmap(live[i].ptr, live[i].size)
			if err != nil {
				return result, errors.Wrapf(err, "step %d", step)
			}

			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			result.Unmapped++
		} else {
			size := 1 + rng.Intn(options.MaxPages*options.PageSize)
			owner := memutils.OwnerUserBase + memutils.OwnerTag(rng.Intn(options.Owners))

			ptr, err := emulator.Mmap(size, owner)
			if errors.Is(err, memutils.ErrOutOfMemory) {
				result.Refused++
				continue
			} else if err != nil {
				return result, errors.Wrapf(err, "step %d", step)
			}

			live = append(live, liveMapping{ptr: ptr, size: size})
			result.Mapped++
		}

		err := emulator.Validate()
		if err != nil {
			return result, errors.Wrapf(err, "step %d", step)
		}
	}

	return result, nil
}

func printWorkloadText(out io.Writer, emulator *mmapemu.Emulator, accountant *budget.ClassBudget, provider *vmem.HeapProvider, result workloadResult) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	emulator.AddDetailedStatistics(&stats)

	fmt.Fprintf(out, "Operations:        %d mapped, %d unmapped, %d refused\n", result.Mapped, result.Unmapped, result.Refused)
	fmt.Fprintf(out, "Segments:          %d\n", stats.SegmentCount)
	fmt.Fprintf(out, "Live mappings:     %d (%d bytes)\n", stats.AllocationCount, stats.AllocationBytes)
	fmt.Fprintf(out, "Unused ranges:     %d (%d bytes)\n", stats.UnusedRangeCount, stats.UnusedBytes)
	fmt.Fprintf(out, "Reserved ranges:   %d (%d bytes)\n", stats.ReservedRangeCount, stats.ReservedBytes())
	fmt.Fprintf(out, "Header bytes:      %d\n", stats.HeaderBytes)
	fmt.Fprintf(out, "Committed bytes:   %d (provider reports %d)\n", stats.CommittedBytes(), provider.CommittedBytes())
	fmt.Fprintf(out, "Provider calls:    %d commits, %d decommits\n", provider.CommitCalls(), provider.DecommitCalls())

	if stats.AllocationCount > 0 {
		fmt.Fprintf(out, "Mapping sizes:     %d - %d bytes\n", stats.AllocationSizeMin, stats.AllocationSizeMax)
	}

	fmt.Fprintln(out, "Budget:")
	for tag, usage := range accountant.Snapshot() {
		fmt.Fprintf(out, "  %-16s %d\n", tag, usage)
	}
}

func printWorkloadJson(out io.Writer, emulator *mmapemu.Emulator, accountant *budget.ClassBudget, result workloadResult) error {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Mapped").Int(result.Mapped)
	obj.Name("Unmapped").Int(result.Unmapped)
	obj.Name("Refused").Int(result.Refused)

	budgetObj := obj.Name("Budget").Object()
	accountant.PrintJson(budgetObj)
	budgetObj.End()

	emulator.PrintDetailedMap(obj.Name("Emulator"))
	obj.End()

	if err := writer.Error(); err != nil {
		return err
	}

	_, err := fmt.Fprintln(out, string(writer.Bytes()))
	return err
}
