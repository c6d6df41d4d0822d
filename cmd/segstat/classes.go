package main

import (
	"fmt"
	"io"
	"os"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/mmapseg/segment"
)

func init() {
	rootCmd.AddCommand(newClassesCmd())
}

func newClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "Print the free list size classes",
		Long: `The classes command prints the page count range covered by each of the
free list size classes a segment keeps for its Unused and Reserved blocks.

Example:
  segstat classes
  segstat classes --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClasses(os.Stdout)
		},
	}
}

type sizeClass struct {
	Class    int
	MinPages int
	MaxPages int
}

func sizeClasses() []sizeClass {
	classes := make([]sizeClass, segment.SizeClassCount)
	for pages := segment.MaxUsablePages; pages >= 1; pages-- {
		class := segment.ComputeSizeClass(uint16(pages))
		classes[class].Class = class
		classes[class].MinPages = pages
		if classes[class].MaxPages == 0 {
			classes[class].MaxPages = pages
		}
	}

	return classes
}

func runClasses(out io.Writer) error {
	classes := sizeClasses()

	if jsonOut {
		writer := jwriter.NewWriter()
		arr := writer.Array()
		for _, class := range classes {
			obj := arr.Object()
			obj.Name("Class").Int(class.Class)
			obj.Name("MinPages").Int(class.MinPages)
			obj.Name("MaxPages").Int(class.MaxPages)
			obj.End()
		}
		arr.End()

		if err := writer.Error(); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, string(writer.Bytes()))
		return err
	}

	fmt.Fprintf(out, "%-6s %-10s %-10s\n", "Class", "MinPages", "MaxPages")
	for _, class := range classes {
		fmt.Fprintf(out, "%-6d %-10d %-10d\n", class.Class, class.MinPages, class.MaxPages)
	}

	return nil
}
