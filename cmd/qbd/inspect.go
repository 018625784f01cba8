package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muhamadazmy/qbd/internal/paged"
	"github.com/muhamadazmy/qbd/pkg/fs"
)

func newInspectCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "print the metadata and occupancy of a cache or store file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return inspect(args[0], verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every occupied slot")

	return cmd
}

func inspect(path string, verbose bool) error {
	f, err := paged.Open(fs.NewReal(), path)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	m := f.Meta()

	fmt.Printf("file:      %s\n", path)
	fmt.Printf("page size: %d\n", m.PageSize)
	fmt.Printf("data size: %d\n", m.DataSize)
	fmt.Printf("slots:     %d\n", m.Slots())

	var occupied, dirty uint32

	for i := uint32(0); i < f.Slots(); i++ {
		h, err := f.ReadHeader(i)
		if err != nil {
			return err
		}

		if !h.Occupied() {
			continue
		}

		occupied++

		if h.Dirty() {
			dirty++
		}

		if verbose {
			state := "clean"
			if h.Dirty() {
				state = "dirty"
			}

			fmt.Printf("slot %8d: page %8d %s\n", i, h.Global, state)
		}
	}

	fmt.Printf("occupied:  %d\n", occupied)
	fmt.Printf("dirty:     %d\n", dirty)

	return nil
}
