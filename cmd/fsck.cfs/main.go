// Command fsck.cfs diagnoses a CFS image. Bitmap mirror divergence found
// during the pass is repaired whether or not --modify is given.
package main

import (
	"fmt"
	"os"

	"github.com/anivice/cfs"
	"github.com/anivice/cfs/logutil"
	"github.com/spf13/cobra"
)

var logger = logutil.New("fsck.cfs: ")

func main() {
	var (
		imagePath string
		modify    bool
	)

	root := &cobra.Command{
		Use:   "fsck.cfs",
		Short: "Check a CFS image, repairing bitmap mirror divergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			if imagePath == "" {
				return fmt.Errorf("-p <image> is required")
			}
			fsys, err := cfs.Mount(imagePath)
			if err != nil {
				return err
			}
			defer fsys.Close()

			report, err := fsys.Check(modify)
			if err != nil {
				return err
			}
			fmt.Printf("total blocks:        %d\n", report.TotalBlocks)
			fmt.Printf("data-space blocks:   %d\n", report.DataBlocks)
			fmt.Printf("free blocks:         %d\n", report.FreeBlocks)
			fmt.Printf("allocated (non-CoW): %d\n", report.AllocatedNonCow)
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVarP(&imagePath, "path", "p", "", "path to the image file to check")
	flags.BoolVar(&modify, "modify", false, "accepted but not consulted; bitmap mirror divergence is repaired either way")

	if err := root.Execute(); err != nil {
		logger.Println(err)
		os.Exit(1)
	}
}
