// Command mkfs.cfs formats a regular host file as a fresh CFS image.
package main

import (
	"fmt"
	"os"

	"github.com/anivice/cfs"
	"github.com/anivice/cfs/logutil"
	"github.com/spf13/cobra"
)

var logger = logutil.New("mkfs.cfs: ")

func main() {
	var (
		imagePath string
		label     string
		blockSize uint64
		sizeBytes uint64
	)

	root := &cobra.Command{
		Use:   "mkfs.cfs",
		Short: "Format a host file as a CFS image",
		RunE: func(cmd *cobra.Command, args []string) error {
			if imagePath == "" {
				return fmt.Errorf("-p <image> is required")
			}
			if sizeBytes == 0 {
				return fmt.Errorf("-s <size> is required")
			}
			totalBlocks := sizeBytes / blockSize
			if totalBlocks < 3 {
				return fmt.Errorf("image too small for block size %d", blockSize)
			}
			logger.Printf("formatting %s: %d blocks of %d bytes, label %q", imagePath, totalBlocks, blockSize, label)
			fsys, err := cfs.Format(imagePath, label, totalBlocks, blockSize)
			if err != nil {
				return err
			}
			return fsys.Close()
		},
	}

	flags := root.Flags()
	flags.StringVarP(&imagePath, "path", "p", "", "path to the image file to create")
	flags.StringVarP(&label, "label", "L", "", "volume label")
	flags.Uint64VarP(&blockSize, "block-size", "b", 4096, "block size in bytes")
	flags.Uint64VarP(&sizeBytes, "size", "s", 0, "total image size in bytes")

	if err := root.Execute(); err != nil {
		logger.Println(err)
		os.Exit(1)
	}
}
