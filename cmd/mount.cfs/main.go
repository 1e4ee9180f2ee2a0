//go:build fuse

// Command mount.cfs mounts a CFS image at a host directory through FUSE.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anivice/cfs"
	"github.com/anivice/cfs/fusebridge"
	"github.com/anivice/cfs/logutil"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var logger = logutil.New("mount.cfs: ")

func main() {
	var (
		imagePath   string
		mountPoint  string
		hostFsArgs  string
		debugOption bool
	)

	root := &cobra.Command{
		Use:   "mount.cfs",
		Short: "Mount a CFS image through FUSE",
		RunE: func(cmd *cobra.Command, args []string) error {
			if imagePath == "" || mountPoint == "" {
				return fmt.Errorf("-p <image> and -e <mount-point> are required")
			}

			// Parse -f "<host-fs-args>" as an extra whitespace-separated
			// pflag set. Its only flag is --debug; any other flag is an
			// error, and nothing else reaches the FUSE mount options.
			extra := pflag.NewFlagSet("host-fs-args", pflag.ContinueOnError)
			debugExtra := extra.Bool("debug", false, "enable go-fuse debug logging")
			if hostFsArgs != "" {
				if err := extra.Parse(strings.Fields(hostFsArgs)); err != nil {
					return fmt.Errorf("parsing -f host-fs-args: %w", err)
				}
			}

			fsys, err := cfs.Mount(imagePath)
			if err != nil {
				return err
			}
			defer fsys.Close()

			rootNode, _ := fusebridge.New(fsys, logger)
			server, err := fusebridge.Mount(mountPoint, rootNode, debugOption || *debugExtra)
			if err != nil {
				return err
			}

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigc
				logger.Println("unmounting...")
				server.Unmount()
			}()

			logger.Printf("mounted %s at %s", imagePath, mountPoint)
			server.Wait()
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVarP(&imagePath, "path", "p", "", "path to the image file to mount")
	flags.StringVarP(&mountPoint, "mount-point", "e", "", "host directory to mount at")
	flags.StringVarP(&hostFsArgs, "host-fs-args", "f", "", "extra flags; only --debug is recognized")
	flags.BoolVar(&debugOption, "debug", false, "enable go-fuse debug logging")

	if err := root.Execute(); err != nil {
		logger.Println(err)
		os.Exit(1)
	}
}
