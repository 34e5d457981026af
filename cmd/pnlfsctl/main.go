package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/pnlfs/pnlfs/pkg/pnlfs"
)

func main() {
	app := &cli.App{
		Name:  "pnlfsctl",
		Usage: "format and inspect PNLFS images",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "optional YAML file overriding format defaults"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			formatCommand,
			statCommand,
			lsCommand,
			fsckCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "pnlfsctl:", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) *zap.Logger {
	if !c.Bool("verbose") {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func openImage(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

var formatCommand = &cli.Command{
	Name:      "format",
	Usage:     "create a new PNLFS image",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "nr-blocks", Usage: "total device size in blocks (0 = use config default)"},
		&cli.UintFlag{Name: "nr-inodes", Usage: "size of the inode table (0 = use config default)"},
	},
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return fmt.Errorf("format: missing image path")
		}
		d, err := loadDefaults(c.String("config"))
		if err != nil {
			return err
		}
		nrBlocks := uint32(c.Uint("nr-blocks"))
		if nrBlocks == 0 {
			nrBlocks = d.NrBlocks
		}
		nrInodes := uint32(c.Uint("nr-inodes"))
		if nrInodes == 0 {
			nrInodes = d.NrInodes
		}

		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("format: %w", err)
		}
		defer file.Close()
		if err := file.Truncate(int64(nrBlocks) * pnlfs.BlockSize); err != nil {
			return fmt.Errorf("format: %w", err)
		}

		device := pnlfs.NewFileBlockDevice(file)
		log := newLogger(c)
		opts := pnlfs.FormatOptions{NrBlocks: nrBlocks, NrInodes: nrInodes}
		if err := pnlfs.Format(device, opts, log); err != nil {
			return fmt.Errorf("format: %w", err)
		}
		fmt.Printf("formatted %s: %d blocks, %d inodes\n", path, nrBlocks, nrInodes)
		return nil
	},
}

var statCommand = &cli.Command{
	Name:      "stat",
	Usage:     "print superblock and inode counters",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return fmt.Errorf("stat: missing image path")
		}
		file, err := openImage(path)
		if err != nil {
			return fmt.Errorf("stat: %w", err)
		}
		defer file.Close()

		vol, err := pnlfs.Mount(pnlfs.NewFileBlockDevice(file), pnlfs.MountOptions{}, newLogger(c))
		if err != nil {
			return fmt.Errorf("stat: %w", err)
		}
		defer vol.Unmount()

		sb := vol.Superblock()
		fmt.Printf("blocks:        %d\n", sb.NrBlocks)
		fmt.Printf("inodes:        %d\n", sb.NrInodes)
		fmt.Printf("free inodes:   %d\n", sb.NrFreeInodes)
		fmt.Printf("free blocks:   %d\n", sb.NrFreeBlocks)
		return nil
	},
}

var lsCommand = &cli.Command{
	Name:      "ls",
	Usage:     "list a directory's entries",
	ArgsUsage: "<path> [dir-inode] [parent-inode]",
	Action: func(c *cli.Context) error {
		path := c.Args().Get(0)
		if path == "" {
			return fmt.Errorf("ls: missing image path")
		}
		ino := pnlfs.RootIno
		if raw := c.Args().Get(1); raw != "" {
			var n uint32
			if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
				return fmt.Errorf("ls: invalid inode %q", raw)
			}
			ino = pnlfs.Ino(n)
		}
		// The core has no dentry tree to resolve a directory's parent on
		// its own (see Volume.Readdir); default to treating it as its
		// own parent, correct for the root, and accept an explicit
		// override for anything deeper.
		parentIno := ino
		if raw := c.Args().Get(2); raw != "" {
			var n uint32
			if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
				return fmt.Errorf("ls: invalid parent inode %q", raw)
			}
			parentIno = pnlfs.Ino(n)
		}

		file, err := openImage(path)
		if err != nil {
			return fmt.Errorf("ls: %w", err)
		}
		defer file.Close()

		vol, err := pnlfs.Mount(pnlfs.NewFileBlockDevice(file), pnlfs.MountOptions{}, newLogger(c))
		if err != nil {
			return fmt.Errorf("ls: %w", err)
		}
		defer vol.Unmount()

		entries, err := vol.Readdir(ino, parentIno)
		if err != nil {
			return fmt.Errorf("ls: %w", err)
		}
		for _, entry := range entries {
			info, err := vol.Stat(entry.Ino)
			if err != nil {
				return fmt.Errorf("ls: %w", err)
			}
			fmt.Printf("%-8s %-8s %s\n", entry.Ino, pnlfs.TypeOf(info.Mode), entry.Name())
		}
		return nil
	},
}

var fsckCommand = &cli.Command{
	Name:      "fsck",
	Usage:     "verify bitmap free-counter invariants",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return fmt.Errorf("fsck: missing image path")
		}
		file, err := openImage(path)
		if err != nil {
			return fmt.Errorf("fsck: %w", err)
		}
		defer file.Close()

		// A clean Mount already performs the popcount-vs-superblock
		// check mandated by §8; a corrupt image simply fails to mount.
		vol, err := pnlfs.Mount(pnlfs.NewFileBlockDevice(file), pnlfs.MountOptions{}, newLogger(c))
		if err != nil {
			return fmt.Errorf("fsck: %s: %w", strings.TrimSpace(path), err)
		}
		defer vol.Unmount()
		fmt.Println("ok")
		return nil
	},
}
