// Command fs-rs is an interactive shell for a tinyfs image, built the way
// disko/cmd/main.go builds its image-management CLI: a urfave/cli/v2 App
// whose commands are thin wrappers around the core's public operations.
// Unlike disko's single-shot commands, fs-rs re-parses one line of input
// per iteration of a REPL loop, since the shell itself is long-lived for
// the duration of a mount.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/blockdevice"
	"github.com/dargueta/tinyfs/filesystem"
)

func main() {
	app := &cli.App{
		Name:  "fs-rs",
		Usage: "mount and interact with a tinyfs image",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "src", Aliases: []string{"s"}, Usage: "path to the backing image file"},
			&cli.StringFlag{Name: "target", Aliases: []string{"t"}, Usage: "unused; kept for CLI shape parity with the original packing tool"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"w"}, Value: "open", Usage: "create|open"},
			&cli.BoolFlag{Name: "memory", Usage: "use a throwaway in-memory image instead of --src"},
			&cli.Uint64Flag{Name: "total-blocks", Value: tinyfs.DefaultTotalBlocks, Usage: "blocks in a freshly created image"},
			&cli.Uint64Flag{Name: "inode-bitmap-blocks", Value: tinyfs.DefaultInodeBitmapBlocks, Usage: "inode bitmap blocks for a freshly created image"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

type shell struct {
	fs                *filesystem.FileSystem
	device            *blockdevice.Device
	cwd               *filesystem.Inode
	cwdPath           string
	label             string
	inodeBitmapBlocks uint32
}

func run(c *cli.Context) error {
	sh, err := mount(c)
	if err != nil {
		return err
	}
	defer func() {
		if err := sh.fs.Sync(); err != nil {
			fmt.Fprintln(os.Stderr, "warning: failed to sync on exit:", err)
		}
		if sh.device != nil {
			_ = sh.device.Close()
		}
	}()

	repl := &cli.App{
		Name:                 "",
		HideHelp:             false,
		Commands:             sh.commands(),
		CommandNotFound: func(ctx *cli.Context, command string) {
			fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		},
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("%s> ", sh.cwdPath)
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if fields[0] == "exit" {
			break
		}

		args := append([]string{"fs-rs"}, fields...)
		if err := repl.RunContext(context.Background(), args); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}

	return nil
}

func mount(c *cli.Context) (*shell, error) {
	totalBlocks := uint32(c.Uint64("total-blocks"))
	inodeBitmapBlocks := uint32(c.Uint64("inode-bitmap-blocks"))
	mode := c.String("mode")

	var device *blockdevice.Device
	var err error

	if c.Bool("memory") {
		device = blockdevice.NewMemDevice(totalBlocks)
	} else {
		src := c.String("src")
		if src == "" {
			return nil, tinyfs.ErrInvalidArgument.WithMessage("--src is required unless --memory is set")
		}
		device, err = blockdevice.Open(src, totalBlocks, mode == "create")
		if err != nil {
			return nil, err
		}
	}

	var fs *filesystem.FileSystem
	switch mode {
	case "create":
		fs, err = filesystem.Format(device, totalBlocks, inodeBitmapBlocks)
	case "open":
		fs, err = filesystem.Open(device)
	default:
		return nil, tinyfs.ErrInvalidArgument.WithMessage("--mode must be create or open")
	}
	if err != nil {
		return nil, err
	}

	return &shell{
		fs:                fs,
		device:            device,
		cwd:               fs.RootInode(),
		cwdPath:           "/",
		inodeBitmapBlocks: inodeBitmapBlocks,
	}, nil
}
