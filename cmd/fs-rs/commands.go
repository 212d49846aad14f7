package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/archive"
	"github.com/dargueta/tinyfs/filesystem"
)

func (sh *shell) commands() []*cli.Command {
	return []*cli.Command{
		{Name: "ls", Usage: "list the current directory's entries", Action: sh.cmdLs},
		{Name: "cat", Usage: "print a file's contents", ArgsUsage: "NAME", Action: sh.cmdCat},
		{Name: "mkdir", Usage: "create a subdirectory", ArgsUsage: "NAME", Action: sh.cmdMkdir},
		{Name: "touch", Usage: "create an empty file", ArgsUsage: "NAME", Action: sh.cmdTouch},
		{Name: "rm", Usage: "remove a file or empty directory", ArgsUsage: "NAME", Action: sh.cmdRm},
		{Name: "cd", Usage: "change the current directory", ArgsUsage: "NAME", Action: sh.cmdCd},
		{Name: "chname", Usage: "rename an entry", ArgsUsage: "OLD NEW", Action: sh.cmdChname},
		{Name: "set", Usage: "set a filesystem-wide display value", ArgsUsage: "KEY VALUE", Action: sh.cmdSet},
		{Name: "get", Usage: "print a filesystem-wide display value", ArgsUsage: "KEY", Action: sh.cmdGet},
		{Name: "fmt", Usage: "reformat the mounted image, destroying its contents", Action: sh.cmdFmt},
		{Name: "export", Usage: "write a compressed backup of a file to the host filesystem", ArgsUsage: "NAME HOSTPATH", Action: sh.cmdExport},
		{Name: "import", Usage: "restore a file previously written by export", ArgsUsage: "HOSTPATH NAME", Action: sh.cmdImport},
	}
}

// readAll reads the entirety of file's content into memory. Exported files
// in this shell are expected to be small enough (a handful of MiB at most,
// per tinyfs.MaxFileSize) that this is never a concern.
func readAll(file *filesystem.Inode) ([]byte, error) {
	size, err := file.Size()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	var offset int64
	for offset < int64(size) {
		n, err := file.Read(offset, buf[offset:])
		offset += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (sh *shell) cmdLs(c *cli.Context) error {
	names, err := sh.cwd.Ls()
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func (sh *shell) cmdCat(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return tinyfs.ErrInvalidArgument.WithMessage("cat requires a file name")
	}

	file, err := sh.cwd.Find(name)
	if err != nil {
		return err
	}

	content, err := readAll(file)
	if err != nil {
		return err
	}
	os.Stdout.Write(content)
	fmt.Println()
	return nil
}

func (sh *shell) cmdMkdir(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return tinyfs.ErrInvalidArgument.WithMessage("mkdir requires a name")
	}
	_, err := sh.cwd.Create(name, tinyfs.InodeDirectory)
	return err
}

func (sh *shell) cmdTouch(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return tinyfs.ErrInvalidArgument.WithMessage("touch requires a name")
	}
	_, err := sh.cwd.Create(name, tinyfs.InodeFile)
	return err
}

func (sh *shell) cmdRm(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return tinyfs.ErrInvalidArgument.WithMessage("rm requires a name")
	}

	target, err := sh.cwd.Find(name)
	if err != nil {
		return err
	}
	isDir, err := target.IsDirectory()
	if err != nil {
		return err
	}
	if isDir {
		children, err := target.Ls()
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return tinyfs.ErrDirectoryNotEmpty
		}
	}

	return sh.cwd.Destroy(name)
}

func (sh *shell) cmdCd(c *cli.Context) error {
	name := c.Args().First()
	if name == "" || name == "/" {
		sh.cwd = sh.fs.RootInode()
		sh.cwdPath = "/"
		return nil
	}

	target, err := sh.cwd.Find(name)
	if err != nil {
		return err
	}
	isDir, err := target.IsDirectory()
	if err != nil {
		return err
	}
	if !isDir {
		return tinyfs.ErrNotADirectory
	}

	sh.cwd = target
	if sh.cwdPath == "/" {
		sh.cwdPath = "/" + name
	} else {
		sh.cwdPath = sh.cwdPath + "/" + name
	}
	return nil
}

func (sh *shell) cmdChname(c *cli.Context) error {
	oldName := c.Args().Get(0)
	newName := c.Args().Get(1)
	if oldName == "" || newName == "" {
		return tinyfs.ErrInvalidArgument.WithMessage("chname requires OLD and NEW names")
	}
	return sh.cwd.Rename(oldName, newName)
}

func (sh *shell) cmdSet(c *cli.Context) error {
	key := c.Args().Get(0)
	value := c.Args().Get(1)
	switch key {
	case "label":
		sh.label = value
		return nil
	default:
		return tinyfs.ErrInvalidArgument.WithMessage(fmt.Sprintf("unknown setting %q", key))
	}
}

func (sh *shell) cmdGet(c *cli.Context) error {
	key := c.Args().First()

	stat, err := sh.fs.Stat()
	if err != nil {
		return err
	}

	switch key {
	case "label":
		fmt.Println(sh.label)
	case "block_size":
		fmt.Println(stat.BlockSize)
	case "total_blocks":
		fmt.Println(stat.TotalBlocks)
	case "blocks_free":
		fmt.Println(stat.BlocksFree)
	case "files":
		fmt.Println(stat.Files)
	case "files_free":
		fmt.Println(stat.FilesFree)
	default:
		return tinyfs.ErrInvalidArgument.WithMessage(fmt.Sprintf("unknown setting %q", key))
	}
	return nil
}

func (sh *shell) cmdFmt(c *cli.Context) error {
	stat, err := sh.fs.Stat()
	if err != nil {
		return err
	}

	fs, err := filesystem.Format(sh.device, uint32(stat.TotalBlocks), sh.inodeBitmapBlocks)
	if err != nil {
		return err
	}

	sh.fs = fs
	sh.cwd = fs.RootInode()
	sh.cwdPath = "/"
	return nil
}

func (sh *shell) cmdExport(c *cli.Context) error {
	name := c.Args().Get(0)
	hostPath := c.Args().Get(1)
	if name == "" || hostPath == "" {
		return tinyfs.ErrInvalidArgument.WithMessage("export requires NAME and HOSTPATH")
	}

	file, err := sh.cwd.Find(name)
	if err != nil {
		return err
	}
	content, err := readAll(file)
	if err != nil {
		return err
	}

	out, err := os.Create(hostPath)
	if err != nil {
		return fmt.Errorf("export: failed to create %q: %w", hostPath, err)
	}
	defer out.Close()

	written, err := archive.CompressExport(bytes.NewReader(content), out)
	if err != nil {
		return fmt.Errorf("export: compression failed: %w", err)
	}
	fmt.Printf("wrote %d bytes (from %d) to %s\n", written, len(content), hostPath)
	return nil
}

func (sh *shell) cmdImport(c *cli.Context) error {
	hostPath := c.Args().Get(0)
	name := c.Args().Get(1)
	if hostPath == "" || name == "" {
		return tinyfs.ErrInvalidArgument.WithMessage("import requires HOSTPATH and NAME")
	}

	in, err := os.Open(hostPath)
	if err != nil {
		return fmt.Errorf("import: failed to open %q: %w", hostPath, err)
	}
	defer in.Close()

	var decompressed bytes.Buffer
	if _, err := archive.DecompressExport(in, &decompressed); err != nil {
		return fmt.Errorf("import: decompression failed: %w", err)
	}

	file, err := sh.cwd.Create(name, tinyfs.InodeFile)
	if err != nil {
		return err
	}
	_, err = file.Write(0, decompressed.Bytes())
	return err
}
