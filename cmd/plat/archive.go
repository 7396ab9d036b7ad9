package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/plat/internal/bundle"
	"github.com/basket/plat/internal/identity"
	"github.com/basket/plat/internal/manifest"
)

// archiveArgs is the parsed form of `<kind> tar|untar <src> -o <dst>`.
type archiveArgs struct {
	src string
	out string
}

func parseArchiveArgs(name string, args []string) (archiveArgs, error) {
	fs := newFlagSet(name, nil)
	out := fs.String("o", "", "output path")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return archiveArgs{}, err
	}
	if len(positional) != 1 {
		return archiveArgs{}, fmt.Errorf("usage: plat %s <src> -o <dst>", name)
	}
	if *out == "" {
		return archiveArgs{}, fmt.Errorf("%s: -o is required", name)
	}
	return archiveArgs{src: positional[0], out: *out}, nil
}

// checkArchiveSource refuses to pack a directory that is not a daemon or
// plugin directory of the expected kind.
func checkArchiveSource(kind, dir string) error {
	switch kind {
	case "plugin":
		if _, err := manifest.Load(dir); err != nil {
			return fmt.Errorf("%s is not a plugin directory: %w", dir, err)
		}
	case "daemon":
		if _, err := os.Stat(filepath.Join(dir, identity.FileName)); err != nil {
			return fmt.Errorf("%s is not a daemon directory: %w", dir, err)
		}
	}
	return nil
}

func runTarCommand(ctx context.Context, kind string, args []string) int {
	a, err := parseArchiveArgs(kind+" tar", args)
	if err != nil {
		if code := flagExit(err); code == 0 {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := checkArchiveSource(kind, a.src); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := bundle.PackFile(ctx, a.src, a.out); err != nil {
		fmt.Fprintf(os.Stderr, "pack %s: %v\n", a.src, err)
		return 1
	}
	fmt.Printf("packed %s into %s\n", a.src, a.out)
	return 0
}

func runUntarCommand(ctx context.Context, kind string, args []string) int {
	a, err := parseArchiveArgs(kind+" untar", args)
	if err != nil {
		if code := flagExit(err); code == 0 {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := bundle.UnpackFile(ctx, a.src, a.out); err != nil {
		fmt.Fprintf(os.Stderr, "unpack %s: %v\n", a.src, err)
		return 1
	}
	if err := checkArchiveSource(kind, a.out); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	fmt.Printf("unpacked %s into %s\n", a.src, a.out)
	return 0
}
