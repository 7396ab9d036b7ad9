package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/daemon"
	"github.com/basket/plat/internal/gateway"
)

func runStatusCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("status", func(w io.Writer) {
		fmt.Fprintln(w, "usage: plat status [-addr A] [-json]")
	})
	addr := fs.String("addr", "", "daemon address (default: bind_addr from config.yaml)")
	asJSON := fs.Bool("json", false, "print the raw GET /api document")
	if err := fs.Parse(args); err != nil {
		return flagExit(err)
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: plat status [-addr A] [-json]")
		return 2
	}

	base := daemonURL(*addr)
	if *addr == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		base = daemonURL(cfg.BindAddr)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+gateway.InfoPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var info daemon.Info
	pretty := !*asJSON && isatty.IsTerminal(os.Stdout.Fd())
	if resp.StatusCode == http.StatusOK && pretty && json.Unmarshal(body, &info) == nil {
		renderStatus(os.Stdout, base, info)
		return 0
	}
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func renderStatus(w io.Writer, base string, info daemon.Info) {
	fmt.Fprintln(w, titleStyle.Render("plat daemon")+" "+dimStyle.Render(base))
	fmt.Fprintf(w, "  %-11s %s\n", "public key", info.Daemon.PublicKey)
	fmt.Fprintf(w, "  %-11s %s\n", "variant", info.Daemon.Variant)
	if info.Daemon.Address != "" {
		fmt.Fprintf(w, "  %-11s %s\n", "address", info.Daemon.Address)
	}
	fmt.Fprintf(w, "  %-11s %d\n", "operators", info.Stats.Operators)
	denies := fmt.Sprint(info.Stats.DenyCount)
	if info.Stats.DenyCount > 0 {
		denies = denyStyle.Render(denies)
	}
	fmt.Fprintf(w, "  %-11s %s\n", "denies", denies)
	fmt.Fprintf(w, "  %-11s %s\n", "config", dimStyle.Render(info.Stats.Config))

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("plugins (%d)", len(info.Plugins))))
	for _, p := range info.Plugins {
		fmt.Fprintf(w, "  %-24s %-10s %s\n", p.Manifest.Name, p.Manifest.Version, p.Addr)
	}
}
