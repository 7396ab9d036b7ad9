package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/confirm"
	"github.com/basket/plat/internal/control"
	"github.com/basket/plat/internal/identity"
)

func printOperatorUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: plat operator [-addr A] [-password P] [-yes|-no]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Connects to the daemon's operator channel and asks, one by one, whether to")
	fmt.Fprintln(w, "approve each install, delete and sign request. -yes or -no answers every")
	fmt.Fprintln(w, "request without prompting.")
}

// operatorConn is the part of control.Client the console drives.
type operatorConn interface {
	Read(ctx context.Context) (confirm.Envelope, error)
	ReplyTo(ctx context.Context, req confirm.Envelope, allow bool) error
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	allowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	denyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type console struct {
	conn operatorConn
	// lines delivers operator input. A closed channel denies what is pending.
	lines <-chan string
	out   io.Writer
	// auto answers every request when set.
	auto *bool
}

type frame struct {
	env confirm.Envelope
	err error
}

// run handles envelopes until the connection fails or ctx ends. Reading
// continues while a prompt waits so the daemon's pings are answered.
func (c *console) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan frame)
	go func() {
		for {
			env, err := c.conn.Read(ctx)
			select {
			case frames <- frame{env: env, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-frames:
			if f.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return f.err
			}
			if err := c.handle(ctx, f.env); err != nil {
				return err
			}
		}
	}
}

func (c *console) handle(ctx context.Context, env confirm.Envelope) error {
	switch {
	case env.Type == confirm.TypeDaemon:
		var snap confirm.Snapshot
		if err := env.Decode(&snap); err != nil {
			fmt.Fprintln(c.out, denyStyle.Render("bad snapshot: "+err.Error()))
			return nil
		}
		c.printSnapshot(snap)
		return nil
	case confirm.IsKind(env.Type):
		fmt.Fprintln(c.out, titleStyle.Render("? "+describeRequest(env)))
		allow, err := c.decide(ctx)
		if err != nil {
			return err
		}
		if err := c.conn.ReplyTo(ctx, env, allow); err != nil {
			return fmt.Errorf("reply to %s: %w", env.Type, err)
		}
		if allow {
			fmt.Fprintln(c.out, allowStyle.Render("  allowed"))
		} else {
			fmt.Fprintln(c.out, denyStyle.Render("  denied"))
		}
		return nil
	default:
		fmt.Fprintln(c.out, dimStyle.Render("ignoring "+env.Type+" frame"))
		return nil
	}
}

func (c *console) decide(ctx context.Context) (bool, error) {
	if c.auto != nil {
		return *c.auto, nil
	}
	fmt.Fprint(c.out, "  approve? [y/N] ")
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			fmt.Fprintln(c.out)
			return false, nil
		}
		return parseAnswer(line), nil
	}
}

func parseAnswer(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "allow":
		return true
	default:
		return false
	}
}

func (c *console) printSnapshot(snap confirm.Snapshot) {
	fmt.Fprintln(c.out, titleStyle.Render(fmt.Sprintf("daemon %s", snap.PublicKey)))
	if len(snap.Plugins) == 0 {
		fmt.Fprintln(c.out, dimStyle.Render("  no plugins registered"))
		return
	}
	for _, p := range snap.Plugins {
		fmt.Fprintf(c.out, "  %-24s %s %s\n", p.Manifest.Name, dimStyle.Render(p.Manifest.Version), p.Addr)
	}
}

// describeRequest is the one-line prompt for a confirmation envelope.
func describeRequest(env confirm.Envelope) string {
	switch confirm.Kind(env.Type) {
	case confirm.KindInstall, confirm.KindDelete:
		var p confirm.PluginPayload
		if err := env.Decode(&p); err != nil {
			return confirm.Kind(env.Type).Label() + " (unreadable payload)"
		}
		s := fmt.Sprintf("%s plugin %s", confirm.Kind(env.Type).Label(), p.Name)
		if p.Plugin.Version != "" {
			s += " " + p.Plugin.Version
		}
		return s
	case confirm.KindSign:
		var p confirm.SignPayload
		if err := env.Decode(&p); err != nil {
			return "sign (unreadable payload)"
		}
		s := "sign"
		if raw, err := identity.Encoding.DecodeString(p.Data); err == nil {
			s += fmt.Sprintf(" %d bytes", len(raw))
		}
		if p.PluginName != "" {
			s += " for plugin " + p.PluginName
		}
		if p.Describe != "" {
			s += ": " + p.Describe
		}
		return s
	default:
		return env.Type
	}
}

// stdinLines feeds r line by line and closes the channel at EOF.
func stdinLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

type operatorOptions struct {
	addr     string
	password string
	auto     *bool
}

func parseOperatorArgs(args []string) (operatorOptions, error) {
	fs := newFlagSet("operator", printOperatorUsage)
	addr := fs.String("addr", "", "daemon address (default: bind_addr from config.yaml)")
	password := fs.String("password", "", "operator password (default: $PLAT_PASSWORD, then the local daemon.json)")
	yes := fs.Bool("yes", false, "approve every request")
	no := fs.Bool("no", false, "deny every request")
	if err := fs.Parse(args); err != nil {
		return operatorOptions{}, err
	}
	if fs.NArg() != 0 {
		return operatorOptions{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if *yes && *no {
		return operatorOptions{}, errors.New("-yes and -no are exclusive")
	}
	opts := operatorOptions{addr: *addr, password: *password}
	switch {
	case *yes:
		opts.auto = yes
	case *no:
		allow := false
		opts.auto = &allow
	}
	return opts, nil
}

// operatorPassword picks the flag, then PLAT_PASSWORD, then the password of
// the daemon directory named in config.yaml.
func operatorPassword(flagValue string, cfg config.Config) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("PLAT_PASSWORD"); env != "" {
		return env, nil
	}
	id, err := identity.Load(cfg.DaemonDir)
	if err != nil {
		return "", fmt.Errorf("no -password given and no local daemon identity: %w", err)
	}
	return id.Password, nil
}

func runOperatorCommand(ctx context.Context, args []string) int {
	opts, err := parseOperatorArgs(args)
	if err != nil {
		if code := flagExit(err); code == 0 {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	addr := daemonURL(cfg.BindAddr)
	if opts.addr != "" {
		addr = daemonURL(opts.addr)
	}
	password, err := operatorPassword(opts.password, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	client, err := control.Dial(ctx, addr, password)
	if err != nil {
		if errors.Is(err, control.ErrAuthFailed) {
			fmt.Fprintln(os.Stderr, "operator: password rejected by the daemon")
			return 1
		}
		fmt.Fprintf(os.Stderr, "operator: %v\n", err)
		return 1
	}
	defer client.Close()
	fmt.Println(allowStyle.Render("connected to " + addr))

	c := &console{conn: client, lines: stdinLines(os.Stdin), out: os.Stdout, auto: opts.auto}
	if err := c.run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "operator channel closed: %v\n", err)
		return 1
	}
	return 0
}
