package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/plat/internal/audit"
	"github.com/basket/plat/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON:
  %[1]s daemon init [-dir D] [-variant Local|Remote|Hybrid] [-address A] [-password P]
                              Create daemon.json and plugins/
  %[1]s daemon serve          Run the daemon (HTTP API, operator channel, hosted plugins)
  %[1]s daemon status         Show the daemon's GET /api document
  %[1]s daemon tar <dir> -o <file>
  %[1]s daemon untar <file> -o <dir>

PLUGIN:
  %[1]s plugin serve <path> -d <daemon_address> [-r <regist_address>] [-p port] [-pull] [-watch]
                              Host one plugin component and register it
  %[1]s plugin tar <dir> -o <file>
  %[1]s plugin untar <file> -o <dir>

OPERATOR:
  %[1]s operator [-addr A] [-password P] [-yes|-no]
                              Approve install, delete and sign requests
  %[1]s sign <base64url> [-describe D] [-plugin N] [-addr A]
  %[1]s verify <base64url> -signature S -public-key K [-addr A]
  %[1]s status                Alias of daemon status

ENVIRONMENT VARIABLES:
  PLAT_HOME               Data directory (default: ~/.plat)
  PLAT_BIND_ADDR          Daemon listen address (default: 127.0.0.1:7520)
  PLAT_LOG_LEVEL          debug, info, warn or error
  PLAT_DAEMON_DIR         Daemon directory (default: $PLAT_HOME/daemon)
  PLAT_PASSWORD           Operator password used by "operator" when -password is not set
`, os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	var code int
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "daemon":
		code = runDaemonCommand(ctx, args[1:])
	case "plugin":
		code = runPluginCommand(ctx, args[1:])
	case "operator":
		code = runOperatorCommand(ctx, args[1:])
	case "sign":
		code = runSignCommand(ctx, args[1:])
	case "verify":
		code = runVerifyCommand(ctx, args[1:])
	case "status":
		code = runStatusCommand(ctx, args[1:])
	case "version":
		fmt.Println(Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		code = 2
	}
	stop()
	os.Exit(code)
}

// quietLogs keeps logs file-only when stdout is a terminal running an
// interactive command.
func quietLogs() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("PLAT_LOG_STDOUT") == ""
}

// daemonURL turns a bind address or a URL into the daemon's base URL.
func daemonURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = config.Default().BindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		// A wildcard bind is reached on loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// defaultDaemonURL is the configured daemon's base URL, falling back to the
// built-in bind address when the config cannot be read.
func defaultDaemonURL() string {
	cfg, err := config.Load()
	if err != nil {
		return daemonURL(config.Default().BindAddr)
	}
	return daemonURL(cfg.BindAddr)
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string, usage func(io.Writer)) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if usage != nil {
		fs.Usage = func() { usage(os.Stderr) }
	}
	return fs
}

// parseInterspersed parses flags that may appear before, between or after
// positional arguments and returns the positionals in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// flagExit maps a flag parse error to an exit code. -h is not a failure.
func flagExit(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	return 2
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

// fatalStartup records a fatal audit event, logs it with its reason code
// and exits 1.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Fatal, "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	_ = audit.Close()
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}
