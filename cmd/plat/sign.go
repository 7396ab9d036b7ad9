package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/basket/plat/internal/daemon"
	"github.com/basket/plat/internal/gateway"
	"github.com/basket/plat/internal/identity"
)

// errDenied is returned by signRemote when an operator refused.
var errDenied = errors.New("denied by operator")

// postJSON sends body to url and decodes a 2xx reply into out. Other
// statuses come back as an error carrying the daemon's message.
func postJSON(ctx context.Context, client *http.Client, url string, body, out any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// signRemote asks the daemon at base to sign req. It blocks until an
// operator answers or ctx ends.
func signRemote(ctx context.Context, client *http.Client, base string, req daemon.SignRequest) (identity.SignBox, error) {
	var box identity.SignBox
	status, err := postJSON(ctx, client, base+gateway.SignPath, req, &box)
	if status == http.StatusForbidden {
		return identity.SignBox{}, errDenied
	}
	return box, err
}

func verifyRemote(ctx context.Context, client *http.Client, base string, req daemon.VerifyRequest) (bool, error) {
	var res struct {
		Success bool `json:"success"`
	}
	if _, err := postJSON(ctx, client, base+gateway.VerifyPath, req, &res); err != nil {
		return false, err
	}
	return res.Success, nil
}

func runSignCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("sign", func(w io.Writer) {
		fmt.Fprintln(w, "usage: plat sign <base64url> [-describe D] [-plugin N] [-raw] [-addr A]")
	})
	addr := fs.String("addr", "", "daemon address (default: bind_addr from config.yaml)")
	describe := fs.String("describe", "", "text shown to the operator")
	plugin := fs.String("plugin", "", "plugin the signature is requested for")
	raw := fs.Bool("raw", false, "treat the argument as plain text and encode it")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return flagExit(err)
	}
	if len(positional) != 1 {
		fs.Usage()
		return 2
	}
	data := positional[0]
	if *raw {
		data = identity.Encoding.EncodeToString([]byte(data))
	}
	base := defaultDaemonURL()
	if *addr != "" {
		base = daemonURL(*addr)
	}

	fmt.Fprintln(os.Stderr, "waiting for an operator to approve the signature...")
	box, err := signRemote(ctx, http.DefaultClient, base, daemon.SignRequest{
		Data:       data,
		Describe:   *describe,
		PluginName: *plugin,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(box)
	return 0
}

func runVerifyCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("verify", func(w io.Writer) {
		fmt.Fprintln(w, "usage: plat verify <base64url> -signature S -public-key K [-raw] [-addr A]")
	})
	addr := fs.String("addr", "", "daemon address (default: bind_addr from config.yaml)")
	signature := fs.String("signature", "", "base64url signature")
	publicKey := fs.String("public-key", "", "base64url public key")
	raw := fs.Bool("raw", false, "treat the argument as plain text and encode it")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return flagExit(err)
	}
	if len(positional) != 1 || *signature == "" || *publicKey == "" {
		fs.Usage()
		return 2
	}
	data := positional[0]
	if *raw {
		data = identity.Encoding.EncodeToString([]byte(data))
	}
	base := defaultDaemonURL()
	if *addr != "" {
		base = daemonURL(*addr)
	}

	ok, err := verifyRemote(ctx, http.DefaultClient, base, daemon.VerifyRequest{
		Data:      data,
		Signature: *signature,
		PublicKey: *publicKey,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Println("invalid")
		return 1
	}
	fmt.Println("valid")
	return 0
}
