package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"keygate/internal/domain"
	"keygate/internal/dto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "create":
		err = runCreate(args)
	case "get":
		err = runGet(args)
	case "list":
		err = runList(args)
	case "extend":
		err = runExtend(args)
	case "delete":
		err = runDelete(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  create   Create an activation key")
	fmt.Fprintln(os.Stderr, "  get      Show one key document")
	fmt.Fprintln(os.Stderr, "  list     List all keys")
	fmt.Fprintln(os.Stderr, "  extend   Push a key's expiry forward")
	fmt.Fprintln(os.Stderr, "  delete   Delete (revoke) a key")
	os.Exit(2)
}

type clientOpts struct {
	baseURL    string
	adminToken string
}

func addClientFlags(fs *flag.FlagSet) *clientOpts {
	opts := &clientOpts{}
	fs.StringVar(&opts.baseURL, "server", envOr("KEYGATE_SERVER_URL", "http://localhost:8086"), "keygated base URL")
	fs.StringVar(&opts.adminToken, "token", os.Getenv("ADMIN_TOKEN"), "admin token")
	return opts
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	opts := addClientFlags(fs)
	keyID := fs.String("id", "", "key id (generated when empty)")
	desc := fs.String("desc", "", "description")
	ttlDays := fs.Int("ttl-days", 0, "days until expiry (0 = never)")
	oneTime := fs.Bool("one-time", false, "burn after first activation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := dto.CreateKeyRequest{
		KeyID:       *keyID,
		Description: *desc,
		TTLDays:     *ttlDays,
		IsOneTime:   *oneTime,
	}
	var res dto.CreateKeyResponse
	if err := opts.do(http.MethodPost, "/v1/admin/keys", req, &res); err != nil {
		return err
	}
	return printJSON(res)
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	opts := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	keyID, err := keyArg(fs)
	if err != nil {
		return err
	}

	var doc domain.KeyDocument
	if err := opts.do(http.MethodGet, "/v1/keys/"+keyID, nil, &doc); err != nil {
		return err
	}
	return printJSON(doc)
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	opts := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var res dto.ListKeysResponse
	if err := opts.do(http.MethodGet, "/v1/admin/keys", nil, &res); err != nil {
		return err
	}
	return printJSON(res)
}

func runExtend(args []string) error {
	fs := flag.NewFlagSet("extend", flag.ExitOnError)
	opts := addClientFlags(fs)
	addDays := fs.Int("add-days", 0, "days to add on top of the current expiry")
	until := fs.String("until", "", "absolute new expiry (RFC3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	keyID, err := keyArg(fs)
	if err != nil {
		return err
	}

	req := dto.ExtendKeyRequest{AddDays: *addDays}
	if *until != "" {
		t, err := time.Parse(time.RFC3339, *until)
		if err != nil {
			return fmt.Errorf("invalid -until: %w", err)
		}
		req.ExpiresAt = &t
	}

	var doc domain.KeyDocument
	if err := opts.do(http.MethodPatch, "/v1/admin/keys/"+keyID, req, &doc); err != nil {
		return err
	}
	return printJSON(doc)
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	opts := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	keyID, err := keyArg(fs)
	if err != nil {
		return err
	}

	if err := opts.do(http.MethodDelete, "/v1/admin/keys/"+keyID, nil, nil); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", keyID)
	return nil
}

func keyArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one key id argument")
	}
	keyID := domain.NormalizeKeyID(fs.Arg(0))
	if !domain.ValidKeyID(keyID) {
		return "", fmt.Errorf("malformed key id %q", fs.Arg(0))
	}
	return keyID, nil
}

func (c *clientOpts) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(c.baseURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("X-Admin-Token", c.adminToken)
	}

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close response body: %v\n", cerr)
		}
	}()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return fmt.Errorf("%s %s failed: %s", method, path, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
