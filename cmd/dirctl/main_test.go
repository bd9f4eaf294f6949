package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "dirsync")
}

// execute runs the CLI against a with args and returns stdout.
func execute(t *testing.T, a *app, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a.out = &out
	a.in = strings.NewReader(stdin)
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken("tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}
	st, err := os.Stat(tokenPath())
	if err != nil || st.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode: %v %v", st, err)
	}
	if err := saveToken("tok2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_readSecret(t *testing.T) {
	a := &app{in: strings.NewReader("s3cret\r\nrest")}
	if got, _ := a.readSecret("flag", false); got != "flag" {
		t.Fatalf("flag value ignored: %q", got)
	}
	got, err := a.readSecret("", true)
	if err != nil || got != "s3cret" {
		t.Fatalf("stdin: %q %v", got, err)
	}
	a.in = strings.NewReader("")
	if _, err := a.readSecret("", true); err == nil {
		t.Fatalf("want error on empty stdin")
	}
	a.in = strings.NewReader("no-newline")
	if got, err := a.readSecret("", true); err != nil || got != "no-newline" {
		t.Fatalf("unterminated line: %q %v", got, err)
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	a := &app{out: &out}
	if err := a.printJSON(map[string]any{"a": 1}); err != nil {
		t.Fatalf("printJSON: %v", err)
	}
	var m map[string]any
	if json.Unmarshal(out.Bytes(), &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", out.String())
	}
	if !bytes.Contains(out.Bytes(), []byte("\n  ")) {
		t.Fatalf("printJSON should indent")
	}
}

func Test_describe(t *testing.T) {
	t.Parallel()

	got := describe(status.Error(codes.NotFound, "not found"))
	if got != "rpc error: code=NotFound msg=not found" {
		t.Fatalf("describe(status) = %q", got)
	}
	if describe(errors.New("plain")) != "plain" {
		t.Fatalf("describe(plain) mismatch")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	creds, err := loadTLS("", true)
	if err != nil || creds == nil {
		t.Fatalf("insecure: %v %v", creds, err)
	}

	creds, err = loadTLS("", false)
	if err != nil || creds == nil {
		t.Fatalf("default tls: %v %v", creds, err)
	}

	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	creds, err = loadTLS(tmp, false)
	if err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}

	if _, err := loadTLS(filepath.Join(t.TempDir(), "missing.pem"), false); err == nil {
		t.Fatalf("missing CA should error")
	}
}

func Test_version(t *testing.T) {
	out, err := execute(t, newApp(), "", "version")
	if err != nil || !strings.HasPrefix(out, "dirctl dev") {
		t.Fatalf("version: %q %v", out, err)
	}
}
