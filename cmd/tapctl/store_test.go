package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "tapctl")
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
	if err := saveToken("tok", time.Now().Add(time.Minute), "acc-1"); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}

	fi, err := os.Stat(tokenPath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode %v, want 0600", fi.Mode().Perm())
	}
	b, _ := os.ReadFile(tokenPath())
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil || tf.AccountID != "acc-1" {
		t.Fatalf("token file content: %+v err=%v", tf, err)
	}

	if err := saveToken("tok2", time.Now().Add(-time.Minute), ""); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_loadToken_Corrupt(t *testing.T) {
	_ = withTmpConfig(t)
	_ = os.MkdirAll(cfgDir(), 0o700)
	if err := os.WriteFile(tokenPath(), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for corrupt token file")
	}
}

func Test_printJSON(t *testing.T) {
	var buf bytes.Buffer
	printJSON(&buf, map[string]int{"balance_minor": 250})
	want := "{\n  \"balance_minor\": 250\n}\n"
	if buf.String() != want {
		t.Fatalf("printJSON=%q, want %q", buf.String(), want)
	}
}
