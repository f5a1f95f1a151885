package cmd

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/islombek4642/tgsecret/internal/api"
	"github.com/islombek4642/tgsecret/internal/credential"
	"github.com/islombek4642/tgsecret/internal/orchestrator"
	"github.com/islombek4642/tgsecret/internal/platform/sandbox"
	"github.com/islombek4642/tgsecret/internal/supervisor"
	"github.com/islombek4642/tgsecret/internal/testutil"
	"github.com/islombek4642/tgsecret/internal/user"
)

const testSecret = "0123456789abcdef-test"

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// setupTestEnvironment isolates viper and the command flags, and points
// the file store at a temporary directory that is returned.
func setupTestEnvironment(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()

	viper.Reset()
	viper.Set("storage.dir", dir)
	viper.Set("api.jwt_secret", testSecret)

	t.Cleanup(func() {
		viper.Reset()
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
		tokenUser, tokenControl, tokenTTL = 0, false, 24*time.Hour
		loginUser, loginServer, loginToken, loginStart = 0, "http://localhost:8080", "", true
		invalidateReason = "invalidated by operator"
	})
	return dir
}

func seedCredential(t *testing.T, dir string, uid user.ID, username string) *credential.FileStore {
	t.Helper()
	store, err := credential.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	c := credential.Credential{
		UserID:    uid,
		Session:   []byte("session-" + uid.String()),
		Account:   credential.Account{ID: 9000 + int64(uid), Username: username},
		CreatedAt: time.Now(),
		Valid:     true,
	}
	if err := store.Put(context.Background(), uid, c); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return store
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "tgsecret" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "tgsecret")
	}

	expectedCmds := []string{"serve", "login", "sessions", "token", "config"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestTokenCommand(t *testing.T) {
	setupTestEnvironment(t)

	tests := []struct {
		name    string
		args    []string
		control bool
	}{
		{"user token", []string{"token", "--user", "42"}, false},
		{"control token", []string{"token", "--user", "42", "--control", "--ttl", "1h"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokenControl = false
			output, err := executeCommand(rootCmd, tt.args...)
			if err != nil {
				t.Fatalf("token: %v\n%s", err, output)
			}
			claims, err := api.ParseToken(strings.TrimSpace(output), []byte(testSecret))
			if err != nil {
				t.Fatalf("ParseToken: %v", err)
			}
			if uid, err := claims.UserID(); err != nil || uid != 42 {
				t.Errorf("UserID() = %v, %v, want 42", uid, err)
			}
			if got := claims.CanActFor(7); got != tt.control {
				t.Errorf("CanActFor(7) = %v, want %v", got, tt.control)
			}
		})
	}
}

func TestTokenCommand_InvalidUser(t *testing.T) {
	setupTestEnvironment(t)

	if _, err := executeCommand(rootCmd, "token", "--user=-3"); err == nil {
		t.Error("token --user -3 should fail")
	}
}

func TestTokenCommand_NoSecret(t *testing.T) {
	setupTestEnvironment(t)
	viper.Set("api.jwt_secret", "")

	_, err := executeCommand(rootCmd, "token", "--user", "42")
	if err == nil || !strings.Contains(err.Error(), "api.jwt_secret") {
		t.Errorf("token without secret: err = %v, want a jwt_secret error", err)
	}
}

func TestSessionsList(t *testing.T) {
	dir := setupTestEnvironment(t)

	output, err := executeCommand(rootCmd, "sessions", "list")
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if !strings.Contains(output, "No stored credentials") {
		t.Errorf("empty list output = %q", output)
	}

	seedCredential(t, dir, 11, "ada")
	seedCredential(t, dir, 12, "")

	output, err = executeCommand(rootCmd, "sessions", "list")
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	for _, want := range []string{"USER", "@ada", "9012", "valid"} {
		if !strings.Contains(output, want) {
			t.Errorf("list output missing %q:\n%s", want, output)
		}
	}
	if strings.Index(output, "11") > strings.Index(output, "12") {
		t.Errorf("users not listed in ascending order:\n%s", output)
	}
}

func TestSessionsInvalidate(t *testing.T) {
	dir := setupTestEnvironment(t)
	store := seedCredential(t, dir, 11, "ada")

	output, err := executeCommand(rootCmd, "sessions", "invalidate", "11", "--reason", "lost phone")
	if err != nil {
		t.Fatalf("sessions invalidate: %v", err)
	}
	if !strings.Contains(output, "Invalidated") {
		t.Errorf("output = %q", output)
	}

	c, err := store.Get(context.Background(), 11)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Valid {
		t.Error("credential still valid after invalidate")
	}
	if c.InvalidReason != "lost phone" {
		t.Errorf("InvalidReason = %q, want %q", c.InvalidReason, "lost phone")
	}

	output, _ = executeCommand(rootCmd, "sessions", "list")
	if !strings.Contains(output, "invalid") || !strings.Contains(output, "lost phone") {
		t.Errorf("list output after invalidate:\n%s", output)
	}
}

func TestSessionsInvalidate_Missing(t *testing.T) {
	setupTestEnvironment(t)

	if _, err := executeCommand(rootCmd, "sessions", "invalidate", "99"); err == nil {
		t.Error("invalidating a missing credential should fail")
	}
}

func TestSessionsDelete(t *testing.T) {
	dir := setupTestEnvironment(t)
	store := seedCredential(t, dir, 11, "ada")

	if _, err := executeCommand(rootCmd, "sessions", "delete", "11"); err != nil {
		t.Fatalf("sessions delete: %v", err)
	}
	ids, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("List() = %v after delete, want empty", ids)
	}

	if _, err := executeCommand(rootCmd, "sessions", "delete", "abc"); err == nil {
		t.Error("sessions delete abc should fail")
	}
}

func TestConfigShow(t *testing.T) {
	setupTestEnvironment(t)

	output, err := executeCommand(rootCmd, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(output, testSecret) {
		t.Errorf("config show leaked the jwt secret:\n%s", output)
	}
	for _, want := range []string{"<redacted>", "session_ttl: 5m0s", "command_prefix:"} {
		if !strings.Contains(output, want) {
			t.Errorf("config show missing %q:\n%s", want, output)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	setupTestEnvironment(t)

	output, err := executeCommand(rootCmd, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(output, "Configuration is valid") {
		t.Errorf("output = %q", output)
	}

	viper.Set("auth.max_attempts", 0)
	_, err = executeCommand(rootCmd, "config", "validate")
	if err == nil || !strings.Contains(err.Error(), "auth.max_attempts") {
		t.Errorf("config validate: err = %v, want an auth.max_attempts error", err)
	}
}

func TestDisplaySettings(t *testing.T) {
	in := map[string]any{
		"api": map[string]any{
			"jwt_secret": "hunter2hunter2hunter2",
			"listen":     ":8080",
		},
		"storage": map[string]any{
			"encryption_key": "",
		},
		"auth": map[string]any{
			"session_ttl": 90 * time.Second,
		},
	}
	out := displaySettings("", in)

	apiOut := out["api"].(map[string]any)
	if apiOut["jwt_secret"] != "<redacted>" {
		t.Errorf("jwt_secret = %v, want redacted", apiOut["jwt_secret"])
	}
	if apiOut["listen"] != ":8080" {
		t.Errorf("listen = %v, want :8080", apiOut["listen"])
	}
	if got := out["storage"].(map[string]any)["encryption_key"]; got != "" {
		t.Errorf("empty encryption_key = %v, want empty", got)
	}
	if got := out["auth"].(map[string]any)["session_ttl"]; got != "1m30s" {
		t.Errorf("session_ttl = %v, want 1m30s", got)
	}
}

func TestLoginAgainstServer(t *testing.T) {
	setupTestEnvironment(t)
	const phone = "+15550001111"

	p := testutil.NewSandbox()
	p.AddAccount(sandbox.AccountSpec{Phone: phone, Username: "ada", FirstName: "Ada"})
	store := testutil.NewFileStore(t)
	cfg := orchestrator.DefaultConfig()
	cfg.Instance = supervisor.Config{StopGrace: 50 * time.Millisecond, ForceStopTimeout: 50 * time.Millisecond}
	orch := orchestrator.New(p, store, cfg)

	srv, err := api.New(orch, api.Options{JWTSecret: []byte(testSecret)})
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.App().Listener(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		_ = orch.Shutdown(context.Background())
	})

	// One wrong code, then the right one.
	rootCmd.SetIn(strings.NewReader(phone + "\n00000\n" + testutil.FixedCode + "\n"))
	output, err := executeCommand(rootCmd, "login",
		"--user", "42",
		"--server", "http://"+ln.Addr().String(),
		"--start=false",
	)
	if err != nil {
		t.Fatalf("login: %v\n%s", err, output)
	}
	for _, want := range []string{"Phone number:", "2 attempts left", "Signed in as @ada"} {
		if !strings.Contains(output, want) {
			t.Errorf("login output missing %q:\n%s", want, output)
		}
	}

	c, err := store.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if c.Account.Username != "ada" {
		t.Errorf("Account.Username = %q, want %q", c.Account.Username, "ada")
	}
}

func TestAttemptsPrompt(t *testing.T) {
	tests := []struct {
		left int
		want string
	}{
		{0, "Code: "},
		{1, "Code (1 attempts left): "},
		{3, "Code (3 attempts left): "},
	}
	for _, tt := range tests {
		if got := attemptsPrompt("Code", tt.left); got != tt.want {
			t.Errorf("attemptsPrompt(%d) = %q, want %q", tt.left, got, tt.want)
		}
	}
}
