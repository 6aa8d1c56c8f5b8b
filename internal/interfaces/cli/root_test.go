package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/internal/infrastructure/auth/token"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
)

const testSecret = "a-test-secret-of-32-characters!!"

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "carecircle.yaml")
	body := "auth:\n  jwt_secret: \"" + testSecret + "\"\n  issuer: carecircle-test\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "carectl", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)

	for _, name := range []string{"config", "log-level", "output", "verbose", "timeout"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "flag %s", name)
	}

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"migrate", "config", "token", "kafka", "version"} {
		assert.True(t, names[want], "subcommand %s", want)
	}
}

func TestVersionCommand_NeedsNoConfig(t *testing.T) {
	out, err := run(t, "version", "--config", "/nonexistent/carecircle.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "carectl dev")
	assert.Contains(t, out, "commit:")
}

func TestConfigValidate(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	out, err := run(t, "--config", path, "-o", "json", "config", "validate")
	require.NoError(t, err)

	var s ConfigSummary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, "memory", s.Storage)
	assert.Equal(t, 9090, s.Port)
	assert.Equal(t, "memory", s.Presence)
	assert.False(t, s.Kafka)
	assert.Empty(t, s.Topics)
}

func TestConfigValidate_RejectsShortSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carecircle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: short\n"), 0o600))

	_, err := run(t, "--config", path, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	path := writeConfig(t, "database:\n  password: hunter2\n")

	out, err := run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, testSecret)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, redacted)
}

func TestRedact_LeavesEmptyFieldsAlone(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = testSecret

	out := redact(cfg)
	assert.Equal(t, redacted, out.Auth.JWTSecret)
	assert.Empty(t, out.Database.Password)
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret, "original is not modified")
}

func TestTokenIssue_VerifiesWithSameSecret(t *testing.T) {
	path := writeConfig(t, "")

	out, err := run(t, "--config", path, "-o", "json", "token", "issue", "user-1", "--name", "Ana", "--ttl", "1h")
	require.NoError(t, err)

	var issued IssuedToken
	require.NoError(t, json.Unmarshal([]byte(out), &issued))
	assert.Equal(t, "user-1", issued.UserID)
	assert.NotEmpty(t, issued.TokenID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), issued.ExpiresAt, time.Minute)

	m, err := token.NewManager(config.AuthConfig{JWTSecret: testSecret, Issuer: "carecircle-test", TokenTTL: time.Hour})
	require.NoError(t, err)
	claims, err := m.Verify(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "Ana", claims.Name)

	out, err = run(t, "--config", path, "token", "verify", issued.Token)
	require.NoError(t, err)
	assert.Contains(t, out, "user-1")
}

func TestTokenVerify_RejectsGarbage(t *testing.T) {
	path := writeConfig(t, "")
	_, err := run(t, "--config", path, "token", "verify", "not-a-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token rejected")
}

type fakeMigrator struct {
	version uint
	dirty   bool
	calls   []string
	closed  bool
}

func (f *fakeMigrator) Up() error {
	f.calls = append(f.calls, "up")
	f.version = 3
	return nil
}

func (f *fakeMigrator) Down(steps int) error {
	f.calls = append(f.calls, "down")
	f.version -= uint(steps)
	return nil
}

func (f *fakeMigrator) Status() (uint, bool, error) { return f.version, f.dirty, nil }

func (f *fakeMigrator) Force(version int) error {
	f.calls = append(f.calls, "force")
	f.version = uint(version)
	f.dirty = false
	return nil
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

func withFakeMigrator(t *testing.T, f *fakeMigrator) *string {
	t.Helper()
	var gotURL string
	orig := openMigrator
	openMigrator = func(dbURL string, _ logging.Logger) (migrationRunner, error) {
		gotURL = dbURL
		return f, nil
	}
	t.Cleanup(func() { openMigrator = orig })
	return &gotURL
}

func TestMigrate(t *testing.T) {
	path := writeConfig(t, "database:\n  host: db.internal\n  user: care\n  db_name: carecircle\n")

	t.Run("up", func(t *testing.T) {
		f := &fakeMigrator{}
		url := withFakeMigrator(t, f)

		out, err := run(t, "--config", path, "-o", "json", "migrate", "up")
		require.NoError(t, err)
		assert.Equal(t, []string{"up"}, f.calls)
		assert.True(t, f.closed)
		assert.True(t, strings.HasPrefix(*url, "postgres://"))
		assert.Contains(t, *url, "db.internal")

		var st MigrationStatus
		require.NoError(t, json.Unmarshal([]byte(out), &st))
		assert.Equal(t, uint(3), st.Version)
	})

	t.Run("down steps", func(t *testing.T) {
		f := &fakeMigrator{version: 3}
		withFakeMigrator(t, f)

		out, err := run(t, "--config", path, "migrate", "down", "2")
		require.NoError(t, err)
		assert.Equal(t, "version 1\n", out)
	})

	t.Run("down rejects zero", func(t *testing.T) {
		f := &fakeMigrator{version: 3}
		withFakeMigrator(t, f)

		_, err := run(t, "--config", path, "migrate", "down", "0")
		require.Error(t, err)
		assert.Empty(t, f.calls)
	})

	t.Run("dirty status", func(t *testing.T) {
		f := &fakeMigrator{version: 2, dirty: true}
		withFakeMigrator(t, f)

		out, err := run(t, "--config", path, "migrate", "status")
		require.NoError(t, err)
		assert.Contains(t, out, "dirty")

		out, err = run(t, "--config", path, "-o", "table", "migrate", "force", "2")
		require.NoError(t, err)
		assert.Contains(t, out, "VERSION")
		assert.Contains(t, out, "false")
	})
}

func TestKafkaTopics_ListsWithPrefix(t *testing.T) {
	path := writeConfig(t, "kafka:\n  topic_prefix: \"test.\"\n")

	out, err := run(t, "--config", path, "-o", "table", "kafka", "topics", "--replication", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "test."+kafka.TopicDeadLetter)
	assert.Contains(t, out, "REPLICATION")
}

func TestKafkaDeadLetters_RequiresBrokers(t *testing.T) {
	path := writeConfig(t, "")
	_, err := run(t, "--config", path, "kafka", "dead-letters")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.brokers")
}

func TestDecodeDeadLetter(t *testing.T) {
	at := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	env, err := kafka.NewEventEnvelope("sync.action_rejected", "fam-1", "carecircle", map[string]interface{}{
		"device_id": "phone-1",
		"member_id": "m-1",
		"attempts":  3,
		"error":     "store unavailable",
		"action":    map[string]string{"kind": "log"},
	}, at)
	require.NoError(t, err)

	dl, err := decodeDeadLetter(env)
	require.NoError(t, err)
	assert.Equal(t, "fam-1", dl.FamilyID)
	assert.Equal(t, "phone-1", dl.DeviceID)
	assert.Equal(t, 3, dl.Attempts)
	assert.JSONEq(t, `{"kind":"log"}`, string(dl.Action))
	assert.Contains(t, dl.line(), "attempts=3")
	assert.Contains(t, dl.line(), "2026-06-01T10:00:00Z")
}

func TestFormatTable(t *testing.T) {
	out := FormatTable([]string{"A", "LONGER"}, [][]string{{"value", "x"}, {"v"}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "A      LONGER", lines[0])
	assert.Equal(t, "-----  ------", lines[1])
	assert.Equal(t, "value  x     ", lines[2])
	assert.Equal(t, "v            ", lines[3])

	assert.Empty(t, FormatTable(nil, nil))
}

func TestGetCLIContext_Missing(t *testing.T) {
	cmd := NewRootCommand()
	_, err := GetCLIContext(cmd)
	assert.Error(t, err)
}

func TestPrintResult_FallsBackToJSONWithoutContext(t *testing.T) {
	cmd := NewRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	require.NoError(t, PrintResult(cmd, MigrationStatus{Version: 4}))
	assert.JSONEq(t, `{"version":4,"dirty":false}`, buf.String())
}
