package main

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/aeolun/mcconnect/pkg/database"
	"github.com/aeolun/mcconnect/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its output
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

func testPaths(t *testing.T) (configPath, dbPath string) {
	dir := t.TempDir()
	return filepath.Join(dir, "config.toml"), filepath.Join(dir, "relay.db")
}

func TestWrapString(t *testing.T) {
	wrapped := wrapString(strings.Repeat("word ", 30))
	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(line), wrap)
	}
	assert.Equal(t, "short text", wrapString("  short   text "))
}

func TestRandomPin(t *testing.T) {
	pinFormat := regexp.MustCompile(`^\d{6}$`)
	for i := 0; i < 50; i++ {
		pin, err := randomPin()
		require.NoError(t, err)
		assert.Regexp(t, pinFormat, pin)
	}
}

func TestRandomStatsBlobParses(t *testing.T) {
	for i := 0; i < 20; i++ {
		_, err := database.ParseStats(randomStatsBlob())
		require.NoError(t, err)
	}
}

func TestServerAddAndList(t *testing.T) {
	configPath, dbPath := testPaths(t)

	out, err := execute(t, "server", "add", "--config", configPath, "--db", dbPath,
		"--subdomain", "survival", "--name", "Survival", "--owner", "steve",
		"--email", "steve@example.com", "--password", "hunter2")
	require.NoError(t, err)
	assert.Contains(t, out, "Plugin token: ")
	assert.FileExists(t, configPath, "a default config is written on first use")

	out, err = execute(t, "server", "list", "--config", configPath, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "survival")
	assert.Contains(t, out, "Survival")
}

func TestLoginIssueAndVerify(t *testing.T) {
	configPath, dbPath := testPaths(t)

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	serverID, _, err := db.RegisterServer(database.ServerRegistration{
		Subdomain: "hub", Name: "Hub", OwnerUsername: "alex", OwnerPassword: "pw",
	})
	require.NoError(t, err)
	playerID, err := db.GetOrCreatePlayer("069a79f4-44e9-4726-a5be-fca90e38aaf5", serverID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	id := strconv.FormatInt(playerID, 10)

	out, err := execute(t, "login", "issue", "--config", configPath, "--db", dbPath, "--player-id", id, "--pin", "123456")
	require.NoError(t, err)
	assert.Contains(t, out, "Issued PIN 123456")

	_, err = execute(t, "login", "verify", "--config", configPath, "--db", dbPath, "--player-id", id, "--pin", "999999")
	assert.ErrorContains(t, err, "wrong_pin")

	out, err = execute(t, "login", "verify", "--config", configPath, "--db", dbPath, "--player-id", id, "--pin", "123456")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
}

func TestLoginIssueUnknownPlayer(t *testing.T) {
	configPath, dbPath := testPaths(t)

	_, err := execute(t, "login", "issue", "--config", configPath, "--db", dbPath, "--player-id", "12345", "--pin", "")
	assert.ErrorIs(t, err, database.ErrPlayerNotFound)
}

func TestSimulateAgainstRelay(t *testing.T) {
	configPath, dbPath := testPaths(t)

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	serverID, token, err := db.RegisterServer(database.ServerRegistration{
		Subdomain: "sim", Name: "Sim", OwnerUsername: "owner", OwnerPassword: "pw",
	})
	require.NoError(t, err)

	cfg := server.DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.HTTPPort = -1
	cfg.MetricsPort = -1
	srv := server.NewServer(db, cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Stop()
		db.Close()
	})

	_, err = execute(t, "simulate", "--config", configPath,
		"--addr", srv.Addr().String(), "--token", token,
		"--players", "3", "--duration", "300ms", "--stats-interval", "50ms")
	require.NoError(t, err)

	// Every player quit when the run ended
	online, err := db.CountOnlinePlayers(serverID)
	require.NoError(t, err)
	assert.Zero(t, online)

	players, err := db.ListPlayersWithoutName(10)
	require.NoError(t, err)
	assert.Len(t, players, 3)
}

func TestSimulateRejectsBadToken(t *testing.T) {
	configPath, dbPath := testPaths(t)

	db, err := database.Open(dbPath)
	require.NoError(t, err)

	cfg := server.DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.HTTPPort = -1
	cfg.MetricsPort = -1
	srv := server.NewServer(db, cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Stop()
		db.Close()
	})

	_, err = execute(t, "simulate", "--config", configPath,
		"--addr", srv.Addr().String(), "--token", "nope", "--duration", "100ms")
	assert.ErrorContains(t, err, "authentication rejected")
}
