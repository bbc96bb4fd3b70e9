package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aeolun/mcconnect/pkg/database"
	"github.com/aeolun/mcconnect/pkg/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via ldflags
var Version = "dev"

// wrap is the number of characters flag help is wrapped at
const wrap = 50

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "mcconnect",
	Short:   "Minecraft plugin connection relay",
	Version: Version,
	Long: fmt.Sprintf(`mcconnect (%s)

Relays Minecraft server plugin connections to the player database:
authenticates plugins by token, records joins, quits and statistics,
and pushes web-portal login PINs to the server a player is on.

Flags can also be set through MCCONNECT_<FLAG> environment variables
(e.g. MCCONNECT_TCP_PORT=9991) or a .env file.`, Version),
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	key := "config"
	RootCmd.PersistentFlags().String(key, "~/.mcconnect/config.toml", wrapString("Path to the TOML config file (created with defaults if missing)"))

	key = "db"
	RootCmd.PersistentFlags().String(key, "", wrapString("Path to the SQLite database (overrides database_path in the config file)"))

	key = "debug"
	RootCmd.PersistentFlags().Bool(key, false, wrapString("Write per-frame debug logs to debug.log in the data directory"))

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(serverCmd)
	RootCmd.AddCommand(loginCmd)
	RootCmd.AddCommand(simulateCmd)
}

// initConfig loads .env files and enables MCCONNECT_ environment variables
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("mcconnect")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindFlags makes a command's flags (and the persistent ones) visible to viper
func bindFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.InheritedFlags())
}

// wrapString wraps flag help text at wrap characters
func wrapString(text string) string {
	var lines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}

	return strings.Join(lines, "\n")
}

// loadConfig reads the config file and applies flag and environment
// overrides on top of it
func loadConfig() (server.TOMLConfig, error) {
	config, err := server.LoadConfig(viper.GetString("config"))
	if err != nil {
		return server.TOMLConfig{}, err
	}

	if viper.IsSet("db") && viper.GetString("db") != "" {
		config.Server.DatabasePath = viper.GetString("db")
	}
	if viper.IsSet("bind") {
		config.Server.BindAddress = viper.GetString("bind")
	}
	if viper.IsSet("tcp-port") {
		config.Server.TCPPort = viper.GetInt("tcp-port")
	}
	if viper.IsSet("http-port") {
		config.Server.HTTPPort = viper.GetInt("http-port")
	}
	if viper.IsSet("metrics-port") {
		config.Server.MetricsPort = viper.GetInt("metrics-port")
	}

	return config, nil
}

// openDatabase opens the database named by the config, creating its directory
func openDatabase(config server.TOMLConfig) (*database.DB, string, error) {
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve database path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return nil, "", err
	}
	return db, dbPath, nil
}
