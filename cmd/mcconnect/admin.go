package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"text/tabwriter"
	"time"

	"github.com/aeolun/mcconnect/pkg/database"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const pinDigits = 6

var (
	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Manage registered Minecraft servers",
	}
	serverAddCmd = &cobra.Command{
		Use:     "add",
		Short:   "Register a server and print its plugin token",
		PreRunE: bindFlags,
		RunE:    runServerAdd,
	}
	serverListCmd = &cobra.Command{
		Use:     "list",
		Short:   "List registered servers",
		PreRunE: bindFlags,
		RunE:    runServerList,
	}

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Manage web-portal login challenges",
	}
	loginIssueCmd = &cobra.Command{
		Use:     "issue",
		Short:   "Create a login challenge for a player",
		Long:    `Create a login challenge for a player. The relay pushes the PIN to the server the player is on at its next login poll.`,
		PreRunE: bindFlags,
		RunE:    runLoginIssue,
	}
	loginVerifyCmd = &cobra.Command{
		Use:     "verify",
		Short:   "Check a PIN against a player's pending challenge",
		PreRunE: bindFlags,
		RunE:    runLoginVerify,
	}
)

func init() {
	key := "subdomain"
	serverAddCmd.Flags().String(key, "", wrapString("Unique subdomain for the server"))
	key = "name"
	serverAddCmd.Flags().String(key, "", wrapString("Display name"))
	key = "owner"
	serverAddCmd.Flags().String(key, "", wrapString("Owner username"))
	key = "email"
	serverAddCmd.Flags().String(key, "", wrapString("Owner email"))
	key = "password"
	serverAddCmd.Flags().String(key, "", wrapString("Owner password (stored as a bcrypt hash)"))
	for _, required := range []string{"subdomain", "name", "owner", "password"} {
		_ = serverAddCmd.MarkFlagRequired(required)
	}

	key = "player-id"
	loginIssueCmd.Flags().Int64(key, 0, wrapString("Player id (player_server_info.id)"))
	key = "pin"
	loginIssueCmd.Flags().String(key, "", wrapString("PIN to push; a random 6 digit PIN when empty"))
	_ = loginIssueCmd.MarkFlagRequired("player-id")

	key = "player-id"
	loginVerifyCmd.Flags().Int64(key, 0, wrapString("Player id (player_server_info.id)"))
	key = "pin"
	loginVerifyCmd.Flags().String(key, "", wrapString("PIN entered by the player"))
	key = "ttl"
	loginVerifyCmd.Flags().Duration(key, 5*time.Minute, wrapString("How long a challenge stays valid"))
	_ = loginVerifyCmd.MarkFlagRequired("player-id")
	_ = loginVerifyCmd.MarkFlagRequired("pin")

	serverCmd.AddCommand(serverAddCmd, serverListCmd)
	loginCmd.AddCommand(loginIssueCmd, loginVerifyCmd)
}

// withDatabase runs fn against the configured database
func withDatabase(fn func(db *database.DB) error) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	db, _, err := openDatabase(config)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func runServerAdd(cmd *cobra.Command, _ []string) error {
	return withDatabase(func(db *database.DB) error {
		id, token, err := db.RegisterServer(database.ServerRegistration{
			Subdomain:     viper.GetString("subdomain"),
			Name:          viper.GetString("name"),
			OwnerUsername: viper.GetString("owner"),
			OwnerEmail:    viper.GetString("email"),
			OwnerPassword: viper.GetString("password"),
		})
		if err != nil {
			return fmt.Errorf("failed to register server: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Registered server %d\n", id)
		fmt.Fprintf(cmd.OutOrStdout(), "Plugin token: %s\n", token)
		return nil
	})
}

func runServerList(cmd *cobra.Command, _ []string) error {
	return withDatabase(func(db *database.DB) error {
		servers, err := db.ListServers()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSUBDOMAIN\tNAME\tOWNER\tONLINE")
		for _, s := range servers {
			online, err := db.CountOnlinePlayers(s.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", s.ID, s.Subdomain, s.Name, s.OwnerUsername, online)
		}
		return w.Flush()
	})
}

func runLoginIssue(cmd *cobra.Command, _ []string) error {
	return withDatabase(func(db *database.DB) error {
		playerID := viper.GetInt64("player-id")
		if _, err := db.GetPlayer(playerID); err != nil {
			return fmt.Errorf("player %d: %w", playerID, err)
		}

		pin := viper.GetString("pin")
		if pin == "" {
			var err error
			if pin, err = randomPin(); err != nil {
				return err
			}
		}

		if err := db.IssueLoginChallenge(playerID, pin); err != nil {
			return fmt.Errorf("failed to issue challenge: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Issued PIN %s for player %d\n", pin, playerID)
		return nil
	})
}

func runLoginVerify(cmd *cobra.Command, _ []string) error {
	return withDatabase(func(db *database.DB) error {
		verdict, err := db.VerifyLoginChallenge(viper.GetInt64("player-id"), viper.GetString("pin"), viper.GetDuration("ttl"))
		if err != nil {
			return err
		}
		if verdict != database.LoginValid {
			return fmt.Errorf("login rejected: %s", verdict)
		}
		fmt.Fprintln(cmd.OutOrStdout(), verdict)
		return nil
	})
}

// randomPin returns a zero-padded numeric PIN
func randomPin() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(pinDigits), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", pinDigits, n.Int64()), nil
}
