package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/arcward/osubot/osubot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader reads a password without echoing it. Replaced in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

const initDoneMessage = "Initialization complete. You can now start the bot with the 'run' subcommand."

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin API credentials",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.DatabaseType == "" || cfg.Database == "" {
			return errors.New(
				"OB_DATABASE_TYPE (sqlite or postgres) and OB_DATABASE " +
					"(connection string or sqlite file path) must be set",
			)
		}
		db, err := osubot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}

		var current osubot.RuntimeConfig
		err = db.Last(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			//
		case err != nil:
			return fmt.Errorf("error retrieving runtime config: %w", err)
		case current.AdminUsername != "" && current.AdminPassword != "":
			fmt.Fprintln(out, "Admin credentials are already set.")
			fmt.Fprintln(out, initDoneMessage)
			return nil
		}

		fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
		username, password, err := promptAdminCredentials(out, bufio.NewReader(os.Stdin))
		if err != nil {
			return err
		}
		hash, err := osubot.HashPassword(password)
		if err != nil {
			return fmt.Errorf("error hashing password: %w", err)
		}
		if err = osubot.SetAdminCredentials(ctx, db, username, hash); err != nil {
			return fmt.Errorf("error updating admin credentials: %w", err)
		}

		fmt.Fprintln(out, "Admin credentials set successfully.")
		fmt.Fprintln(out, initDoneMessage)
		return nil
	},
}

// promptAdminCredentials reads a username from r, then a password
// (twice) until both entries match
func promptAdminCredentials(out io.Writer, r *bufio.Reader) (string, string, error) {
	fmt.Fprint(out, "Enter admin username: ")
	username, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", "", err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", "", errors.New("username can't be empty")
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}
	for {
		fmt.Fprint(out, "Enter admin password: ")
		password, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", err
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirm, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", err
		}

		if len(password) > 0 && string(password) == string(confirm) {
			return username, string(password), nil
		}
		fmt.Fprintln(out, "Passwords do not match. Please try again.")
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
