package cmd

import (
	"bytes"
	"fmt"
	"github.com/arcward/osubot/osubot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	t.Setenv("OB_DATABASE_TYPE", "sqlite")
	t.Setenv("OB_DATABASE", dbPath)

	oldStdin := os.Stdin
	t.Cleanup(
		func() {
			os.Stdin = oldStdin
		},
	)

	passwords := []string{"testpassword", "testpassword"}
	passwordIndex := 0
	customPasswordReader = func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}
	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)

	r, w, _ := os.Pipe()
	os.Stdin = r
	go func() {
		_, _ = w.Write([]byte("testadmin\n"))
		_ = w.Close()
	}()

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var config osubot.RuntimeConfig
	require.NoError(t, db.Last(&config).Error)

	assert.Equal(t, "testadmin", config.AdminUsername)
	assert.NotEqual(t, "testpassword", config.AdminPassword)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&osubot.Beatmapset{}))
	assert.True(t, mg.HasTable(&osubot.Beatmap{}))
	assert.True(t, mg.HasTable(&osubot.LinkedAccount{}))
	assert.True(t, mg.HasTable(&osubot.OsuUserSnapshot{}))
	assert.True(t, mg.HasTable(&osubot.NotificationCursor{}))
	assert.True(t, mg.HasTable(&osubot.GuildNotificationChannel{}))
	assert.True(t, mg.HasTable(&osubot.ScoreNotification{}))
	assert.True(t, mg.HasTable(&osubot.RuntimeConfig{}))

	valid, err := osubot.VerifyPassword(config.AdminPassword, "testpassword")
	assert.NoError(t, err)
	assert.True(t, valid)
}
