package cmd

import (
	"github.com/arcward/osubot/osubot"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the score feed, Discord bot and (optionally) admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := osubot.New(cfg)
			if err != nil {
				log.Fatalf("error creating osubot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running osubot: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
