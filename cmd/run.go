package cmd

import (
	"github.com/Bravo555/neomason-discord-bot/neomason"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, the daily announcement scheduler and (optionally) the API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := neomason.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
