package cmd

import (
	"errors"
	"fmt"
	"github.com/Bravo555/neomason-discord-bot/neomason"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"syscall"
)

// passwordReader is a function type for reading tokens from the
// terminal. It's really only here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var generateToken bool

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [flags]",
	Short: "Hash an API bearer token for use as api.token_hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()

		var token string
		if generateToken {
			generated, err := neomason.GenerateToken()
			if err != nil {
				return fmt.Errorf("error generating token: %w", err)
			}
			token = generated
			fmt.Fprintf(out, "Token: %s\n", token)
		} else {
			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}
			for {
				fmt.Fprint(out, "Enter token: ")
				tokenBytes, err := customPasswordReader()
				if err != nil {
					return fmt.Errorf("error reading token: %w", err)
				}
				token = string(tokenBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm token: ")
				confirmBytes, err := customPasswordReader()
				if err != nil {
					return fmt.Errorf("error reading token: %w", err)
				}
				fmt.Fprintln(out)

				if token == "" {
					return errors.New("token can't be empty")
				}
				if token == string(confirmBytes) {
					break
				}
				fmt.Fprintln(out, "Tokens do not match. Please try again.")
			}
		}

		hash, err := neomason.HashToken(token)
		if err != nil {
			return fmt.Errorf("error hashing token: %w", err)
		}
		fmt.Fprintf(out, "Token hash: %s\n", hash)
		fmt.Fprintf(
			out,
			"Set %s_API_TOKEN_HASH to the hash above (single-quoted, "+
				"it contains '$').\n",
			neomason.DefaultEnvPrefix,
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)

	hashTokenCmd.Flags().BoolVar(
		&generateToken,
		"generate",
		false,
		"Generate a random token instead of prompting for one",
	)
}
