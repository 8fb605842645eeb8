package cmd

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/porthorian/rhombus/pkg/crypto"
	"github.com/porthorian/rhombus/pkg/token"
)

func init() {
	rootCmd.AddCommand(newTokenCommand(), newPasswordCommand())
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect session tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	tokenCmd.AddCommand(&cobra.Command{
		Use:   "issue <login> [domain]",
		Short: "Print a fresh token for login",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := ""
			if len(args) == 2 {
				domain = args[1]
			}
			issued, err := token.Issue(args[0], domain)
			if err != nil {
				return err
			}
			cmd.Println(issued.String())
			return nil
		},
	})

	tokenCmd.AddCommand(&cobra.Command{
		Use:   "inspect <token>",
		Short: "Decode a token without contacting any backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := token.Parse(args[0])
			if err != nil {
				return err
			}
			cmd.Printf("login:     %s\n", parsed.Login)
			cmd.Printf("domain:    %s\n", parsed.Domain)
			cmd.Printf("issued_at: %s\n", parsed.IssuedAt.UTC().Format(time.RFC3339))
			cmd.Printf("redacted:  %s\n", token.Redact(args[0]))
			return nil
		},
	})

	return tokenCmd
}

func newPasswordCommand() *cobra.Command {
	options := crypto.DefaultPBKDF2Options()

	passwordCmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin for the local credential scheme",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				return fmt.Errorf("read password: empty input")
			}

			hash, err := crypto.NewPBKDF2Hasher(options).Hash(password)
			if err != nil {
				return err
			}
			cmd.Println(hash)
			return nil
		},
	}

	passwordCmd.Flags().IntVar(&options.Iterations, "iterations", options.Iterations, "PBKDF2 iteration count.")
	return passwordCmd
}
