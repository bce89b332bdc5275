package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treasuryops/guard/internal/auth"
)

func newHashPasswordCmd() *cobra.Command {
	var useArgon2 bool
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin for directory.users[].password_hash",
		Example: `  printf '%s' "$PASSWORD" | guardd hash-password
  guardd hash-password --argon2 < secret.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return errors.New("empty password")
			}
			hash := auth.HashPassword
			if useArgon2 {
				hash = auth.HashPasswordArgon2
			}
			out, err := hash(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&useArgon2, "argon2", false, "produce an argon2id hash instead of bcrypt")
	return cmd
}
