// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"bufio"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// NewHashPasswordCmd creates the hash-password subcommand.
func NewHashPasswordCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print the stored form of a password for use in seed files",
		Long: `Hash a password with scrypt and print it in the password_hash format
accepted by seed files. The password is read from the first line of stdin
unless --password is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("password") {
				line, err := readPasswordLine(cmd)
				if err != nil {
					return err
				}
				password = line
			}

			hash, err := auth.NewScryptHasher().Hash(password)
			if err != nil {
				return err
			}
			cmd.Println(hash)
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "password to hash (visible in shell history; prefer stdin)")

	return cmd
}

func readPasswordLine(cmd *cobra.Command) (string, error) {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", oops.Code("PASSWORD_READ_FAILED").Wrap(err)
		}
		return "", auth.ErrEmptyPassword
	}
	return strings.TrimRight(scanner.Text(), "\r"), nil
}
