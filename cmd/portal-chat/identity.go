package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gosuda/portal-chat/internal/identity"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect or forget the saved identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved nickname and user id",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *identity.Store) error {
			id, err := s.Load()
			if errors.Is(err, identity.ErrNotFound) {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "no saved identity")
				return err
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id.Username, id.UserID)
			return err
		})
	},
}

var identityResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the saved identity; the next run needs --name",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *identity.Store) error {
			if err := s.Clear(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "identity cleared")
			return err
		})
	},
}

func init() {
	identityCmd.AddCommand(identityShowCmd, identityResetCmd)
}

func withStore(fn func(*identity.Store) error) error {
	s, err := identity.Open(cfg.Identity.DataPath)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
