package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/service/auth"
	"github.com/spf13/cobra"
)

func newTokenCommand(root *rootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for an owner",
		Long: `token prints a signed access token for the given owner id. It is meant
for operators and local testing; callers normally obtain tokens from the
identity provider that shares auth.jwt_secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := uuid.Parse(owner)
			if err != nil || ownerID == uuid.Nil {
				return fmt.Errorf("--owner must be a non-nil UUID")
			}

			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			jwtService, err := auth.NewJWTService(cfg.Auth)
			if err != nil {
				return fmt.Errorf("failed to create jwt service: %w", err)
			}
			token, err := jwtService.GenerateToken(cmd.Context(), ownerID)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id to embed in the token")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
