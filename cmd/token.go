package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/chatkeeper/internal/api/auth"
)

// TokenCommand returns the CLI command that mints an API access token
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an access token for an account",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "account",
				Aliases:  []string{"a"},
				Usage:    "Account the token authenticates",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime (0 issues a token that never expires)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadValidConfig(c)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret is not set")
			}

			token, err := auth.NewTokenService(cfg.Server.JWTSecret, cfg.Server.JWTIssuer, c.Duration("ttl")).
				CreateAccessToken(c.String("account"))
			if err != nil {
				return fmt.Errorf("failed to create token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
}
