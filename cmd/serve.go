package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/chatkeeper/internal/api"
	"github.com/chatkeeper/internal/api/auth"
)

// ServeCommand returns the CLI command for starting the API server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chatkeeper API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			port := rt.cfg.Server.Port
			if c.IsSet("port") {
				port = c.Int("port")
			}

			var tokens *auth.TokenService
			if rt.cfg.Server.JWTSecret != "" {
				tokens = auth.NewTokenService(rt.cfg.Server.JWTSecret, rt.cfg.Server.JWTIssuer, 0)
			}

			fmt.Printf("Starting chatkeeper API server on port %d...\n", port)
			server := api.NewServer(api.Options{
				Port:           port,
				Manager:        rt.manager,
				Store:          rt.store,
				Tokens:         tokens,
				DefaultAccount: rt.cfg.General.DefaultAccount,
			})
			return server.Start()
		},
	}
}
