package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"piccollab/internal/app"
	"piccollab/internal/config"
	"piccollab/internal/database"
	"piccollab/internal/logging"
	"piccollab/pkg/types"
)

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "piccollab:", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "piccollab",
		Usage: "real-time collaborative picture editing server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "JSON config file, applied over environment and defaults",
				Sources: cli.EnvVars("PICCOLLAB_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and edit socket server",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply pending database migrations",
				Action: migrate,
			},
			{
				Name:  "user",
				Usage: "manage accounts",
				Commands: []*cli.Command{
					{
						Name:  "add",
						Usage: "create an account and print an access token",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "account", Required: true},
							&cli.StringFlag{Name: "name", Required: true},
							&cli.StringFlag{Name: "role", Value: "user"},
						},
						Action: addUser,
					},
					{
						Name:  "token",
						Usage: "issue a new access token for an account",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "account", Required: true},
						},
						Action: issueToken,
					},
				},
			},
			{
				Name:  "space",
				Usage: "manage spaces",
				Commands: []*cli.Command{
					{
						Name:  "add",
						Usage: "create a space",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "name", Required: true},
							&cli.StringFlag{Name: "owner", Usage: "owner account", Required: true},
							&cli.BoolFlag{Name: "private", Usage: "create a private space instead of a team space"},
						},
						Action: addSpace,
					},
				},
			},
			{
				Name:  "picture",
				Usage: "manage pictures",
				Commands: []*cli.Command{
					{
						Name:  "add",
						Usage: "register a picture",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "name", Required: true},
							&cli.StringFlag{Name: "url"},
							&cli.StringFlag{Name: "owner", Usage: "owner account", Required: true},
							&cli.Int64Flag{Name: "space", Usage: "space id, omitted for public pictures"},
						},
						Action: addPicture,
					},
				},
			},
			{
				Name:  "grant",
				Usage: "set an account's role in a space",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "space", Required: true},
					&cli.StringFlag{Name: "account", Required: true},
					&cli.StringFlag{Name: "role", Value: types.SpaceRoleEditor, Usage: "viewer, editor or admin"},
				},
				Action: grant,
			},
		},
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfigWithPrecedence(cmd.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Log), nil
}

// openStore opens the database and brings its schema up to date.
func openStore(cmd *cli.Command) (*config.Config, *database.Manager, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := database.NewManager(cfg.Store(), logger)
	if err != nil {
		return nil, nil, err
	}
	if _, err := store.Migrate(); err != nil {
		store.Close()
		return nil, nil, err
	}
	return cfg, store, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return application.Run(ctx)
}

func migrate(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := database.NewManager(cfg.Store(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := store.Migrate()
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(cmd.Root().Writer, "schema is up to date")
		return nil
	}
	for _, version := range applied {
		fmt.Fprintln(cmd.Root().Writer, "applied", version)
	}
	return nil
}

func addUser(ctx context.Context, cmd *cli.Command) error {
	cfg, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	user := &types.User{
		Account: cmd.String("account"),
		Name:    cmd.String("name"),
		Role:    cmd.String("role"),
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return err
	}
	token, err := store.IssueToken(ctx, user.ID, cfg.Auth.TokenTTL.Std())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "user %d created\ntoken %s\n", user.ID, token)
	return nil
}

func issueToken(ctx context.Context, cmd *cli.Command) error {
	cfg, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	user, err := store.GetUserByAccount(ctx, cmd.String("account"))
	if err != nil {
		return err
	}
	token, err := store.IssueToken(ctx, user.ID, cfg.Auth.TokenTTL.Std())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "token %s\n", token)
	return nil
}

func addSpace(ctx context.Context, cmd *cli.Command) error {
	_, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	owner, err := store.GetUserByAccount(ctx, cmd.String("owner"))
	if err != nil {
		return err
	}
	space := &types.Space{Name: cmd.String("name"), Type: types.SpaceTypeTeam, OwnerID: owner.ID}
	if cmd.Bool("private") {
		space.Type = types.SpaceTypePrivate
	}
	if err := store.CreateSpace(ctx, space); err != nil {
		return err
	}
	if err := store.SetSpaceRole(ctx, space.ID, owner.ID, types.SpaceRoleAdmin); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "space %d created\n", space.ID)
	return nil
}

func addPicture(ctx context.Context, cmd *cli.Command) error {
	_, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	owner, err := store.GetUserByAccount(ctx, cmd.String("owner"))
	if err != nil {
		return err
	}
	picture := &types.Picture{Name: cmd.String("name"), URL: cmd.String("url"), UserID: owner.ID}
	if cmd.IsSet("space") {
		spaceID := cmd.Int64("space")
		picture.SpaceID = &spaceID
	}
	if err := store.CreatePicture(ctx, picture); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "picture %d created\n", picture.ID)
	return nil
}

func grant(ctx context.Context, cmd *cli.Command) error {
	_, store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	user, err := store.GetUserByAccount(ctx, cmd.String("account"))
	if err != nil {
		return err
	}
	spaceID := cmd.Int64("space")
	role := cmd.String("role")
	if err := store.SetSpaceRole(ctx, spaceID, user.ID, role); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "%s is now %s of space %d\n", user.Account, role, spaceID)
	return nil
}
