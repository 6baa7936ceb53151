package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/tapledger/internal/config"
	"github.com/and161185/tapledger/internal/limiter"
	"github.com/and161185/tapledger/internal/logger"
	"github.com/and161185/tapledger/internal/migrate"
	"github.com/and161185/tapledger/internal/model"
	"github.com/and161185/tapledger/internal/repository/postgres"
	httpserver "github.com/and161185/tapledger/internal/server/http"
	"github.com/and161185/tapledger/internal/service"
)

// adminEnv talks to the database directly, bypassing the HTTP API.
type adminEnv struct {
	cfg config.Config
	log *zap.Logger
	db  *postgres.DB

	accounts  *service.AccountServiceImpl
	ledger    *service.LedgerServiceImpl
	points    *service.PointRegistryImpl
	audit     *service.AuditRecorder
	authority *service.TokenAuthorityImpl
}

func openAdmin(ctx context.Context, g *globals) (*adminEnv, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	db, err := postgres.New(ctx, cfg.Database.DSN, 2)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	audits := postgres.NewAuditRepo(db)
	points := postgres.NewPointRepo(db)
	accounts := postgres.NewAccountRepo(db)
	ledger := service.NewLedgerService(db, postgres.NewLedgerRepo(db), cfg.Credits.Allowed, nil)
	audit := service.NewAuditRecorder(audits, nil, cfg.Audit.WriteTimeout, log, nil)

	return &adminEnv{
		cfg:      cfg,
		log:      log,
		db:       db,
		accounts: service.NewAccountService(accounts),
		ledger:   ledger,
		points:   service.NewPointRegistry(points, audits),
		audit:    audit,
		authority: service.NewTokenAuthority(service.TokenDeps{
			Tx:       db,
			Tokens:   postgres.NewTokenRepo(db),
			Points:   points,
			Accounts: accounts,
			Ledger:   ledger,
			Audit:    audit,
			Limiter:  limiter.NewPG(db.Pool),
		}, service.TokenOptions{TTL: cfg.Tokens.TTL, UnitTimeout: cfg.Database.UnitTimeout}, log, nil),
	}, nil
}

func (e *adminEnv) Close() {
	e.db.Close()
	_ = e.log.Sync()
}

// withAdmin opens the database for the duration of fn.
func withAdmin(g *globals, cmd *cobra.Command, fn func(ctx context.Context, e *adminEnv) error) error {
	ctx, cancel := g.ctx(cmd)
	defer cancel()
	e, err := openAdmin(ctx, g)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func adminCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands working directly against the database",
	}
	cmd.AddCommand(
		migrateCmd(g),
		accountCmd(g),
		pointAdminCmd(g),
		creditCmd(g),
		sweepCmd(g),
		auditCmd(g),
	)
	return cmd
}

func migrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if err := migrate.Up(cmd.Context(), cfg.Database.DSN); err != nil {
				return err
			}
			v, err := migrate.Version(cmd.Context(), cfg.Database.DSN)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}
}

type accountOut struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	CreatedAt   time.Time  `json:"created_at"`
	Bearer      string     `json:"bearer,omitempty"`
	BearerExp   *time.Time `json:"bearer_expires_at,omitempty"`
}

func accountCmd(g *globals) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}
	create := &cobra.Command{
		Use:   "create <display-name>",
		Short: "Create an account with an empty ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(g, cmd, func(ctx context.Context, e *adminEnv) error {
				a, err := e.accounts.Create(ctx, args[0])
				if err != nil {
					return err
				}
				out := accountOut{ID: a.ID.String(), DisplayName: a.DisplayName, CreatedAt: a.CreatedAt}
				if e.cfg.Auth.JWTKey != "" && ttl > 0 {
					tok, exp, err := httpserver.IssueBearer([]byte(e.cfg.Auth.JWTKey), a.ID, ttl)
					if err != nil {
						return err
					}
					out.Bearer, out.BearerExp = tok, &exp
				}
				printJSON(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	create.Flags().DurationVar(&ttl, "bearer-ttl", 24*time.Hour, "also mint a bearer token (0 to skip)")

	bearer := &cobra.Command{
		Use:   "bearer <account-id>",
		Short: "Mint a bearer token for an existing account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.FromString(args[0])
			if err != nil {
				return fmt.Errorf("bad account id: %w", err)
			}
			return withAdmin(g, cmd, func(ctx context.Context, e *adminEnv) error {
				if e.cfg.Auth.JWTKey == "" {
					return errors.New("auth.jwt_key is not configured")
				}
				a, err := e.accounts.Get(ctx, id)
				if err != nil {
					return err
				}
				tok, exp, err := httpserver.IssueBearer([]byte(e.cfg.Auth.JWTKey), a.ID, ttl)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), accountOut{
					ID: a.ID.String(), DisplayName: a.DisplayName, CreatedAt: a.CreatedAt,
					Bearer: tok, BearerExp: &exp,
				})
				return nil
			})
		},
	}
	bearer.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	cmd.AddCommand(create, bearer)
	return cmd
}

func pointAdminCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "point",
		Short: "Manage dispensing points",
	}

	var p model.DispensingPoint
	var inactive bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a dispensing point",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p.Active = !inactive
			return withAdmin(g, cmd, func(ctx context.Context, e *adminEnv) error {
				created, err := e.points.Create(ctx, p)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), created)
				return nil
			})
		},
	}
	create.Flags().StringVar(&p.Name, "name", "", "unique name")
	create.Flags().StringVar(&p.Kind, "kind", "tap", "kind of point")
	create.Flags().StringVar(&p.Location, "location", "", "where it is")
	create.Flags().Int64Var(&p.DoseUnits, "dose", 0, "dose per validation")
	create.Flags().Int64Var(&p.PriceMinor, "price", 0, "price per dose in minor units")
	create.Flags().BoolVar(&inactive, "inactive", false, "create switched off")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("dose")
	_ = create.MarkFlagRequired("price")

	setActive := &cobra.Command{
		Use:   "set-active <id> <true|false>",
		Short: "Switch a dispensing point on or off",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad point id %q", args[0])
			}
			active, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("bad flag %q", args[1])
			}
			return withAdmin(g, cmd, func(ctx context.Context, e *adminEnv) error {
				if err := e.points.SetActive(ctx, id, active); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}

	cmd.AddCommand(create, setActive)
	return cmd
}

func creditCmd(g *globals) *cobra.Command {
	var desc string
	cmd := &cobra.Command{
		Use:   "credit <account-id> <amount-minor>",
		Short: "Credit any positive amount to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.FromString(args[0])
			if err != nil {
				return fmt.Errorf("bad account id: %w", err)
			}
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad amount %q", args[1])
			}
			return withAdmin(g, cmd, func(ctx context.Context, e *adminEnv) error {
				t, err := e.ledger.Credit(ctx, id, amount, desc)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), map[string]int64{
					"transaction_id": t.ID,
					"balance_minor":  t.BalanceAfterMinor,
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&desc, "description", "Operator top-up", "ledger description")
	return cmd
}

func sweepCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire pending tokens past their expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdmin(g, cmd, func(ctx context.Context, e *adminEnv) error {
				n, err := e.authority.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d\n", n)
				return nil
			})
		},
	}
}

func auditCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit <device-id>",
		Short: "Show the newest validation attempts of a reader device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(g, cmd, func(ctx context.Context, e *adminEnv) error {
				recs, err := e.audit.Recent(ctx, args[0], limit)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), recs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max records")
	return cmd
}
