package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/odyssey-erp/odyssey-pos/internal/app"
	"github.com/odyssey-erp/odyssey-pos/internal/deposits"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	"github.com/odyssey-erp/odyssey-pos/internal/stock"
	"github.com/odyssey-erp/odyssey-pos/jobs"
)

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "posctl",
		Usage:     "operate the deposit order engine",
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "apply or roll back schema migrations",
				Subcommands: []*cli.Command{
					{Name: "up", Usage: "apply all pending migrations", Action: migrateAction(db.MigrateUp)},
					{Name: "down", Usage: "roll back the latest migration", Action: migrateAction(db.MigrateDown)},
				},
			},
			{
				Name:  "expire",
				Usage: "deposit expiry",
				Subcommands: []*cli.Command{
					{
						Name:  "sweep",
						Usage: "expire overdue active deposit orders now",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "as-of", Usage: "reference time (RFC3339), defaults to now"},
						},
						Action: expireSweepAction,
					},
				},
			},
			{
				Name:  "stock",
				Usage: "stock ledger maintenance",
				Subcommands: []*cli.Command{
					{
						Name:  "reconcile",
						Usage: "report double releases and over-release",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "products", Usage: "comma separated product ids, defaults to all"},
						},
						Action: stockReconcileAction,
					},
				},
			},
			{
				Name:      "enqueue",
				Usage:     "submit a background task to the worker queue",
				ArgsUsage: "expire|reconcile|cleanup",
				Action:    enqueueAction,
			},
			{
				Name:   "queue",
				Usage:  "show default queue statistics",
				Action: queueAction,
			},
		},
	}
}

type opsEnv struct {
	cfg    *app.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
}

func (r *opsEnv) Close() {
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

func loadEnv(ctx context.Context, withRedis bool) (*opsEnv, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	rt := &opsEnv{cfg: cfg, logger: app.NewLogger(cfg).With(slog.String("component", "posctl"))}
	rt.pool, err = db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return nil, err
	}
	if withRedis {
		rt.redis, err = cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
		if err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func migrateAction(direction db.Direction) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		if err := db.Migrate(cfg.PGDSN, direction); err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.App.Writer, "migrations %s: ok\n", direction)
		return err
	}
}

func expireSweepAction(c *cli.Context) error {
	asOf, err := parseAsOf(c.String("as-of"), time.Now())
	if err != nil {
		return err
	}
	rt, err := loadEnv(c.Context, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	idem := shared.NewIdempotencyStore(rt.pool)
	service := deposits.NewService(deposits.NewRepository(rt.pool), shared.NewAuditLogger(rt.pool), idem, nil, rt.logger, rt.cfg.DepositsConfig())
	job := jobs.NewDepositExpiryJob(service, shared.NewLocker(rt.redis, rt.cfg.LockTTL), rt.logger, nil)
	summary, err := job.Run(c.Context, asOf)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, summary)
}

func stockReconcileAction(c *cli.Context) error {
	ids, err := parseProductIDs(c.String("products"))
	if err != nil {
		return err
	}
	rt, err := loadEnv(c.Context, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	service := stock.NewService(stock.NewRepository(rt.pool), nil, nil, nil, rt.logger, rt.cfg.StockConfig())
	job := jobs.NewStockReconcileJob(service, shared.NewLocker(rt.redis, rt.cfg.LockTTL), rt.logger, nil)
	dirty, err := job.Run(c.Context, ids...)
	if err != nil {
		return err
	}
	if dirty == nil {
		dirty = []stock.ReconcileReport{}
	}
	return writeJSON(c.App.Writer, dirty)
}

func enqueueAction(c *cli.Context) error {
	name := c.Args().First()
	switch name {
	case "expire", "reconcile", "cleanup":
	case "":
		return errors.New("enqueue: task name required (expire|reconcile|cleanup)")
	default:
		return fmt.Errorf("enqueue: unsupported task %q", name)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	client, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	var info *asynq.TaskInfo
	switch name {
	case "expire":
		info, err = client.EnqueueExpireOverdue(c.Context, time.Time{})
	case "reconcile":
		info, err = client.EnqueueStockReconcile(c.Context)
	case "cleanup":
		info, err = client.EnqueueIdempotencyCleanup(c.Context, cfg.IdempotencyTTL)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.App.Writer, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return err
}

func queueAction(c *cli.Context) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		_ = inspector.Close()
	}()
	info, err := inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, jobs.QueueHealth{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Scheduled: info.Scheduled,
	})
}

func parseAsOf(raw string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return now.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q: expected RFC3339", raw)
	}
	return t.UTC(), nil
}

func parseProductIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid product id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
