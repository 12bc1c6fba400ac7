package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	cli "github.com/urfave/cli/v2"

	"github.com/chenweiqiao/toutiao/actions"
	"github.com/chenweiqiao/toutiao/cache"
	"github.com/chenweiqiao/toutiao/content"
	"github.com/chenweiqiao/toutiao/dispatch"
	"github.com/chenweiqiao/toutiao/feed"
	"github.com/chenweiqiao/toutiao/graph"
	"github.com/chenweiqiao/toutiao/kv"
	"github.com/chenweiqiao/toutiao/mail"
	"github.com/chenweiqiao/toutiao/models"
	"github.com/chenweiqiao/toutiao/search"
	"github.com/chenweiqiao/toutiao/util/cliutil"
	"github.com/chenweiqiao/toutiao/web"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "toutiao",
		Usage:   "social content service: posts, follows, fan-out feeds",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/toutiao/toutiao.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "key-value store for caches and timelines; empty runs in-process",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "opensearch-url",
			Usage:   "search cluster; empty runs the in-process index",
			EnvVars: []string{"OPENSEARCH_URL"},
		},
		&cli.StringFlag{
			Name:    "opensearch-index",
			Value:   "toutiao-posts",
			EnvVars: []string{"OPENSEARCH_INDEX"},
		},
		&cli.StringFlag{
			Name:    "opensearch-username",
			Value:   "admin",
			EnvVars: []string{"OPENSEARCH_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "opensearch-password",
			Value:   "admin",
			EnvVars: []string{"OPENSEARCH_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"TOUTIAO_LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		workerCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "http api server, with an in-process job worker",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the HTTP API",
			Value:   ":3200",
			EnvVars: []string{"TOUTIAO_BIND"},
		},
	},
	Action: func(cctx *cli.Context) error {
		stack, err := buildStack(cctx)
		if err != nil {
			return err
		}

		worker := dispatch.NewWorker(stack.queue, nil)
		stack.registerJobs(worker)
		go worker.Start()

		srv := web.NewServer(web.Config{
			Content: stack.content,
			Graph:   stack.graph,
			Feed:    stack.feed,
			Actions: stack.actions,
			Index:   stack.index,
		})

		errc := make(chan error, 1)
		go func() { errc <- srv.Run(cctx.String("bind")) }()

		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errc:
			return err
		case sig := <-sigc:
			slog.Info("shutting down", "signal", sig.String())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("http shutdown failed", "err", err)
		}
		return worker.Stop(ctx)
	},
}

var workerCmd = &cli.Command{
	Name:  "worker",
	Usage: "job worker only, for scaling fan-out separately from the api",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "parallel",
			Value:   10,
			EnvVars: []string{"TOUTIAO_WORKER_PARALLEL"},
		},
		&cli.IntFlag{
			Name:    "jobs-per-second",
			Value:   50,
			EnvVars: []string{"TOUTIAO_WORKER_JOBS_PER_SECOND"},
		},
	},
	Action: func(cctx *cli.Context) error {
		stack, err := buildStack(cctx)
		if err != nil {
			return err
		}

		opts := dispatch.DefaultWorkerOptions()
		opts.Parallel = cctx.Int("parallel")
		opts.JobsPerSecond = cctx.Int("jobs-per-second")
		worker := dispatch.NewWorker(stack.queue, opts)
		stack.registerJobs(worker)
		go worker.Start()

		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigc
		slog.Info("shutting down", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return worker.Stop(ctx)
	},
}

// stack is the fully wired service graph both commands share.
type stack struct {
	queue     *dispatch.Queue
	content   *content.Service
	graph     *graph.Graph
	feed      *feed.Fanout
	actions   *actions.Set
	index     search.Index
	reindexer *search.Reindexer
	mailer    *mail.Sender
}

func buildStack(cctx *cli.Context) (*stack, error) {
	if _, err := cliutil.SetupSlog(cliutil.LogOptions{LogLevel: cctx.String("log-level")}); err != nil {
		return nil, err
	}

	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
	if err != nil {
		return nil, err
	}

	var store kv.Store
	if redisURL := cctx.String("redis-url"); redisURL != "" {
		store, err = kv.NewRedisStore(redisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
	} else {
		slog.Warn("no redis-url configured, using the in-process store")
		store = kv.NewMemStore()
	}
	c := cache.New(store, cache.NewLocal(cache.DefaultLocalSize))

	queue, err := dispatch.NewQueue(db)
	if err != nil {
		return nil, err
	}

	svc, err := content.New(db, c, queue)
	if err != nil {
		return nil, err
	}
	g, err := graph.New(db, c, queue)
	if err != nil {
		return nil, err
	}
	fanout := feed.New(store, g, svc)

	var likes *actions.Aggregator
	likes, err = actions.New(db, c, models.ActionLike, actions.DefaultTTL, actions.Hooks{
		AfterCreate: svc.HotHook(func(ctx context.Context, targetID int64, targetKind int) (int64, error) {
			return likes.CountByTarget(ctx, targetID, targetKind)
		}),
	})
	if err != nil {
		return nil, err
	}
	collects, err := actions.New(db, c, models.ActionCollect, actions.DefaultTTL, actions.Hooks{})
	if err != nil {
		return nil, err
	}
	comments, err := actions.New(db, c, models.ActionComment, actions.DefaultTTL, actions.Hooks{
		BeforeCreate: svc.CommentGuard,
		AfterCreate:  svc.ReindexHook,
		AfterDelete:  svc.ReindexHook,
	})
	if err != nil {
		return nil, err
	}
	set, err := actions.NewSet(likes, collects, comments)
	if err != nil {
		return nil, err
	}

	var index search.Index
	var doccache *search.DocCache
	if osURL := cctx.String("opensearch-url"); osURL != "" {
		index, err = search.NewOpenSearch(search.OpenSearchConfig{
			URL:      osURL,
			Index:    cctx.String("opensearch-index"),
			Username: cctx.String("opensearch-username"),
			Password: cctx.String("opensearch-password"),
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to opensearch: %w", err)
		}
		if redisURL := cctx.String("redis-url"); redisURL != "" {
			doccache, err = search.NewDocCache(redisURL, time.Hour)
			if err != nil {
				return nil, err
			}
		}
	} else {
		slog.Warn("no opensearch-url configured, using the in-process index")
		index = search.NewMem()
	}
	reindexer := search.NewReindexer(index, search.DocSourceFunc(
		svc.BuildDoc(likes.CountByTarget, collects.CountByTarget)), doccache)

	mailer := mail.NewSender(mail.Config{
		Host:     os.Getenv("SMTP_HOST"),
		Port:     587,
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     os.Getenv("SMTP_FROM"),
	})

	return &stack{
		queue:     queue,
		content:   svc,
		graph:     g,
		feed:      fanout,
		actions:   set,
		index:     index,
		reindexer: reindexer,
		mailer:    mailer,
	}, nil
}

func (s *stack) registerJobs(w *dispatch.Worker) {
	s.feed.RegisterJobs(w)
	s.reindexer.RegisterJobs(w)
	s.mailer.RegisterJobs(w)
}
