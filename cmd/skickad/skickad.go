package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skickahq/skicka/internal/clix"
	"github.com/skickahq/skicka/internal/dao"
	"github.com/skickahq/skicka/internal/dispatch"
	"github.com/skickahq/skicka/internal/metrics"
	"github.com/skickahq/skicka/internal/quota"
	"github.com/skickahq/skicka/internal/transport"
	"github.com/skickahq/skicka/internal/web"
	"github.com/skickahq/skicka/tools"
	"github.com/urfave/cli/v2"
)

func main() {

	app := &cli.App{
		Name:   "skickad",
		Usage:  "a service draining a persisted queue of outbound emails under per-tenant quotas",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"SKICKA_LOG_LEVEL"},
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "db-uri",
				EnvVars: []string{"SKICKA_DB_URI"},
				Value:   "./skicka.sqlite",
			},
			&cli.StringFlag{
				Name:    "hostname",
				EnvVars: []string{"SKICKA_HOSTNAME"},
				Usage:   "public host name of this node, used for auto tls and metric labels",
			},

			&cli.StringFlag{
				Name:    "api-interface",
				EnvVars: []string{"SKICKA_API_INTERFACE"},
			},
			&cli.IntFlag{
				Name:    "api-port",
				EnvVars: []string{"SKICKA_API_PORT"},
				Value:   8080,
			},
			&cli.StringSliceFlag{
				Name:    "api-keys",
				EnvVars: []string{"SKICKA_API_KEYS"},
			},
			&cli.BoolFlag{
				Name:    "api-auto-tls",
				EnvVars: []string{"SKICKA_API_AUTO_TLS"},
			},
			&cli.StringFlag{
				Name:    "api-auto-tls-cache-dir",
				EnvVars: []string{"SKICKA_API_AUTO_TLS_CACHE_DIR"},
			},

			&cli.DurationFlag{
				Name:    "dispatch-interval",
				EnvVars: []string{"SKICKA_DISPATCH_INTERVAL"},
				Value:   30 * time.Second,
			},
			&cli.IntFlag{
				Name:    "dispatch-page-size",
				EnvVars: []string{"SKICKA_DISPATCH_PAGE_SIZE"},
				Value:   100,
			},
			&cli.DurationFlag{
				Name:    "dispatch-reclaim-after",
				EnvVars: []string{"SKICKA_DISPATCH_RECLAIM_AFTER"},
				Value:   15 * time.Minute,
				Usage:   "reclaim processing emails whose claimant never wrote back after this long",
			},
			&cli.IntFlag{
				Name:    "dispatch-max-workers",
				EnvVars: []string{"SKICKA_DISPATCH_MAX_WORKERS"},
				Value:   10,
			},
			&cli.DurationFlag{
				Name:    "dispatch-send-timeout",
				EnvVars: []string{"SKICKA_DISPATCH_SEND_TIMEOUT"},
				Value:   30 * time.Second,
			},

			&cli.StringFlag{
				Name:    "metrics-push-url",
				EnvVars: []string{"SKICKA_METRICS_PUSH_URL"},
			},
			&cli.DurationFlag{
				Name:    "metrics-push-interval",
				EnvVars: []string{"SKICKA_METRICS_PUSH_INTERVAL"},
			},
			&cli.BoolFlag{
				Name:    "metrics-poll",
				EnvVars: []string{"SKICKA_METRICS_POLL"},
			},
			&cli.StringFlag{
				Name:    "metrics-poll-basic-auth-user",
				EnvVars: []string{"SKICKA_METRICS_POLL_BASIC_AUTH_USER"},
			},
			&cli.StringFlag{
				Name:    "metrics-poll-basic-auth-pass",
				EnvVars: []string{"SKICKA_METRICS_POLL_BASIC_AUTH_PASS"},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	logger := tools.NewLogger(c.String("log-level"))
	logger.AddHook(tools.LoggerWho{Name: "skickad"})
	lc := tools.LoggerCloner(logger)

	logger.Info("starting skickad")

	db, err := dao.NewSQLite(c.String("db-uri"))
	if err != nil {
		return err
	}

	tcfg, err := transport.ResendConfigFromEnv()
	if err != nil {
		return err
	}
	tr := transport.NewResend(tcfg)
	if !tr.Ready() {
		logger.Warn("resend transport is not configured, queued emails will fail until SKICKA_RESEND_API_KEY and SKICKA_FROM_EMAIL are set")
	}

	m := metrics.New(clix.Parse[metrics.Config](c), lc)
	q := quota.New(db, lc)
	engine := dispatch.New(clix.Parse[dispatch.Config](c), db, q, tr, lc, m.Register())
	srv := web.New(clix.Parse[web.Config](c), db, engine, m, lc)

	m.Start()
	engine.Start()
	srv.Start()

	services := []Stoppable{srv, engine, m}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	logger.Infof("got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		service := service
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				logger.WithError(err).Error("failed to stop service")
			}
		}(service)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.WithError(shutdownCtx.Err()).Warn("shutdown was forced, terminating now")
		os.Exit(1)
	}
	return nil
}

type Stoppable interface {
	Stop(ctx context.Context) error
}
