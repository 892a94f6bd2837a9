package app

import (
	"context"
	"fmt"
	"net/http"
	logx "oppcast/pkg/logx"
	"strings"
	"time"

	"oppcast/internal/botcmd"
	"oppcast/internal/broadcast"
	"oppcast/internal/config"
	"oppcast/internal/eventbus"
	"oppcast/internal/feed"
	"oppcast/internal/membership"
	"oppcast/internal/observability/metrics"
	"oppcast/internal/runtime/sdnotify"
	rtsup "oppcast/internal/runtime/supervisor"
	"oppcast/internal/storage"
	"oppcast/internal/task/scheduler"
	kit "oppcast/internal/transport"
	telegram "oppcast/internal/transport/telegram/adapter"
	"oppcast/internal/transport/telegram/router"
	"oppcast/internal/webhook"
)

// botAdapter is what the app needs from the chat transport.
type botAdapter interface {
	kit.Adapter
	kit.CommandMenuUpdater
	Username() string
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	base logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *storage.Store
	adapter  botAdapter
	engine   *broadcast.Engine
	members  *membership.Tracker
	sched    *scheduler.Service
	cmds     *router.Manager
	handlers *botcmd.Handlers
	notify   *sdnotify.Notifier

	// nil when disabled in config
	poller  *feed.Poller
	web     *webhook.Server
	metrics *metrics.Metrics

	// owned by the reload goroutine after Start
	feed     feedSettings
	schedule string

	updates chan kit.Update
}

// New loads the config at cfgPath (empty means environment only), opens
// storage and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// the ops chat sink gets its sender once the adapter exists
	logSvc, log := logx.NewService(mapLogConfig(cfg), nil)

	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a, err := build(ctx, cfgm, cfg, logSvc, log, ad)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.SetSender(opsSender(ad))
	return a, nil
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, base logx.Logger, ad botAdapter) (*App, error) {
	log := base.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, base.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	// a crash between send and confirm leaves claims behind; drop them so
	// those pairs are retried instead of lost
	if n, err := store.ReconcileClaims(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("reconcile claims: %w", err)
	} else if n > 0 {
		log.Warn("dropped unconfirmed delivery claims", logx.Int64("count", n))
	}

	bus := eventbus.New()
	members := membership.New(store, base.With(logx.String("comp", "membership")), bus)

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine := broadcast.New(bcfg, store, store, ad, base.With(logx.String("comp", "broadcast")),
		broadcast.WithBus(bus),
		broadcast.WithGoneHook(members.DestinationGone),
	)

	a := &App{
		cfgm:    cfgm,
		base:    base,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  engine,
		members: members,
		sched:   scheduler.New(time.UTC, base.With(logx.String("comp", "scheduler"))),
		notify:  sdnotify.New(base.With(logx.String("comp", "systemd"))),
		updates: make(chan kit.Update, 256),
	}

	if err := a.buildFeed(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}

	deps := botcmd.Deps{Members: members, Announcer: engine, Status: store, Sender: ad}
	if a.poller != nil {
		deps.Poller = a.poller
	}
	a.handlers = botcmd.New(deps, botcmd.Settings{
		Welcome:  cfg.Telegram.WelcomeText,
		Schedule: a.schedule,
	}, base.With(logx.String("comp", "botcmd")))

	a.cmds = router.New(ad, base.With(logx.String("comp", "commands")), cfg.Telegram.OwnerUserIDs)
	a.cmds.SetRegistry(a.handlers.Commands())
	a.cmds.SetMemberHandler(a.handlers.HandleMember)

	if err := a.buildWebhook(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildFeed(cfg *config.Config) error {
	if !cfg.Feed.IsEnabled() {
		a.log.Info("feed poller disabled")
		return nil
	}
	fs, err := mapFeedConfig(cfg)
	if err != nil {
		return err
	}
	poller := feed.NewPoller(feed.NewHTTPClient(fs.URL, fs.Timeout), a.engine, a.store,
		a.base.With(logx.String("comp", "feed")), a.bus)
	err = a.sched.Add(scheduler.Job{
		Name:         feedJobName,
		Schedule:     fs.Schedule,
		Timeout:      pollJobTimeout,
		InitialDelay: fs.InitialDelay,
		Run: func(ctx context.Context) error {
			_, err := poller.Poll(ctx)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("feed job: %w", err)
	}
	a.poller = poller
	a.feed = fs
	a.schedule = fs.Schedule.String()
	return nil
}

func (a *App) buildWebhook(cfg *config.Config) error {
	if !cfg.Webhook.IsEnabled() {
		a.log.Info("webhook server disabled")
		return nil
	}
	wc, err := mapWebhookConfig(cfg)
	if err != nil {
		return err
	}
	var metricsHandler http.Handler
	if cfg.Webhook.MetricsEnabled() {
		a.metrics = metrics.New(a.store)
		metricsHandler = a.metrics.Handler()
	}
	web, err := webhook.NewServer(wc, webhook.NewIngestor(a.engine), a.store, metricsHandler,
		a.base.With(logx.String("comp", "webhook")), a.bus)
	if err != nil {
		return err
	}
	a.web = web
	return nil
}

func opsSender(s kit.Sender) logx.SendFunc {
	return func(ctx context.Context, chatID int64, threadID int, text string) error {
		_, err := s.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
		return err
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.cmds.SetBotUsername(a.adapter.Username())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("commands.menu", func(c context.Context) {
		if err := a.cmds.PublishMenu(c, a.adapter); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})

	a.sched.Start(a.sup.Context())

	if a.web != nil {
		a.sup.GoRestart("webhook.serve", a.web.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}
	if a.metrics != nil {
		a.sup.Go("metrics.consume", func(c context.Context) error {
			return a.metrics.Run(c, a.bus, a.log)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.notify.Watchdog)

	a.notify.Ready()
	a.log.Info("app started",
		logx.String("bot", a.adapter.Username()),
		logx.Bool("feed", a.poller != nil),
		logx.Bool("webhook", a.web != nil),
		logx.String("storage", a.store.Driver()),
	)
	return nil
}

// validateReload rejects configs the components would refuse, before they
// are committed.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWebhookConfig(cfg); err != nil {
		return err
	}
	if cfg.Feed.IsEnabled() {
		if _, err := mapFeedConfig(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes the hot-reloadable parts of next into the running
// components. Storage, webhook and the Telegram token need a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	a.cmds.SetOwners(next.Telegram.OwnerUserIDs)

	if bc, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(bc)
	}

	if a.poller != nil && next.Feed.IsEnabled() {
		a.applyFeed(next)
	}
	a.handlers.Apply(botcmd.Settings{Welcome: next.Telegram.WelcomeText, Schedule: a.schedule})

	if len(restart) > 0 {
		a.log.Warn("restart required for some changes to take effect", logx.String("keys", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) applyFeed(next *config.Config) {
	fs, err := mapFeedConfig(next)
	if err != nil {
		a.log.Warn("invalid feed config; keeping previous", logx.Err(err))
		return
	}
	if fs.Schedule != a.feed.Schedule {
		if err := a.sched.Reschedule(feedJobName, fs.Schedule); err != nil {
			a.log.Warn("feed reschedule failed; keeping previous", logx.Err(err))
			fs.Schedule = a.feed.Schedule
		}
	}
	if fs.URL != a.feed.URL || fs.Timeout != a.feed.Timeout {
		a.poller.SetFetcher(feed.NewHTTPClient(fs.URL, fs.Timeout))
	}
	a.feed = fs
	a.schedule = fs.Schedule.String()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// never started: only storage and log sinks are open
		err := a.store.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// in-flight polls get a chance to finish their broadcast first
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
