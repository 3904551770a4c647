package app

import (
	"fmt"

	"pushbot/internal/api"
	"pushbot/internal/campaign"
	"pushbot/internal/config"
	"pushbot/internal/directory"
	"pushbot/internal/dispatch"
	"pushbot/internal/eventbus"
	"pushbot/internal/events"
	"pushbot/internal/scheduler"
	"pushbot/internal/storage"
	"pushbot/internal/transport/telegram"
	logx "pushbot/pkg/logx"
)

// NewApp loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// The channel comes first: the log service forwards to it.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	tgCfg, _ := mapTelegramConfig(cfg)
	tg, err := telegram.New(tgCfg, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, root := logx.New(mapLogConfig(cfg), tg)
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	dir := directory.NewService(store, comp("directory"))
	tg.SetRegistrar(dir)

	ctl := campaign.NewController(campaign.Deps{
		Store:      store,
		Logs:       store,
		Audit:      store,
		Recipients: dir,
		Bus:        bus,
	}, comp("controller"))

	dc, _ := mapDispatchConfig(cfg)
	disp := dispatch.New(dc, dispatch.Deps{
		Channel:     tg,
		Directory:   dir,
		Logs:        store,
		Finalizer:   ctl,
		Deactivator: dir,
		Bus:         bus,
	}, comp("dispatch"))
	ctl.SetDispatcher(disp)

	schc, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schc, ctl, comp("scheduler"))

	applier := events.NewApplier(store, bus, comp("events"))
	ec, _ := mapEventsConfig(cfg)
	consumer := events.NewConsumer(ec, applier, comp("events"))

	ac, _ := mapAPIConfig(cfg)
	apiSvc := api.New(ac, api.Deps{
		Campaigns:  ctl,
		Recipients: dir,
		Events:     applier,
		Runs:       disp,
		Audit:      store,
		Ping:       store.Ping,
	}, comp("api"))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		dir:      dir,
		tg:       tg,
		ctl:      ctl,
		disp:     disp,
		sched:    sched,
		applier:  applier,
		consumer: consumer,
		api:      apiSvc,
	}, nil
}
