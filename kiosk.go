package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"bookkiosk/bin"
	"bookkiosk/buttons"
	"bookkiosk/cardreader"
	"bookkiosk/catalog"
	"bookkiosk/channel"
	"bookkiosk/epc"
	"bookkiosk/eventpipe"
	"bookkiosk/hotkeys"
	"bookkiosk/indicator"
	"bookkiosk/mqtt"
	"bookkiosk/router"
	"bookkiosk/session"
	"bookkiosk/ui"
)

// Set at link time: -ldflags "-X main.myBuild=..."
var myBuild = "dev"

// App holds the application state.
type App struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
	reg    metrics.Registry

	gateway      catalog.Gateway
	closeCatalog func()

	machine   *session.Machine
	router    *router.Router
	bin       bin.Controller
	indicator indicator.Indicator
	mqtt      *mqtt.Client
	ui        *ui.Server
	channels  []*channel.Channel
	card      *cardreader.Reader
	pipe      *eventpipe.EventPipe
	keyboard  *hotkeys.Keyboard
	panel     *buttons.Panel
	scanLog   io.Closer

	wg sync.WaitGroup
}

func main() {
	app := &cli.App{
		Name:    "bookkiosk",
		Usage:   "self-service library kiosk",
		Version: myBuild,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cfg", Value: defaultConfigFile, Usage: "config file"},
			&cli.StringFlag{Name: "env", Value: ".env", Usage: "environment file read before the config"},
			&cli.BoolFlag{Name: "emulator", Usage: "start without hardware; demo inputs only"},
			&cli.BoolFlag{Name: "dry-run", Usage: "skip catalog writes and bin actuation"},
		},
		Action: runKiosk,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the kiosk (default)",
				Action: runKiosk,
			},
			{
				Name:   "diag",
				Usage:  "list serial ports and probe PC/SC readers",
				Action: func(*cli.Context) error { return diagnostics(os.Stdout) },
			},
			{
				Name:      "decode",
				Usage:     "decode an EPC-96 tag",
				ArgsUsage: "<hex>",
				Action:    decodeTag,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("bookkiosk")
	}
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = os.Stderr
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

func runKiosk(c *cli.Context) error {
	cfg, err := loadConfig(c.String("cfg"), c.String("env"))
	if err != nil {
		return err
	}
	if c.Bool("emulator") {
		cfg.Emulator = true
	}
	if c.Bool("dry-run") {
		cfg.Session.DryRun = true
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return err
	}

	log.Info().Str("build", myBuild).Str("kiosk", cfg.KioskID).
		Bool("emulator", cfg.Emulator).Bool("dry_run", cfg.Session.DryRun).Msg("starting")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	return app.run()
}

// newApp builds every component. On error whatever was already built is
// released.
func newApp(parent context.Context, cfg *Config) (_ *App, err error) {
	ctx, cancel := context.WithCancel(parent)
	app := &App{
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		reg:          metrics.NewRegistry(),
		closeCatalog: func() {},
		bin:          bin.Noop{},
	}
	defer func() {
		if err != nil {
			app.release()
		}
	}()

	// Initialize indicator (LEDs, neopixels)
	app.indicator, err = indicator.New(cfg.Indicator)
	if err != nil {
		return nil, fmt.Errorf("init indicator: %w", err)
	}
	app.indicator.ConnectionLost()

	app.gateway, app.closeCatalog, err = openCatalog(ctx, cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("init catalog: %w", err)
	}
	if err := catalog.Probe(ctx, app.gateway, cfg.Catalog.ProbeAttempts, cfg.Catalog.ProbeInterval); err != nil {
		log.Warn().Err(err).Msg("starting without a reachable catalog")
	}

	if !cfg.Emulator {
		app.bin, err = bin.New(cfg.Bin, channel.WithRegistry(app.reg), channel.WithStopGrace(cfg.StopGrace))
		if err != nil {
			return nil, fmt.Errorf("init bin: %w", err)
		}

		app.panel, err = buttons.New(cfg.Buttons, buttons.Handlers{OnAction: app.action})
		if err != nil {
			return nil, fmt.Errorf("init buttons: %w", err)
		}
	}

	app.ui = ui.New(cfg.UI, app.reg, app.action)

	opts := []session.Option{
		session.WithRegistry(app.reg),
		session.WithObserver(indicator.Follow(app.indicator)),
		session.WithObserver(app.ui.Observer(
			func() session.Deadline { return app.machine.Deadline() },
			func() bool { return app.machine.DryRun() },
		)),
		session.WithObserver(app.publishTransition),
	}
	if app.panel != nil {
		opts = append(opts, session.WithObserver(app.panel.Follow()))
	}
	app.machine = session.New(cfg.Session, app.gateway, app.bin, opts...)

	var routerOpts []router.Option
	if cfg.ScanLog != "" {
		f, err := os.OpenFile(cfg.ScanLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open scan log: %w", err)
		}
		app.scanLog = f
		routerOpts = append(routerOpts, router.WithScanLog(zerolog.New(f).With().Timestamp().Logger()))
	}
	app.router = router.New(app.machine, app.reg, routerOpts...)

	if !cfg.Emulator {
		if err := app.openReaders(); err != nil {
			return nil, err
		}
	}

	app.mqtt, err = mqtt.New(cfg.MQTT, cfg.KioskID, mqtt.Handlers{
		OnConnect:    app.onMQTTConnect,
		OnDisconnect: app.onMQTTDisconnect,
		OnMessage:    app.onMQTTMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("init mqtt: %w", err)
	}

	app.pipe, err = eventpipe.New(cfg.EventPipe, eventpipe.Handlers{
		OnScan:   app.router.Route,
		OnAction: app.action,
		OnDryRun: app.machine.SetDryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("init event pipe: %w", err)
	}

	app.keyboard, err = hotkeys.New(cfg.Keyboard, hotkeys.Handlers{
		OnScan:         app.router.Route,
		OnAction:       app.action,
		OnDiagnostics:  app.runDiagnostics,
		OnCatalogCheck: app.checkCatalog,
	})
	if err != nil {
		return nil, fmt.Errorf("init keyboard: %w", err)
	}

	return app, nil
}

func openCatalog(ctx context.Context, cfg CatalogConfig) (catalog.Gateway, func(), error) {
	var gw catalog.Gateway
	closeFn := func() {}

	switch cfg.Driver {
	case "postgres":
		pg, err := catalog.ConnectPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		gw, closeFn = pg, pg.Close
	default:
		var mem *catalog.Memory
		var err error
		if cfg.Seed == "" {
			mem, err = catalog.NewMemory(catalog.Seed{}, epc.Normalize)
		} else {
			mem, err = catalog.LoadMemory(cfg.Seed, epc.Normalize)
		}
		if err != nil {
			return nil, nil, err
		}
		gw = mem
	}

	if cfg.Whitelist.Enabled {
		gw = catalog.NewWhitelist(gw, cfg.Whitelist, epc.Normalize)
	}
	return gw, closeFn, nil
}

// openReaders creates the serial channels and the PC/SC card reader.
func (app *App) openReaders() error {
	r := app.cfg.Readers

	if r.Shared() {
		app.addChannel(r.BookTake, channel.EPCLine, "book", channel.RoleBookAny)
	} else {
		if r.BookTake.Port != "" {
			app.addChannel(r.BookTake, channel.EPCLine, "book_take", channel.RoleBookTake)
		}
		if r.BookReturn.Port != "" {
			app.addChannel(r.BookReturn, channel.EPCLine, "book_return", channel.RoleBookReturn)
		}
	}

	if r.SerialCard.Port != "" {
		handler, err := channel.HandlerFor(r.SerialCardFormat)
		if err != nil {
			return err
		}
		app.addChannel(r.SerialCard, handler, "card_serial", channel.RoleCard)
	}

	if r.PCSC {
		if !cardreader.PCSCSupported() {
			return errors.New("pcsc enabled but support not compiled in")
		}
		app.card = cardreader.New(r.Card, cardreader.EstablishPCSC, app.router.Route)
	}
	return nil
}

func (app *App) addChannel(cfg channel.Config, handler channel.LineHandler, id string, role channel.Role) {
	ch := channel.New(cfg, handler, app.router.Route,
		channel.WithSource(id, role),
		channel.WithRegistry(app.reg),
		channel.WithStopGrace(app.cfg.StopGrace),
	)
	app.channels = append(app.channels, ch)
}

// run starts background work and blocks until the context is done.
func (app *App) run() error {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.machine.Run(app.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("session machine stopped")
		}
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.ui.Run(app.ctx); err != nil {
			log.Error().Err(err).Msg("ui server stopped")
			app.cancel()
		}
	}()

	for _, ch := range app.channels {
		ch.Start()
	}
	if app.card != nil {
		app.card.Start()
	}
	if app.pipe != nil {
		go app.pipe.Start()
	}
	if app.keyboard != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.keyboard.Run(app.ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("keyboard stopped")
			}
		}()
	}

	go func() {
		if err := app.mqtt.Connect(); err != nil {
			log.Error().Err(err).Msg("mqtt connect")
		}
	}()
	go app.pingSender()

	<-app.ctx.Done()
	log.Info().Msg("shutting down")
	app.shutdown()
	log.Info().Msg("shutdown complete")
	return nil
}

func (app *App) shutdown() {
	for _, ch := range app.channels {
		if err := ch.Stop(); err != nil {
			log.Warn().Err(err).Str("channel", ch.ID()).Msg("channel stop")
		}
	}
	if app.card != nil {
		if err := app.card.Stop(); err != nil {
			log.Warn().Err(err).Msg("card reader stop")
		}
	}
	if app.keyboard != nil {
		app.keyboard.Close()
	}

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(app.cfg.StopGrace):
		log.Warn().Dur("grace", app.cfg.StopGrace).Msg("background work still running")
	}

	app.mqtt.Disconnect()
	app.indicator.Shutdown()
	app.release()
}

// release frees hardware and connections. Safe on a partly built App.
func (app *App) release() {
	app.cancel()
	if app.pipe != nil {
		app.pipe.Close()
	}
	if app.panel != nil {
		if err := app.panel.Release(); err != nil {
			log.Warn().Err(err).Msg("buttons release")
		}
	}
	if app.bin != nil {
		if err := app.bin.Release(); err != nil {
			log.Warn().Err(err).Msg("bin release")
		}
	}
	if app.indicator != nil {
		app.indicator.Release()
	}
	if app.scanLog != nil {
		app.scanLog.Close()
	}
	if app.closeCatalog != nil {
		app.closeCatalog()
	}
}

// action submits a menu action from any front panel.
func (app *App) action(kind session.InputKind) {
	if !app.machine.Submit(session.Input{Kind: kind, Source: "panel"}) {
		log.Debug().Stringer("input", kind).Msg("action dropped")
	}
}

func (app *App) publishTransition(t session.Transition) {
	app.mqtt.PublishJSON(mqtt.StatusTopic(app.cfg.KioskID, "state"), map[string]any{
		"from":    t.From.String(),
		"state":   t.To.String(),
		"mode":    t.Mode.String(),
		"session": t.SessionID,
		"reason":  t.Reason,
		"dry_run": app.machine.DryRun(),
	})
	if t.To == session.Success {
		app.mqtt.PublishJSON(mqtt.StatusTopic(app.cfg.KioskID, "transaction"), map[string]any{
			"mode":    t.Mode.String(),
			"session": t.SessionID,
			"reason":  t.Reason,
			"at":      t.At.UTC().Format(time.RFC3339),
		})
	}
}

func (app *App) onMQTTConnect() {
	for _, topic := range mqtt.ControlSubscriptions(app.cfg.KioskID) {
		if err := app.mqtt.Subscribe(topic); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("subscribe")
		}
	}
	indicator.Show(app.indicator, app.machine.State())
}

func (app *App) onMQTTDisconnect() {
	app.indicator.ConnectionLost()
}

func (app *App) onMQTTMessage(topic string, payload []byte) {
	cmd, ok := mqtt.ParseControl(app.cfg.KioskID, topic)
	if !ok {
		return
	}

	switch cmd {
	case mqtt.CommandMenu:
		app.machine.Submit(session.Input{Kind: session.InputBackToMenu, Source: "mqtt"})
	case mqtt.CommandDryRun:
		switch string(payload) {
		case "on", "1", "true":
			app.machine.SetDryRun(true)
		case "off", "0", "false":
			app.machine.SetDryRun(false)
		default:
			log.Warn().Str("payload", string(payload)).Msg("invalid dryrun payload")
		}
	case mqtt.CommandOpen:
		app.handleOpenRequest(payload)
	default:
		log.Warn().Str("command", cmd).Msg("unknown control command")
	}
}

func (app *App) handleOpenRequest(payload []byte) {
	if app.cfg.OpenSecret == "" {
		log.Info().Msg("remote open disabled (no secret configured)")
		return
	}

	req, err := mqtt.DecodeOpen(payload, app.cfg.OpenSecret, app.cfg.KioskID, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("remote open rejected")
		return
	}

	log.Info().Str("staff", req.Staff).Msg("remote open request")
	ctx, cancel := context.WithTimeout(app.ctx, 5*time.Second)
	defer cancel()
	if err := app.bin.OpenBin(ctx); err != nil {
		log.Error().Err(err).Msg("remote open")
	}
}

func (app *App) pingSender() {
	ticker := time.NewTicker(120 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.mqtt.Publish(mqtt.StatusTopic(app.cfg.KioskID, "ping"), `{"status":"ok"}`)
		}
	}
}

func (app *App) runDiagnostics() {
	go func() {
		if err := diagnostics(log.Logger); err != nil {
			log.Warn().Err(err).Msg("diagnostics")
		}
	}()
}

func (app *App) checkCatalog() {
	go func() {
		if err := catalog.Probe(app.ctx, app.gateway, 1, 0); err != nil {
			log.Warn().Err(err).Msg("catalog check")
			return
		}
		log.Info().Msg("catalog check ok")
	}()
}

// diagnostics writes the serial ports and the PC/SC probe results to w.
func diagnostics(w io.Writer) error {
	ports, err := channel.ListPorts()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	fmt.Fprintf(w, "serial ports: %d\n", len(ports))
	for _, p := range ports {
		fmt.Fprintf(w, "  %s\n", p)
	}

	if !cardreader.PCSCSupported() {
		fmt.Fprintln(w, "pc/sc: not compiled in")
		return nil
	}
	results, err := cardreader.Probe(cardreader.EstablishPCSC)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Fprintf(w, "pc/sc %s\n", r)
	}
	return nil
}

func decodeTag(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: bookkiosk decode <hex>")
	}
	rec, err := epc.Decode(c.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("kind:    %s\n", rec.Kind)
	fmt.Printf("library: %d\n", rec.LibraryCode)
	fmt.Printf("serial:  %d\n", rec.Serial)
	if rec.Kind == epc.KindBook {
		fmt.Printf("key:     %s\n", rec.BookKey())
	}
	return nil
}
