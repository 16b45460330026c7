package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/ant"
	"github.com/vstride/vstride-bridge/internal/api"
	"github.com/vstride/vstride-bridge/internal/bridge"
	"github.com/vstride/vstride-bridge/internal/config"
	"github.com/vstride/vstride-bridge/internal/models"
	"github.com/vstride/vstride-bridge/internal/publisher"
	"github.com/vstride/vstride-bridge/internal/sensor"
	"github.com/vstride/vstride-bridge/internal/signals"
	"github.com/vstride/vstride-bridge/internal/sim"
	"github.com/vstride/vstride-bridge/internal/storage"
	"github.com/vstride/vstride-bridge/internal/usb"
	"github.com/vstride/vstride-bridge/pkg/crypto"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath = flag.String("config", "config/vstride.yml", "path to the configuration file")
	var simulate = flag.Bool("simulate", false, "run against the simulated stick")
	var validateOnly = flag.Bool("validate", false, "validate the configuration and exit")
	var showConfig = flag.Bool("show-config", false, "print the configuration and exit")
	var hashPassword = flag.String("hash-password", "", "print the bcrypt hash of a password and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *hashPassword != "" {
		hash, err := crypto.HashPassword(*hashPassword)
		if err != nil {
			log.Error().Err(err).Msg("hash password")
			return exitConfig
		}
		fmt.Println(hash)
		return exitOK
	}

	cfg, err := config.Load(*configPath, func(c *config.Config) {
		if *simulate {
			c.Simulate.Enabled = true
		}
	})
	if err != nil {
		log.Error().Err(err).Str("config_path", *configPath).Msg("load config failed")
		return exitConfig
	}

	logFile, err := setupLogging(cfg)
	if err != nil {
		log.Error().Err(err).Str("file", cfg.Log.File).Msg("open log file failed")
		return exitConfig
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if *showConfig {
		cfg.PrintConfigSummary()
		return exitOK
	}
	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("configuration ok")
		return exitOK
	}

	key, err := cfg.NetworkKey()
	if err != nil {
		log.Error().Err(err).Msg("invalid network key")
		return exitConfig
	}

	d := newDaemon(cfg, key)
	return d.run()
}

// daemon owns the optional sinks around one bridge run.
type daemon struct {
	cfg   *config.Config
	runID uuid.UUID

	bus     usb.Bus
	backend sensor.Backend
	bridge  *bridge.Bridge
	coord   *bridge.Coordinator
	ctx     context.Context
	cancel  context.CancelFunc
	// stop sources outlive ctx so a repeated signal during teardown is
	// still caught instead of killing the process
	sigCtx    context.Context
	sigCancel context.CancelFunc

	nc        *nats.Conn
	publisher *publisher.NATSPublisher
	store     *storage.PostgresStore
	recorder  *storage.Recorder
	api       *api.RESTServer
	stop      *signals.Manual
}

func newDaemon(cfg *config.Config, key sensor.NetworkKey) *daemon {
	d := &daemon{
		cfg:   cfg,
		runID: uuid.New(),
		stop:  signals.NewManual("api"),
	}

	if cfg.Simulate.Enabled {
		d.bus = sim.NewBus()
		d.backend = &sim.Backend{RevolutionsPerSecond: cfg.Simulate.Rate()}
		log.Warn().Float64("rev_per_sec", cfg.Simulate.Rate()).Msg("running against the simulated stick")
	} else {
		d.bus = usb.NewGoUSBBus()
		d.backend = ant.Backend{Timeout: cfg.ANT.Timeout}
	}

	var observers bridge.Observers
	if o := d.connectNATS(); o != nil {
		observers = append(observers, o)
	}
	if o := d.openStore(); o != nil {
		observers = append(observers, o)
	}
	if o := d.newAPI(); o != nil {
		observers = append(observers, o)
	}

	d.bridge = bridge.New(bridge.Config{
		NetworkKey:             key,
		NetworkKeyIndex:        cfg.ANT.NetworkKeyIndex,
		SpeedDeviceType:        cfg.Speed.DeviceType,
		SpeedDeviceID:          cfg.SpeedDeviceID(),
		StrideDeviceType:       cfg.Stride.DeviceType,
		StrideDeviceID:         cfg.StrideDeviceID(),
		StrideTransmissionType: cfg.Stride.TransmissionType,
		Tick:                   cfg.Loop.Tick,
		WheelCircumferenceKm:   cfg.Loop.WheelCircumferenceKm,
		CadenceSPM:             cfg.Loop.CadenceSPM,
	}, d.backend, bridge.WithObserver(observers), bridge.WithRunID(d.runID))

	ctx, cancel := context.WithCancel(context.Background())
	d.ctx, d.cancel = ctx, cancel
	d.sigCtx, d.sigCancel = context.WithCancel(context.Background())
	d.coord = bridge.NewCoordinator(d.bridge, cancel)
	return d
}

func (d *daemon) connectNATS() bridge.Observer {
	if d.cfg.NATS.URL == "" {
		return nil
	}

	opts := []nats.Option{
		nats.Name("vstride-bridge " + d.runID.String()),
		nats.ReconnectWait(d.cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(d.cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if d.cfg.NATS.Username != "" {
		opts = append(opts, nats.UserInfo(d.cfg.NATS.Username, d.cfg.NATS.Password))
	}

	nc, err := nats.Connect(d.cfg.NATS.URL, opts...)
	if err != nil {
		log.Error().Err(err).Str("url", d.cfg.NATS.URL).Msg("connect NATS failed, telemetry disabled")
		return nil
	}
	d.nc = nc
	d.publisher = publisher.NewNATSPublisher(nc, d.cfg.NATS.SubjectPrefix, d.runID)
	log.Info().
		Str("url", d.cfg.NATS.URL).
		Str("samples", d.publisher.SampleSubject()).
		Str("control", d.publisher.ControlSubject()).
		Msg("NATS telemetry enabled")
	return d.publisher
}

func (d *daemon) openStore() bridge.Observer {
	if d.cfg.Database.DSN == "" {
		return nil
	}

	store, err := storage.NewPostgresStore(d.cfg.Database.DSN)
	if err != nil {
		log.Error().Err(err).Msg("connect database failed, run history disabled")
		return nil
	}
	store.SetPool(d.cfg.Database.MaxOpenConns, d.cfg.Database.MaxIdleConns, d.cfg.Database.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error().Err(err).Msg("database schema failed, run history disabled")
		store.Close()
		return nil
	}

	d.store = store
	d.recorder = storage.NewRecorder(store, models.Run{
		ID:             d.runID,
		SpeedDeviceID:  d.cfg.SpeedDeviceID(),
		StrideDeviceID: d.cfg.StrideDeviceID(),
	}, d.cfg.Database.FlushInterval)
	return d.recorder
}

func (d *daemon) newAPI() bridge.Observer {
	if !d.cfg.API.Enabled() {
		return nil
	}

	if d.cfg.JWT.Secret == "" {
		secret, err := crypto.GenerateRandomString(32)
		if err != nil {
			log.Error().Err(err).Msg("generate JWT secret failed, API disabled")
			return nil
		}
		d.cfg.JWT.Secret = secret
		log.Warn().Msg("jwt.secret not set, tokens will not survive a restart")
	}

	var store storage.Store
	if d.store != nil {
		store = d.store
	}
	d.api = api.NewRESTServer(d.cfg, api.StatusFunc(func() models.Status {
		return d.bridge.Status()
	}), store, d.stop)
	return d.api
}

func (d *daemon) run() (code int) {
	log.Info().
		Str("run_id", d.runID.String()).
		Bool("simulate", d.cfg.Simulate.Enabled).
		Msg("vstride bridge starting")

	d.watchSignals()
	d.serveAPI()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("unhandled error, shutting down")
			code = exitFailed
		}
		d.teardown(code)
	}()

	return d.runBridge()
}

func (d *daemon) watchSignals() {
	signals.Watch(d.sigCtx, d.coord.Request, signals.Interrupt(), d.stop)
	if d.publisher != nil {
		signals.Watch(d.ctx, d.coord.Request, d.publisher)
	}

	// the console may be torn down right after this signal, so clean up
	// from the handler instead of waiting for the loop to notice
	console := signals.ConsoleClose()
	if console.Supported() {
		signals.Watch(d.sigCtx, d.coord.RequestNow, console)
	} else {
		log.Warn().Msg("console close cannot be intercepted, use Ctrl+C to stop")
	}
}

func (d *daemon) serveAPI() {
	if d.api == nil {
		return
	}
	go func() {
		log.Info().Str("addr", d.cfg.API.Addr()).Msg("API listening")
		if err := d.api.ListenAndServe(d.cfg.API.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server failed")
		}
	}()
}

// runBridge drives startup and the loop. Startup checks ctx between stages
// so a stop request during startup skips the rest.
func (d *daemon) runBridge() int {
	h, err := d.bridge.Claim(d.bus, d.cfg.ANT.VendorID, d.cfg.ANT.ProductIDs)
	if err != nil {
		log.Error().Err(err).Msg("no ANT devices available")
		return exitFailed
	}

	if d.recorder != nil {
		d.recorder.SetDevice(h.Descriptor().String())
		if err := d.recorder.Start(context.Background()); err != nil {
			log.Error().Err(err).Msg("create run failed, run history disabled")
		}
	}

	if d.ctx.Err() != nil {
		return exitOK
	}
	if err := d.bridge.StartNode(h); err != nil {
		if d.ctx.Err() != nil {
			log.Info().Err(err).Msg("node start cut short by stop request")
			return exitOK
		}
		log.Error().Err(err).Msg("start node failed")
		return exitFailed
	}

	if d.ctx.Err() != nil {
		return exitOK
	}
	if err := d.bridge.OpenSessions(); err != nil {
		status := d.bridge.Status()
		log.Warn().
			Str("receiver", string(status.Receiver)).
			Str("transmitter", string(status.Transmitter)).
			Msg("continuing with degraded sessions")
	}

	log.Info().Dur("tick", d.bridge.Config().Tick).Msg("broadcasting")
	if err := d.bridge.Run(d.ctx); err != nil {
		log.Error().Err(err).Msg("loop failed")
		return exitFailed
	}
	return exitOK
}

func (d *daemon) teardown(code int) {
	d.coord.Finish()
	d.cancel()

	reason := d.coord.Reason()
	if reason == "" {
		reason = "completed"
		if code != exitOK {
			reason = "failed"
		}
	}

	if d.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.api.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("API shutdown")
		}
		cancel()
	}
	if d.recorder != nil {
		d.recorder.Finish(reason)
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.nc != nil {
		if err := d.nc.Drain(); err != nil {
			d.nc.Close()
		}
	}
	if bus, ok := d.bus.(*usb.GoUSBBus); ok {
		bus.Close()
	}

	log.Info().Str("reason", reason).Int("exit_code", code).Msg("vstride bridge stopped")
	d.sigCancel()
}
