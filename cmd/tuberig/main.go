// Command tuberig runs the trial controller daemon: the operator session
// listener, the sequencer serial link, the status API and, on request, the
// controller itself.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/tuberig/internal/actuator"
	"github.com/banshee-data/tuberig/internal/api"
	"github.com/banshee-data/tuberig/internal/apparatus"
	"github.com/banshee-data/tuberig/internal/arbitrator"
	"github.com/banshee-data/tuberig/internal/config"
	"github.com/banshee-data/tuberig/internal/db"
	"github.com/banshee-data/tuberig/internal/kinematics"
	"github.com/banshee-data/tuberig/internal/monitoring"
	"github.com/banshee-data/tuberig/internal/power"
	"github.com/banshee-data/tuberig/internal/serialmux"
	"github.com/banshee-data/tuberig/internal/timeutil"
	"github.com/banshee-data/tuberig/internal/trial"
	"github.com/banshee-data/tuberig/internal/version"
)

var (
	settingsPath  = flag.String("settings", config.DefaultSettingsPath, "Path to the JSON settings file")
	listen        = flag.String("listen", ":8080", "HTTP status and admin listen address")
	sessionListen = flag.String("session-listen", ":6666", "Operator session TCP listen address")
	port          = flag.String("port", "/dev/ttyS0", "Sequencer serial port (empty disables the sequencer link)")
	baudRate      = flag.Int("baud", serialmux.DefaultBaudRate, "Sequencer serial baud rate")
	framing       = flag.String("framing", "8N1", "Sequencer serial framing (data bits, parity, stop bits)")
	dbPath        = flag.String("db-path", db.DefaultPath, "Path to the trial database")
	sinkDir       = flag.String("sink-dir", "recordings", "Directory for telemetry sinks and tracer dumps")
	simulate      = flag.Bool("simulate", false, "Use a synthetic wheel and recorded outputs (also enabled by the simulation setting)")
	simSpeed      = flag.Float64("sim-speed", 0.5, "Synthetic wheel speed in volts per second")
	i2cBus        = flag.String("i2c-bus", "/dev/i2c-1", "I2C bus of the wheel ADC")
	adsAddr       = flag.Int("ads-addr", 0x48, "I2C address of the wheel ADC")
	pigpioAddr    = flag.String("pigpio", "localhost:8888", "pigpio daemon address")
	dryPoweroff   = flag.Bool("dry-run-poweroff", false, "Log instead of powering off on shutdown")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		path := fs.String("db-path", db.DefaultPath, "Path to the trial database")
		fs.Parse(os.Args[2:])
		if err := db.RunMigrateCommand(fs.Args(), *path, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" || *sessionListen == "" {
		log.Fatal("Listen addresses are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		log.Fatalf("tuberig: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func run(ctx context.Context) error {
	monitoring.Logf("tuberig %s", version.String())

	settings, err := config.OpenStore(*settingsPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	s := settings.Settings()
	sim := *simulate || s.GetSimulation()

	if err := os.MkdirAll(*sinkDir, 0o755); err != nil {
		return fmt.Errorf("create sink directory: %w", err)
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	clock := timeutil.RealClock{}
	source, closeSource, err := openSource(sim, clock, s)
	if err != nil {
		return err
	}
	defer closeSource()

	driver, err := openDriver(sim, s.GetPins())
	if err != nil {
		return err
	}
	output := actuator.NewOutput(driver, clock, s.GetFramePulse())
	defer func() {
		if err := output.Close(); err != nil {
			monitoring.Logf("close outputs: %v", err)
		}
	}()

	sequencer, err := openSequencer(*port, *baudRate, *framing)
	if err != nil {
		return err
	}
	defer sequencer.Close()

	sup, err := apparatus.New(apparatus.Config{
		Settings: settings,
		Source:   source,
		Output:   output,
		Display:  &trial.LogDisplay{FlashDuration: s.GetFlashDuration(), FlashPeriod: s.GetFlashPeriod()},
		Records:  store,
		Sessions: store,
		SinkDir:  *sinkDir,
		Clock:    clock,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", *sessionListen)
	if err != nil {
		return fmt.Errorf("listen for sessions: %w", err)
	}
	arb, err := arbitrator.New(arbitrator.Config{
		Listener:  ln,
		Sequencer: sequencer,
		Dispatcher: &arbitrator.Dispatcher{
			Controller: sup,
			Options:    settings,
			OptionLog:  store,
			Power:      power.NewExecutor(*dryPoweroff || sim),
			Clock:      clock,
		},
		Events: sup.Events(),
	})
	if err != nil {
		ln.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sequencer.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("failed to monitor sequencer port: %v", err)
		}
		monitoring.Logf("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		serveHTTP(ctx, sup, arb, store, settings, sequencer)
	}()

	// The arbitrator owns the process lifetime: it returns on a shutdown
	// command or when ctx is cancelled by a signal.
	err = arb.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		monitoring.Logf("arbitrator stopped: %v", err)
	}
	if sup.Running() {
		if err := sup.StopController(); err != nil {
			monitoring.Logf("stop controller: %v", err)
		}
	}
	cancel()
	wg.Wait()
	return nil
}

func openSource(sim bool, clock timeutil.Clock, s *config.Settings) (kinematics.Source, func(), error) {
	if sim {
		monitoring.Logf("simulation: synthetic wheel at %.2f V/s", *simSpeed)
		return kinematics.NewSimulatedWheel(clock, *simSpeed, s.GetSensorScale()), func() {}, nil
	}
	ads, err := kinematics.OpenADS1115(*i2cBus, *adsAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("open wheel ADC: %w", err)
	}
	return ads, func() { ads.Close() }, nil
}

func openDriver(sim bool, pins actuator.Pins) (actuator.Driver, error) {
	if sim {
		return &actuator.RecordingDriver{}, nil
	}
	d, err := actuator.DialPigpio(*pigpioAddr, pins)
	if err != nil {
		return nil, fmt.Errorf("connect to pigpio: %w", err)
	}
	return d, nil
}

func openSequencer(path string, baud int, framing string) (serialmux.SerialMuxInterface, error) {
	if path == "" {
		monitoring.Logf("sequencer link disabled")
		return serialmux.NewDisabledSerialMux(), nil
	}
	opts, err := serialmux.PortOptions{BaudRate: baud}.ParseFraming(framing)
	if err != nil {
		return nil, err
	}
	if opts, err = opts.Normalise(); err != nil {
		return nil, err
	}
	m, err := serialmux.NewRealSerialMux(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open sequencer port %s: %w", path, err)
	}
	monitoring.Logf("sequencer link on %s (%s)", path, opts)
	return m, nil
}

func serveHTTP(ctx context.Context, sup *apparatus.Supervisor, arb *arbitrator.Arbitrator, store *db.DB, settings *config.Store, sequencer serialmux.SerialMuxInterface) {
	mux := api.NewServer(sup, arb, store, settings).ServeMux()
	sequencer.AttachAdminRoutes(mux)
	if err := store.AttachAdminRoutes(mux); err != nil {
		monitoring.Logf("failed to attach db admin routes: %v", err)
	}

	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Logf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server routine stopped")
}
