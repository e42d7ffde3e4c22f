// Command lablink runs the laboratory instrument gateway: one process
// fronting a fleet of bench instruments with sessions, locks, telemetry
// streams, alarms, and scheduled operations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/alarm"
	"github.com/X9X0/LabLink-sub001/internal/clientsession"
	"github.com/X9X0/LabLink-sub001/internal/config"
	"github.com/X9X0/LabLink-sub001/internal/device"
	"github.com/X9X0/LabLink-sub001/internal/equipment"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/gateway"
	"github.com/X9X0/LabLink-sub001/internal/health"
	"github.com/X9X0/LabLink-sub001/internal/lock"
	"github.com/X9X0/LabLink-sub001/internal/metrics"
	"github.com/X9X0/LabLink-sub001/internal/otel"
	"github.com/X9X0/LabLink-sub001/internal/schedule"
	"github.com/X9X0/LabLink-sub001/internal/sim"
	"github.com/X9X0/LabLink-sub001/internal/store"
	"github.com/X9X0/LabLink-sub001/internal/stream"
	"github.com/X9X0/LabLink-sub001/internal/transport"
)

const version = "0.3.0"

func main() {
	addr := flag.String("addr", config.DefaultListenAddr, "HTTP listen address")
	dataDir := flag.String("data-dir", "lablink-data", "Directory for alarm, schedule, and state persistence (empty to disable)")
	backend := flag.String("backend", "real", "Instrument backend: real (tcp/serial resources) or mock (in-process simulators)")
	resources := flag.String("resources", "", "Comma-separated static resource strings reported by discovery (e.g., 'tcp://10.0.0.5:5025,serial:///dev/ttyUSB0')")
	locksEnforced := flag.Bool("locks-enforced", true, "Require locks for control commands")
	lockTimeout := flag.Int("lock-timeout", config.DefaultLockTimeoutS, "Default lock idle timeout in seconds (0 = never expires)")
	sessionTimeout := flag.Int("session-timeout", config.DefaultSessionTimeoutS, "Default session idle timeout in seconds")
	requestTimeout := flag.Duration("request-timeout", config.DefaultOperationTimeout, "Per-operation timeout")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	otelTraces := flag.String("otel-traces", "none", "Trace exporter: none, stdout, otlp-grpc, otlp-http")
	otelMetricsExp := flag.String("otel-metrics", "none", "Metric exporter: none, stdout, otlp-grpc, otlp-http")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP endpoint (e.g., 'localhost:4317')")
	otelInsecure := flag.Bool("otel-insecure", false, "Disable TLS for OTLP connections")
	otelSampleRate := flag.Float64("otel-sample-rate", 1.0, "Trace sampling rate (0.0 to 1.0)")
	flag.Parse()

	if *backend != "real" && *backend != "mock" {
		fmt.Fprintf(os.Stderr, "Error: unknown backend %q (want real or mock)\n", *backend)
		os.Exit(64)
	}
	level, err := parseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(64)
	}
	logger := events.NewEventLogger(level)
	events.SetGlobalEventLogger(logger)

	ctx := context.Background()

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:        *otelTraces != "none",
		ServiceName:    "lablink",
		ServiceVersion: version,
		ExporterType:   otel.ExporterType(*otelTraces),
		OTLPEndpoint:   *otelEndpoint,
		OTLPInsecure:   *otelInsecure,
		SampleRate:     *otelSampleRate,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating tracer: %v\n", err)
		os.Exit(1)
	}
	otelMetrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:        *otelMetricsExp != "none",
		ServiceName:    "lablink",
		ServiceVersion: version,
		ExporterType:   otel.ExporterType(*otelMetricsExp),
		OTLPEndpoint:   *otelEndpoint,
		OTLPInsecure:   *otelInsecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating metrics exporter: %v\n", err)
		os.Exit(1)
	}

	var st *store.Store
	if *dataDir != "" {
		st, err = store.Open(*dataDir, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening data directory: %v\n", err)
			os.Exit(1)
		}
	}

	static := splitResources(*resources)
	if *backend == "mock" {
		transport.RegisterMock("power_supply", sim.NewPowerSupplyEngine(sim.DefaultPowerSupplyConfig()))
		transport.RegisterMock("oscilloscope", sim.NewOscilloscopeEngine(sim.DefaultOscilloscopeConfig()))
		transport.RegisterMock("electronic_load", sim.NewLoadEngine(sim.DefaultLoadConfig()))
		for _, name := range transport.MockEngines() {
			static = append(static, "mock://"+name)
		}
	}

	ring := events.NewRing(config.LockEventRingCapacity)
	collector := metrics.NewCollector()
	usage := metrics.NewUsageTracker()

	// The arbiter and engines call back into the gateway, which is built
	// last; server is assigned before anything can fire.
	var server *gateway.Server

	locks := lock.NewArbiter(lock.Options{
		DefaultTimeoutS: *lockTimeout,
		Logger:          logger,
		Ring:            ring,
		OnDemoted: func(equipmentID string, observers []string, holder string) {
			if server != nil {
				server.NotifyLockDemoted(equipmentID, observers, holder)
			}
		},
		OnPromoted: func(equipmentID, sessionID string) {
			if server != nil {
				server.NotifyLockPromoted(equipmentID, sessionID)
			}
		},
	})
	reaper := lock.NewReaper(locks, config.LockReaperInterval, ring, logger)

	sessions := clientsession.NewRegistry(clientsession.Options{
		DefaultTimeoutS: *sessionTimeout,
		Logger:          logger,
	})

	var fleet *equipment.Manager
	var streams *stream.Multiplexer
	var alarms *alarm.Engine

	fleet = equipment.NewManager(equipment.Options{
		Store:           st,
		StaticResources: static,
		Ring:            ring,
		Logger:          logger,
		OnDrop: func(equipmentID string) {
			locks.DropEquipment(equipmentID)
			streams.DropEquipment(equipmentID)
			alarms.DropEquipment(equipmentID)
		},
	})

	streams = stream.NewMultiplexer(stream.Options{
		Source: func(equipmentID, streamType string) (stream.SnapshotFunc, error) {
			return fleet.Snapshot(equipmentID, streamType)
		},
		Logger: logger,
	})

	alarmOpts := alarm.Options{
		Interval:  config.AlarmSampleInterval,
		Telemetry: fleet,
		AuxProbe:  fleet.HasAuxKey,
		Logger:    logger,
		OnTransition: func(event alarm.Event, transition alarm.State) {
			collector.RecordAlarmTransition(string(transition))
			otelMetrics.RecordAlarmTransition(context.Background(), string(transition))
			if server != nil {
				server.NotifyAlarmTransition(event, transition)
			}
		},
	}
	if st != nil {
		alarmOpts.Store = st
	}
	alarms = alarm.NewEngine(alarmOpts)

	schedOpts := schedule.Options{
		DispatchTimeout: *requestTimeout,
		Logger:          logger,
		Dispatcher: schedule.DispatcherFunc(func(ctx context.Context, job schedule.Job) error {
			switch job.Target.Type {
			case schedule.TargetOperation:
				op := device.Operation{Name: job.Target.Operation, Params: job.Target.Params}
				_, err := server.DispatchOperation(ctx, job.Target.EquipmentID, op, clientsession.SystemSessionID)
				return err
			case schedule.TargetAlarmCheck:
				alarms.Evaluate(time.Now().UnixMilli())
				return nil
			}
			return fault.BadRequest("unknown target type %q", job.Target.Type)
		}),
	}
	if st != nil {
		schedOpts.Store = st
	}
	scheduler := schedule.NewScheduler(schedOpts)

	if st != nil {
		if defs, err := st.LoadAlarms(); err == nil && len(defs) > 0 {
			n := alarms.Restore(defs)
			logger.Logger().Info("alarms_restored", "count", n)
		}
		if jobs, err := st.LoadJobs(); err == nil && len(jobs) > 0 {
			n := scheduler.Restore(jobs)
			logger.Logger().Info("jobs_restored", "count", n)
		}
	}

	sessions.OnEnd(func(sessionID string, reason clientsession.EndReason) {
		locks.ReleaseAllFor(sessionID)
		streams.UnsubscribeAll(sessionID)
		fleet.CancelSession(sessionID)
		usage.Forget(sessionID)
		otelMetrics.DecrementSessions(context.Background())
		if server != nil {
			server.CloseSessionLink(sessionID)
		}
	})

	collector.SetFleetProvider(fleet)
	collector.SetSessionProvider(sessions)
	collector.SetLockProvider(locks)
	collector.SetStreamProvider(streams)
	collector.SetAlarmProvider(alarms)
	collector.SetJobProvider(scheduler)

	server = gateway.NewServer(*addr, gateway.Deps{
		Fleet:          fleet,
		Locks:          locks,
		Sessions:       sessions,
		Streams:        streams,
		Alarms:         alarms,
		Scheduler:      scheduler,
		Health:         health.NewCollector(version),
		Metrics:        collector,
		Usage:          usage,
		Tracer:         tracer,
		OTel:           otelMetrics,
		Ring:           ring,
		Logger:         logger,
		LocksEnforced:  *locksEnforced,
		RequestTimeout: *requestTimeout,
	})

	sessions.Start()
	reaper.Start()
	streams.Start()
	alarms.Start()
	scheduler.Start()

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting gateway: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("LabLink gateway %s listening on %s\n", version, server.URL())
	if *backend == "mock" {
		fmt.Printf("Mock backend: %s available as mock:// resources\n", strings.Join(transport.MockEngines(), ", "))
	}
	if !*locksEnforced {
		fmt.Println("Lock enforcement disabled: any client may issue control commands")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}

	scheduler.Close()
	alarms.Close()
	streams.Close()
	reaper.Stop()
	sessions.Close()
	locks.Close()
	fleet.Close()

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error shutting down tracer: %v\n", err)
	}
	if err := otelMetrics.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error shutting down metrics exporter: %v\n", err)
	}

	fmt.Println("Gateway stopped")
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func splitResources(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
