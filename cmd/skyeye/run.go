package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dj-oyu/skyeye-pipeline/internal/config"
	"github.com/dj-oyu/skyeye-pipeline/internal/detect"
	"github.com/dj-oyu/skyeye-pipeline/internal/evidence"
	"github.com/dj-oyu/skyeye-pipeline/internal/livemonitor"
	"github.com/dj-oyu/skyeye-pipeline/internal/logger"
	"github.com/dj-oyu/skyeye-pipeline/internal/metrics"
	"github.com/dj-oyu/skyeye-pipeline/internal/mission"
	"github.com/dj-oyu/skyeye-pipeline/internal/observability"
	"github.com/dj-oyu/skyeye-pipeline/internal/pipeline"
	"github.com/dj-oyu/skyeye-pipeline/internal/plan"
	"github.com/dj-oyu/skyeye-pipeline/internal/publish"
	"github.com/dj-oyu/skyeye-pipeline/internal/sampler"
	"github.com/dj-oyu/skyeye-pipeline/internal/vehicle"
	"github.com/dj-oyu/skyeye-pipeline/internal/vehicle/sim"
	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

// errNoTransport is returned when a real vehicle is requested. Only the
// simulated vehicle ships with this binary.
var errNoTransport = errors.New("no vehicle transport is built in; run with --simulate")

type runFlags struct {
	simulate          bool
	simStep           time.Duration
	planPath          string
	sourcePath        string
	vehicleAddress    string
	evidenceRoot      string
	decimation        int
	archivalThreshold float64
	liveThreshold     float64
	detector          string
	detectorCodec     string
	stopOnComplete    bool
	saveRawFrames     bool
	monitorAddr       string
	metricsAddr       string
	mqttBroker        string
	tracingExporter   string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fly the mission and record detections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(g, f, cmd.Flags())
			if err != nil {
				return err
			}
			if err := initLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSurvey(ctx, cmd, cfg, f)
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.simulate, "simulate", false, "Fly a simulated vehicle")
	fl.DurationVar(&f.simStep, "sim-step", time.Second, "Simulated time per mission item")
	fl.StringVarP(&f.planPath, "plan", "p", "", "Mission plan file")
	fl.StringVarP(&f.sourcePath, "source", "s", "", "Directory of frames, or a video file (video needs a build with -tags gocv)")
	fl.StringVar(&f.vehicleAddress, "vehicle-address", "", "Vehicle connection address")
	fl.StringVarP(&f.evidenceRoot, "evidence-root", "o", "", "Directory that receives run folders")
	fl.IntVarP(&f.decimation, "decimation", "d", 0, "Keep every n-th frame")
	fl.Float64Var(&f.archivalThreshold, "archival-threshold", 0, "Confidence above which detections are recorded")
	fl.Float64Var(&f.liveThreshold, "live-threshold", 0, "Confidence above which boxes are drawn live")
	fl.StringVar(&f.detector, "detector", "", "Detector worker command line")
	fl.StringVar(&f.detectorCodec, "detector-codec", "", "Detector wire codec (json, msgpack)")
	fl.BoolVar(&f.stopOnComplete, "stop-on-complete", true, "Stop sampling when the mission completes")
	fl.BoolVar(&f.saveRawFrames, "save-raw-frames", false, "Also persist every retained frame")
	fl.StringVar(&f.monitorAddr, "monitor-addr", "", "Serve the live monitor on this address")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fl.StringVar(&f.mqttBroker, "mqtt-broker", "", "Publish detections to this MQTT broker")
	fl.StringVar(&f.tracingExporter, "tracing", "", "Tracing exporter (stdout, otlp)")
	return cmd
}

// loadRunConfig layers defaults, the config file and explicitly set flags.
func loadRunConfig(g *globalFlags, f *runFlags, fl *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, err
	}

	set := func(name string, apply func()) {
		if fl.Changed(name) {
			apply()
		}
	}
	set("plan", func() { cfg.PlanPath = f.planPath })
	set("source", func() { cfg.SourcePath = f.sourcePath })
	set("vehicle-address", func() { cfg.VehicleAddress = f.vehicleAddress })
	set("evidence-root", func() { cfg.EvidenceRoot = f.evidenceRoot })
	set("decimation", func() { cfg.Decimation = f.decimation })
	set("archival-threshold", func() { cfg.ArchivalThreshold = f.archivalThreshold })
	set("live-threshold", func() { cfg.LiveThreshold = f.liveThreshold })
	set("detector", func() { cfg.DetectorCommand = strings.Fields(f.detector) })
	set("detector-codec", func() { cfg.DetectorCodec = f.detectorCodec })
	set("stop-on-complete", func() { cfg.StopSamplingOnMissionComplete = f.stopOnComplete })
	set("save-raw-frames", func() { cfg.SaveRawFrames = f.saveRawFrames })
	set("monitor-addr", func() { cfg.MonitorAddr = f.monitorAddr })
	set("metrics-addr", func() { cfg.MetricsAddr = f.metricsAddr })
	set("mqtt-broker", func() { cfg.MQTTBroker = f.mqttBroker })
	set("tracing", func() { cfg.TracingExporter = f.tracingExporter })
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.DetectorCommand) == 0 {
		return cfg, errors.New("invalid configuration: detector_command is required (config file or --detector)")
	}
	if !f.simulate {
		return cfg, errNoTransport
	}
	return cfg, nil
}

func runSurvey(ctx context.Context, cmd *cobra.Command, cfg config.Config, f *runFlags) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName: "skyeye",
		Exporter:    cfg.TracingExporter,
		Endpoint:    cfg.TracingEndpoint,
		SampleRatio: cfg.TracingSampleRatio,
	})
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing)

	waypoints, err := plan.Load(cfg.PlanPath)
	if err != nil {
		return err
	}
	src := sampler.NewSource(cfg.SourcePath)

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := m.NewServer(cfg.MetricsAddr)
		go func() {
			logger.Info("Main", "Serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "Metrics server error", "error", err)
			}
		}()
		defer srv.Close()
	}

	detector, err := detect.StartProcess(ctx, detect.ProcessConfig{
		Command:     cfg.DetectorCommand,
		Env:         cfg.DetectorEnv,
		Codec:       cfg.DetectorCodec,
		Timeout:     cfg.DetectorTimeout,
		JPEGQuality: cfg.JPEGQuality,
	})
	if err != nil {
		return fmt.Errorf("start detector: %w", err)
	}
	defer detector.Close()

	run, err := evidence.OpenRun(cfg.EvidenceRoot, time.Now())
	if err != nil {
		return err
	}
	defer run.Close()
	logger.Info("Main", "Run opened", "run", run.Name(), "dir", run.Dir())

	deps := pipeline.Deps{
		Vehicle: newSimVehicle(waypoints, f.simStep),
		Annotator: detect.NewAnnotator(detector, detect.Options{
			ArchivalThreshold: cfg.ArchivalThreshold,
			LiveThreshold:     cfg.LiveThreshold,
			Metrics:           m,
		}),
		Store:   evidence.NewStore(evidence.StoreOptions{JPEGQuality: cfg.JPEGQuality, Metrics: m}),
		Metrics: m,
	}

	if cfg.MonitorAddr != "" {
		lmCfg := livemonitor.DefaultConfig()
		lmCfg.Addr = cfg.MonitorAddr
		live := livemonitor.NewServer(lmCfg, m)
		live.Monitor().SetRun(run.Name())
		monitorCtx, stopMonitor := context.WithCancel(ctx)
		monitorDone := make(chan struct{})
		go func() {
			defer close(monitorDone)
			if err := live.Run(monitorCtx); err != nil {
				logger.Err("Main", "Live monitor stopped", err)
			}
		}()
		defer func() {
			stopMonitor()
			<-monitorDone
		}()
		deps.Live = live
	}

	if cfg.MQTTBroker != "" {
		pub, err := publish.Connect(ctx, publish.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, m)
		if err != nil {
			logger.Err("Main", "MQTT unavailable, publishing disabled", err, "broker", cfg.MQTTBroker)
		} else {
			defer pub.Close()
			deps.Publisher = pub
		}
	}

	coordinator := pipeline.New(pipeline.Options{
		Waypoints:                     waypoints,
		Source:                        src,
		Decimation:                    cfg.Decimation,
		StopSamplingOnMissionComplete: cfg.StopSamplingOnMissionComplete,
		Preflight: &vehicle.PreflightOptions{
			Address:          cfg.VehicleAddress,
			ConnectTimeout:   cfg.ConnectTimeout,
			ReadinessTimeout: cfg.ReadinessTimeout,
			SettleDelay:      cfg.TakeoffSettleDelay,
		},
		Mission: mission.Options{
			UploadSettleDelay: cfg.UploadSettleDelay,
			PollInterval:      cfg.ProgressPollInterval,
			StallTimeout:      cfg.ProgressStallTimeout,
		},
		FirstFixTimeout: cfg.FirstFixTimeout,
		SaveRawFrames:   cfg.SaveRawFrames,
		RawFrameBuffer:  cfg.RawFrameBuffer,
	}, deps)

	out, err := coordinator.Run(ctx, run)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{
		"run":      run.Status(),
		"mission":  out.Completed,
		"frames":   out.FramesProcessed,
		"records":  out.Records,
		"failures": map[string]uint64{"store": out.StoreFailures, "detector": out.DetectorErrors, "publish": out.PublishFailures},
	}); err != nil {
		return err
	}
	return out.Err()
}

// newSimVehicle starts the simulated vehicle at the first located waypoint.
func newSimVehicle(waypoints []types.Waypoint, step time.Duration) vehicle.Vehicle {
	var home types.Position
	for _, wp := range waypoints {
		if wp.Kind != types.ReturnToLaunch {
			home = types.Position{Latitude: wp.Lat, Longitude: wp.Lon}
			break
		}
	}
	return sim.New(sim.Options{Home: home, StepInterval: step})
}
