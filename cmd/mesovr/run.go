package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mesolab/mesovr/component"
	"github.com/mesolab/mesovr/datalog"
	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/hardware"
	"github.com/mesolab/mesovr/metric"
	"github.com/mesolab/mesovr/pkg/timestamp"
	"github.com/mesolab/mesovr/renderer"
	"github.com/mesolab/mesovr/runtime"
	"github.com/mesolab/mesovr/session"
)

const cycleInterval = time.Millisecond

// runSession executes one acquisition session of the given kind from
// directory creation through runtime shutdown and descriptor finalization.
func runSession(ctx context.Context, cliCfg *CLIConfig, cfg *AppConfig, kind session.Kind) error {
	p, err := session.Create(cfg.Root, session.New(cfg.Project, cfg.Animal))
	if err != nil {
		return err
	}
	sessionName := p.ID.Name()
	slog.Info("Session created", "session", sessionName, "kind", string(kind))

	// The descriptor starts out marked incomplete; a crash before Stop
	// leaves the interruption on record.
	desc := &session.Descriptor{
		Project:      cfg.Project,
		Animal:       cfg.Animal,
		Session:      sessionName,
		Kind:         kind,
		Experimenter: cliCfg.Experimenter,
		AnimalWeight: cliCfg.AnimalWeight,
		Notes:        cliCfg.Notes,
		Interrupted:  true,
	}
	if kind == session.KindExperiment {
		desc.ExperimentName = cliCfg.Experiment
	}
	if err := p.WriteDescriptor(desc); err != nil {
		return err
	}

	// Positioning carries over across days: the animal is re-mounted at the
	// coordinates its previous session ended with.
	motor, objective := previousPositions(cfg, sessionName)

	var nc *nats.Conn
	if !cliCfg.Simulate {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(appName+"-"+sessionName))
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
		}
		defer nc.Close()
	}

	logger := component.NewLogger("runtime", sessionName, nc, slog.Default())
	metrics := metric.NewRegistry()
	stopMetrics := serveMetrics(cfg.MetricsPort, metrics)
	defer stopMetrics()

	timer := timestamp.NewTimer()
	eventLog, err := datalog.NewLogger(p.Behavior(), timer)
	if err != nil {
		return err
	}
	defer eventLog.Close()

	mcfg, err := cfg.machineConfig(kind, cliCfg.Experiment)
	if err != nil {
		return err
	}

	ctrl, detachBus, sim, err := buildHardware(cliCfg, cfg, nc, eventLog, sessionName)
	if err != nil {
		return err
	}
	defer detachBus()

	var rend *renderer.Client
	if mcfg.UseRenderer {
		rend, err = buildRenderer(cliCfg, cfg, mcfg, sessionName)
		if err != nil {
			return err
		}
		defer rend.Close()
	}

	flags := runtime.NewFlags()
	if nc != nil {
		if err := flags.ListenNATS(nc, logger); err != nil {
			return err
		}
		defer func() { _ = flags.StopListening() }()
	}

	m := runtime.NewMachine(mcfg, ctrl, rend, flags, timer, logger, metrics)
	if err := m.Start(ctx); err != nil {
		return err
	}
	if sim != nil {
		defer sim.stopPulses()
	}

	if err := enterInitialState(m, kind); err != nil {
		summary := m.Stop()
		_ = finalizeSession(p, desc, cfg, kind, summary, motor, objective)
		return err
	}

	cycleErr := cycleLoop(ctx, m, flags, cfg, kind)

	summary := m.Stop()
	if err := finalizeSession(p, desc, cfg, kind, summary, motor, objective); err != nil {
		return err
	}

	slog.Info("Session finished",
		"session", sessionName,
		"distance_cm", fmt.Sprintf("%.1f", summary.DistanceCm),
		"dispensed_ul", fmt.Sprintf("%.1f", summary.DispensedUl),
		"active", time.Duration(summary.ActiveUs)*time.Microsecond,
		"paused", time.Duration(summary.PausedUs)*time.Microsecond,
		"interrupted", summary.Interrupted)

	if cycleErr != nil && !stderrors.Is(cycleErr, errors.ErrRuntimeAborted) {
		return cycleErr
	}
	return nil
}

// enterInitialState puts the machine into the kind's working state. The
// experiment sequence drives its own transitions; window checks hold idle
// while the operator inspects the imaging plane.
func enterInitialState(m *runtime.Machine, kind session.Kind) error {
	switch kind {
	case session.KindLickTraining:
		return m.LickTrain()
	case session.KindRunTraining:
		return m.RunTrain()
	default:
		return nil
	}
}

// cycleLoop drives RuntimeCycle until the session ends: sequence completion,
// training duration elapsed, operator exit, or a fatal fault. Recoverable
// faults leave the machine paused awaiting the operator and keep cycling.
func cycleLoop(ctx context.Context, m *runtime.Machine, flags *runtime.Flags, cfg *AppConfig, kind session.Kind) error {
	training := kind == session.KindLickTraining || kind == session.KindRunTraining

	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := m.RuntimeCycle(ctx); err != nil {
			if errors.IsRecoverable(err) {
				slog.Warn("Recoverable runtime fault, paused for operator", "error", err)
				continue
			}
			return err
		}

		if m.Done() {
			return nil
		}
		if training {
			// The operator can extend or shorten the session live through
			// the duration modifier flag.
			durationMin := cfg.Runtime.TrainingDurationMin + flags.DurationModifier()
			if durationMin < 1 {
				durationMin = 1
			}
			if m.ActiveElapsedUs() >= int64(durationMin)*60*1_000_000 {
				return nil
			}
		}
	}
}

// finalizeSession rewrites the descriptor with runtime totals and persists
// the hardware parameter, motor position, and objective position snapshots.
func finalizeSession(p session.Paths, desc *session.Descriptor, cfg *AppConfig, kind session.Kind,
	summary runtime.Summary, motor *session.MotorSnapshot, objective *session.ObjectiveSnapshot) error {
	desc.DispensedWaterUl = summary.DispensedUl
	desc.Interrupted = summary.Interrupted
	if err := p.WriteDescriptor(desc); err != nil {
		return err
	}

	if err := p.WriteMotorSnapshot(motor); err != nil {
		return err
	}
	if err := p.WriteObjectiveSnapshot(objective); err != nil {
		return err
	}

	screensUsed := kind == session.KindExperiment
	snapshot := &session.HardwareSnapshot{
		CmPerPulse:       &cfg.Hardware.CmPerPulse,
		ValveCalibration: cfg.Hardware.Calibration,
		ScreensUsed:      &screensUsed,
	}
	return p.WriteHardwareSnapshot(snapshot)
}

// previousPositions loads the positioning snapshots persisted by the
// animal's most recent earlier session. Zero-valued snapshots when no prior
// session recorded them (first session of a new animal).
func previousPositions(cfg *AppConfig, current string) (*session.MotorSnapshot, *session.ObjectiveSnapshot) {
	motor := &session.MotorSnapshot{}
	objective := &session.ObjectiveSnapshot{}
	names, err := session.List(cfg.Root, cfg.Project, cfg.Animal)
	if err != nil {
		return motor, objective
	}
	motorFound, objectiveFound := false, false
	for i := len(names) - 1; i >= 0 && !(motorFound && objectiveFound); i-- {
		if names[i] >= current {
			continue
		}
		prev, err := session.Open(cfg.Root, cfg.Project, cfg.Animal, names[i])
		if err != nil {
			continue
		}
		if !motorFound {
			if s, err := prev.ReadMotorSnapshot(); err == nil {
				motor, motorFound = s, true
			}
		}
		if !objectiveFound {
			if s, err := prev.ReadObjectiveSnapshot(); err == nil {
				objective, objectiveFound = s, true
			}
		}
	}
	return motor, objective
}

// buildHardware constructs the controller over the real NATS bus or the
// simulated device model.
func buildHardware(cliCfg *CLIConfig, cfg *AppConfig, nc *nats.Conn, eventLog *datalog.Logger, sessionName string) (*hardware.Controller, func(), *simDevice, error) {
	hwLogger := component.NewLogger("hardware", sessionName, nc, slog.Default())

	if cliCfg.Simulate {
		bus := hardware.NewMemoryBus()
		ctrl, err := hardware.NewController(bus, cfg.Hardware, eventLog, hwLogger)
		if err != nil {
			return nil, nil, nil, err
		}
		sim := &simDevice{ctrl: ctrl}
		bus.Handler = sim.handle
		return ctrl, func() {}, sim, nil
	}

	bus := hardware.NewNATSBus(nc)
	ctrl, err := hardware.NewController(bus, cfg.Hardware, eventLog, hwLogger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := bus.Attach(ctrl); err != nil {
		return nil, nil, nil, err
	}
	return ctrl, func() { _ = bus.Detach() }, nil, nil
}

// buildRenderer connects to the external task renderer, or to an in-process
// model that answers cue requests from the experiment's templates.
func buildRenderer(cliCfg *CLIConfig, cfg *AppConfig, mcfg runtime.Config, sessionName string) (*renderer.Client, error) {
	logger := component.NewLogger("renderer", sessionName, nil, slog.Default())

	if cliCfg.Simulate {
		loop := renderer.NewLoopback()
		cues := simulatedCueSequence(mcfg.Templates)
		loop.OnPublish(func(topic string, _ []byte) {
			if topic != renderer.TopicCueRequest {
				return
			}
			payload, err := msgpack.Marshal(cues)
			if err != nil {
				return
			}
			go loop.Inject(renderer.TopicCueResponse, payload)
		})
		return renderer.ConnectLoopback(loop, logger)
	}

	return renderer.Connect(cfg.MQTTBrokerURL, appName+"-"+sessionName, logger)
}

// simulatedCueSequence builds a decomposable corridor by cycling through the
// experiment's templates.
func simulatedCueSequence(templates []runtime.TrialTemplate) []uint8 {
	const laps = 20
	var cues []uint8
	for i := 0; i < laps; i++ {
		for _, t := range templates {
			cues = append(cues, t.Cues...)
		}
	}
	return cues
}

// simDevice models the microcontroller side of the hardware bus: it answers
// the imaging start trigger with a steady frame-pulse heartbeat.
type simDevice struct {
	ctrl *hardware.Controller

	mu   sync.Mutex
	stop chan struct{}
}

func (d *simDevice) handle(msg hardware.Message) {
	if msg.Module != hardware.SourceFrameSync {
		return
	}
	switch msg.Code {
	case hardware.CmdSyncStart:
		d.startPulses()
	case hardware.CmdSyncStop:
		d.stopPulses()
	}
}

func (d *simDevice) startPulses() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return
	}
	stop := make(chan struct{})
	d.stop = stop
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = d.ctrl.Dispatch(hardware.Message{
					Module: hardware.SourceFrameSync,
					Code:   hardware.CmdFramePulse,
				})
			}
		}
	}()
}

func (d *simDevice) stopPulses() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
}

// serveMetrics exposes the Prometheus registry; port 0 disables the endpoint.
func serveMetrics(port int, metrics *metric.Registry) func() {
	if port <= 0 {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.PrometheusRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			slog.Warn("Metrics endpoint failed", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
