// Package supervisor implements the core event loop described in
// SPEC_FULL.md §4.G: the Starting→Running→Stopping state machine that owns
// the device table, spawns and reaps the detector and device children,
// routes their IPC messages, and drives the OSC control surface and the
// notification broker.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wrl/serialosc/ipc"
	"github.com/wrl/serialosc/lalog"
	"github.com/wrl/serialosc/metrics"
	"github.com/wrl/serialosc/notify"
	"github.com/wrl/serialosc/osc"
	"github.com/wrl/serialosc/subprocess"
)

// Config carries every value the supervisor needs to start. The detector
// child resolves its own device-node glob patterns from config.Bootstrap
// when it starts; the supervisor never passes them down.
type Config struct {
	// OSCPort is the UDP port the OSC control surface listens on.
	OSCPort int
	// ExecutablePath overrides the binary re-spawned for children. Left
	// empty, the manager resolves os.Executable() itself. Tests set this to
	// a small stand-in process.
	ExecutablePath string
}

// record is the supervisor's private view of one device child; it is never
// shared outside the event loop goroutine.
type record struct {
	child     *subprocess.Child
	serial    string
	friendly  string
	port      int
	ready     bool
	announced bool
}

type deviceEvent struct {
	child *subprocess.Child
	msg   ipc.Message
	err   error
}

type detectorEvent struct {
	msg ipc.Message
	err error
}

type childExitEvent struct {
	child *subprocess.Child
	err   error
}

// Supervisor owns one event loop and its device table. Construct with New
// and drive it with Run.
type Supervisor struct {
	cfg Config

	manager *subprocess.Manager
	broker  *notify.Broker
	surface *osc.Surface
	metrics *metrics.Registry
	logger  lalog.Logger

	mutex       sync.Mutex
	devices     map[*subprocess.Child]*record
	seenDevnode map[string]bool
	detectorChd *subprocess.Child

	detectorEvents chan detectorEvent
	deviceEvents   chan deviceEvent
	childExits     chan childExitEvent
}

// New constructs a Supervisor. Call Run to start it.
func New(cfg Config) *Supervisor {
	if cfg.OSCPort == 0 {
		cfg.OSCPort = 12002
	}
	manager := subprocess.NewManager()
	manager.ExecutablePath = cfg.ExecutablePath
	return &Supervisor{
		cfg:            cfg,
		manager:        manager,
		broker:         notify.New(),
		metrics:        metrics.New(),
		logger:         lalog.Logger{ComponentName: "supervisor.Supervisor"},
		devices:        make(map[*subprocess.Child]*record),
		seenDevnode:    make(map[string]bool),
		detectorEvents: make(chan detectorEvent, 16),
		deviceEvents:   make(chan deviceEvent, 64),
		childExits:     make(chan childExitEvent, 64),
	}
}

// Metrics returns the supervisor's Prometheus registry for an embedding
// caller to register with its own prometheus.Registerer.
func (sv *Supervisor) Metrics() *metrics.Registry {
	return sv.metrics
}

// Run executes Starting, then blocks running Running until ctx is
// cancelled, then executes Stopping. It returns a non-zero-worthy error on
// any startup failure (§6.5); a nil return always means a clean shutdown.
func (sv *Supervisor) Run(ctx context.Context) error {
	if err := sv.start(ctx); err != nil {
		return err
	}
	sv.runLoop(ctx)
	sv.stop()
	return nil
}

func (sv *Supervisor) start(ctx context.Context) error {
	surface, err := osc.Listen(sv.cfg.OSCPort)
	if err != nil {
		return fmt.Errorf("supervisor.start: cannot start OSC surface - %w", err)
	}
	sv.surface = surface
	go surface.Run(ctx)

	detectorChild, err := sv.manager.Spawn(subprocess.KindDetector, "-d", func(child *subprocess.Child, err error) {
		sv.childExits <- childExitEvent{child: child, err: err}
	})
	if err != nil {
		surface.Close()
		return fmt.Errorf("supervisor.start: cannot spawn detector - %w", err)
	}
	sv.detectorChd = detectorChild
	sv.pumpDetectorPipe(detectorChild)

	sv.logger.Info("start", nil, "supervisor is running, OSC surface on port %d", sv.cfg.OSCPort)
	return nil
}

func (sv *Supervisor) detectorHandle() *subprocess.Child {
	sv.mutex.Lock()
	defer sv.mutex.Unlock()
	return sv.detectorChd
}

func (sv *Supervisor) isDetector(child *subprocess.Child) bool {
	return child == sv.detectorHandle()
}

// pumpDetectorPipe reads decoded IPC messages from the detector's pipe on a
// dedicated goroutine and forwards them to the event loop over a channel; it
// never touches supervisor state directly (§5).
func (sv *Supervisor) pumpDetectorPipe(child *subprocess.Child) {
	go func() {
		for {
			msg, err := ipc.Decode(child.Pipe)
			if err != nil {
				sv.detectorEvents <- detectorEvent{err: err}
				return
			}
			sv.detectorEvents <- detectorEvent{msg: msg}
		}
	}()
}

// pumpDevicePipe is the same reader idiom as pumpDetectorPipe, scoped to one
// device child.
func (sv *Supervisor) pumpDevicePipe(child *subprocess.Child) {
	go func() {
		for {
			msg, err := ipc.Decode(child.Pipe)
			if err != nil {
				sv.deviceEvents <- deviceEvent{child: child, err: err}
				return
			}
			sv.deviceEvents <- deviceEvent{child: child, msg: msg}
		}
	}()
}

// runLoop is the cooperative event loop (§5): each iteration blocks for the
// first ready event, then drains every event already buffered so the rest
// of this turn's callbacks run before the end-of-turn notification drain.
func (sv *Supervisor) runLoop(ctx context.Context) {
	requests := sv.surface.Requests()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sv.detectorEvents:
			sv.handleDetectorEvent(e)
		case e := <-sv.deviceEvents:
			sv.handleDeviceEvent(e)
		case e := <-sv.childExits:
			sv.handleChildExit(e)
		case r, ok := <-requests:
			if !ok {
				// the surface has shut down its read loop; stop selecting
				// this case so a closed channel doesn't spin the loop.
				requests = nil
				continue
			}
			sv.handleRequest(r)
		}
		requests = sv.drainBuffered(ctx, requests)
		sv.broker.DrainIfSent()
	}
}

func (sv *Supervisor) drainBuffered(ctx context.Context, requests <-chan osc.Request) <-chan osc.Request {
	for {
		select {
		case e := <-sv.detectorEvents:
			sv.handleDetectorEvent(e)
		case e := <-sv.deviceEvents:
			sv.handleDeviceEvent(e)
		case e := <-sv.childExits:
			sv.handleChildExit(e)
		case r, ok := <-requests:
			if !ok {
				requests = nil
				continue
			}
			sv.handleRequest(r)
		case <-ctx.Done():
			return requests
		default:
			return requests
		}
	}
}

func (sv *Supervisor) handleDetectorEvent(e detectorEvent) {
	if e.err != nil {
		if errors.Is(e.err, ipc.ErrMalformed) {
			// a corrupt pipe is fatal to the child that produced it
			sv.logger.Warning("handleDetectorEvent", e.err, "corrupt IPC pipe, killing detector")
			if detectorChd := sv.detectorHandle(); detectorChd != nil {
				if err := detectorChd.Kill(); err != nil {
					sv.logger.MaybeMinorError(err)
				}
			}
			return
		}
		sv.logger.MaybeMinorError(e.err)
		return
	}
	if e.msg.Type != ipc.TypeDeviceConnection {
		sv.logger.Warning("handleDetectorEvent", nil, "protocol violation: detector sent %s", e.msg.Type)
		return
	}
	sv.handleConnection(e.msg.Devnode)
}

func (sv *Supervisor) handleConnection(devnode string) {
	sv.metrics.IPCMessagesTotal.WithLabelValues(ipc.TypeDeviceConnection.String(), "detector").Inc()

	child, err := sv.manager.Spawn(subprocess.KindDevice, devnode, func(child *subprocess.Child, err error) {
		sv.childExits <- childExitEvent{child: child, err: err}
	})
	if err != nil {
		sv.logger.Warning(devnode, err, "failed to spawn device subprocess")
		return
	}

	sv.mutex.Lock()
	sv.devices[child] = &record{child: child}
	if sv.seenDevnode[devnode] {
		sv.metrics.SubprocessRestarts.Inc()
	}
	sv.seenDevnode[devnode] = true
	sv.mutex.Unlock()
	sv.metrics.DevicesConnected.Set(float64(sv.DeviceCount()))

	sv.pumpDevicePipe(child)
}

func (sv *Supervisor) handleDeviceEvent(e deviceEvent) {
	if e.err != nil {
		if errors.Is(e.err, ipc.ErrMalformed) {
			// a corrupt pipe is fatal to the child that produced it; its exit
			// then reaches handleChildExit like any other
			sv.logger.Warning(e.child.Arg, e.err, "corrupt IPC pipe, killing device child")
			if err := e.child.Kill(); err != nil {
				sv.logger.MaybeMinorError(err)
			}
			return
		}
		sv.logger.MaybeMinorError(e.err)
		return
	}

	sv.mutex.Lock()
	rec, ok := sv.devices[e.child]
	sv.mutex.Unlock()
	if !ok {
		return
	}

	sv.metrics.IPCMessagesTotal.WithLabelValues(e.msg.Type.String(), "device").Inc()

	switch e.msg.Type {
	case ipc.TypeOscPortChange:
		sv.mutex.Lock()
		rec.port = int(e.msg.Port)
		sv.mutex.Unlock()
	case ipc.TypeDeviceInfo:
		sv.mutex.Lock()
		rec.serial = e.msg.Serial
		rec.friendly = e.msg.Friendly
		sv.mutex.Unlock()
	case ipc.TypeDeviceReady:
		sv.mutex.Lock()
		rec.ready = true
		alreadyAnnounced := rec.announced
		rec.announced = true
		serial, friendly, port := rec.serial, rec.friendly, rec.port
		sv.mutex.Unlock()
		if !alreadyAnnounced {
			sv.announce("add", sv.surface.NotifyAdd, serial, friendly, port)
		}
	case ipc.TypeDeviceDisconnection:
		// no-op; the child-exit callback is authoritative (§9).
	case ipc.TypeDeviceConnection:
		sv.logger.Warning(e.child.Arg, nil, "protocol violation: device sent DeviceConnection")
	}
}

type notifyFunc func(host string, port int, serial, friendly string, oscPort int) error

// announce sends one notification to every pending subscriber and marks the
// broker as having sent this turn, per §4.F's pending-subscriber semantics.
func (sv *Supervisor) announce(kind string, send notifyFunc, serial, friendly string, port int) {
	for _, sub := range sv.broker.Pending() {
		if err := send(sub.Host, sub.Port, serial, friendly, port); err != nil {
			sv.logger.MaybeMinorError(err)
		}
	}
	sv.metrics.NotificationsTotal.WithLabelValues(kind).Inc()
	sv.broker.MarkSent()
}

func (sv *Supervisor) handleChildExit(e childExitEvent) {
	if e.child == nil {
		return
	}
	if sv.isDetector(e.child) {
		sv.logger.Warning(nil, e.err, "detector exited; no further hotplug arrivals will be reported")
		e.child.Close()
		return
	}

	sv.mutex.Lock()
	rec, ok := sv.devices[e.child]
	if ok {
		delete(sv.devices, e.child)
	}
	sv.mutex.Unlock()
	if !ok {
		return
	}

	if e.err != nil {
		if tail := e.child.StderrTail(); tail != "" {
			sv.logger.Warning(e.child.Arg, e.err, "device child exited, stderr tail: %s", tail)
		} else {
			sv.logger.MaybeMinorError(e.err)
		}
	}

	if rec.announced {
		sv.announce("remove", sv.surface.NotifyRemove, rec.serial, rec.friendly, rec.port)
	}
	sv.metrics.DevicesConnected.Set(float64(sv.DeviceCount()))
	e.child.Close()
}

func (sv *Supervisor) handleRequest(r osc.Request) {
	switch r.Kind {
	case osc.RequestList:
		sv.mutex.Lock()
		var ready []*record
		for _, rec := range sv.devices {
			if rec.ready {
				ready = append(ready, rec)
			}
		}
		sv.mutex.Unlock()
		for _, rec := range ready {
			if err := sv.surface.ReplyDevice(r.Host, r.Port, rec.serial, rec.friendly, rec.port); err != nil {
				sv.logger.MaybeMinorError(err)
			}
		}
	case osc.RequestNotify:
		sv.broker.Subscribe(r.Host, r.Port)
	}
}

func (sv *Supervisor) stop() {
	sv.mutex.Lock()
	detectorChd := sv.detectorChd
	var deviceChildren []*subprocess.Child
	for _, rec := range sv.devices {
		deviceChildren = append(deviceChildren, rec.child)
	}
	sv.mutex.Unlock()

	if detectorChd != nil {
		detectorChd.Close()
	}
	for _, child := range deviceChildren {
		child.Close()
	}
	sv.manager.KillAll()
	if sv.surface != nil {
		sv.surface.Close()
	}
	sv.logger.Info("stop", nil, "supervisor has shut down")
}

// DeviceCount returns the number of device children currently tracked,
// ready or not. Exposed for tests and for wiring into the metrics gauge.
func (sv *Supervisor) DeviceCount() int {
	sv.mutex.Lock()
	defer sv.mutex.Unlock()
	return len(sv.devices)
}
