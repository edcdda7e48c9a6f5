package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
	"github.com/DivinityQQ/iaq-monitor-server/internal/metrics"
	"github.com/DivinityQQ/iaq-monitor-server/internal/ota"
	"github.com/DivinityQQ/iaq-monitor-server/internal/telemetry"
)

// Config holds the broadcast cadence and the session liveness policy.
type Config struct {
	StateInterval   time.Duration
	MetricsInterval time.Duration
	HealthInterval  time.Duration
	PruneInterval   time.Duration
	LivenessTimeout time.Duration
}

// ProgressSource feeds update progress into the broadcast path.
type ProgressSource interface {
	Events() <-chan ota.ProgressEvent
	Progress() ota.ProgressEvent
}

// Broadcaster distributes telemetry snapshots and update progress to every
// active session.
//
// All broadcast work executes on a single worker goroutine, in the order it
// was enqueued. Payloads are built and serialized once per frame on that
// worker, so no broadcast-specific lock exists at all. Timers run only while
// the registry has at least one active session; they only enqueue work and
// never touch shared state themselves.
type Broadcaster struct {
	registry *Registry
	provider telemetry.Provider
	progress ProgressSource
	cfg      Config

	queue chan func()
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	timerMu   sync.Mutex
	timerStop chan struct{}
}

// NewBroadcaster wires a Broadcaster to the registry's occupancy signals.
// Call Start before registering sessions.
func NewBroadcaster(registry *Registry, provider telemetry.Provider, progress ProgressSource, cfg Config) *Broadcaster {
	if cfg.StateInterval <= 0 {
		cfg.StateInterval = time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 5 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 30 * time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 90 * time.Second
	}

	b := &Broadcaster{
		registry: registry,
		provider: provider,
		progress: progress,
		cfg:      cfg,
		queue:    make(chan func(), 64),
		stop:     make(chan struct{}),
	}
	registry.SetSignals(b.startTimers, b.stopTimers)
	return b
}

// Start launches the broadcast worker and the progress subscriber.
func (b *Broadcaster) Start() {
	b.wg.Add(2)
	go b.run()
	go b.watchProgress()
}

// Stop halts the timers and the worker, then drains the session registry.
func (b *Broadcaster) Stop() {
	b.once.Do(func() {
		b.stopTimers()
		close(b.stop)
	})
	b.wg.Wait()

	// Worker is gone; nothing sends to the clients anymore, so closing
	// them directly is safe.
	for _, c := range b.registry.ActiveClients() {
		b.registry.Remove(c.id)
		c.close()
	}
}

// AddSession wraps an upgraded connection in a Client and registers it.
// id must be unique per connection (the remote address serves).
func (b *Broadcaster) AddSession(conn *websocket.Conn, id string) error {
	return b.Register(newClient(id, conn))
}

// Register adds a connected session, starts its pumps and queues its hello
// frames: one snapshot each of state, metrics and health, plus any non-idle
// update progress.
func (b *Broadcaster) Register(c *Client) error {
	if err := b.registry.Add(c); err != nil {
		return err
	}
	go c.writePump()
	go c.readPump(b.registry.Touch, b.disconnect)

	b.enqueue(func() {
		target := []*Client{c}
		b.deliver(MsgState, b.provider.State(), target)
		if data, ok := b.provider.Power(); ok {
			b.deliver(MsgPower, data, target)
		}
		b.deliver(MsgMetrics, b.provider.Metrics(), target)
		b.deliver(MsgHealth, b.provider.Health(), target)
		if ev := b.progress.Progress(); ev.State != ota.StateIdle || ev.Error != "" {
			b.deliver(MsgOTAProgress, ev, target)
		}
	})
	return nil
}

// disconnect is the read-side teardown path: mark the slot free and hand the
// channel close to the worker, which owns all sends.
func (b *Broadcaster) disconnect(c *Client) {
	b.registry.Remove(c.id)
	b.enqueue(c.close)
}

// run executes all broadcast work sequentially, in enqueue order.
func (b *Broadcaster) run() {
	defer b.wg.Done()
	for {
		select {
		case task := <-b.queue:
			task()
		case <-b.stop:
			return
		}
	}
}

// watchProgress forwards update progress into the broadcast queue,
// deduplicated so byte-level upload progress does not flood the channel:
// only a change of state, whole-percent progress or error text is sent.
func (b *Broadcaster) watchProgress() {
	defer b.wg.Done()
	var last ota.ProgressEvent
	have := false
	for {
		select {
		case ev := <-b.progress.Events():
			if have && ev.State == last.State && int(ev.Progress) == int(last.Progress) && ev.Error == last.Error {
				continue
			}
			last, have = ev, true
			b.enqueue(func() {
				b.deliver(MsgOTAProgress, ev, b.registry.ActiveClients())
			})
		case <-b.stop:
			return
		}
	}
}

// enqueue offers a task to the worker without blocking. A full queue drops
// the task; every tick rebuilds a fresh snapshot so nothing is lost beyond
// one update.
func (b *Broadcaster) enqueue(task func()) {
	select {
	case b.queue <- task:
	case <-b.stop:
	default:
		logging.Warn("Broadcast queue full, dropping work")
	}
}

// deliver serializes one frame and fans it out. A session that cannot
// accept the frame is dead or hopelessly slow: it is removed and closed so
// it cannot stall the others.
func (b *Broadcaster) deliver(t MessageType, data any, targets []*Client) {
	raw, err := json.Marshal(Message{Type: t, Data: data})
	if err != nil {
		logging.Error("Failed to marshal broadcast frame",
			zap.String("type", string(t)),
			zap.Error(err),
		)
		return
	}

	sent := 0
	for _, c := range targets {
		if c.enqueue(raw) {
			sent++
			continue
		}
		logging.Warn("Dropping slow session", zap.String("socket_id", c.id))
		b.registry.Remove(c.id)
		c.close()
	}
	if sent > 0 {
		metrics.BroadcastFrames.WithLabelValues(string(t)).Add(float64(sent))
	}
}

// startTimers begins the periodic ticks. Fired on the registry's 0→1
// transition; until then the server does no broadcast work at all.
func (b *Broadcaster) startTimers() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if b.timerStop != nil {
		return
	}
	stop := make(chan struct{})
	b.timerStop = stop
	go b.tickLoop(stop)
	logging.Debug("Broadcast timers started")
}

// stopTimers halts the periodic ticks. Fired on the registry's 1→0
// transition and during shutdown.
func (b *Broadcaster) stopTimers() {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	if b.timerStop == nil {
		return
	}
	close(b.timerStop)
	b.timerStop = nil
	logging.Debug("Broadcast timers stopped")
}

// tickLoop owns the periodic tickers. It only enqueues work; snapshots are
// built on the worker so ticks scheduled together stay ordered.
func (b *Broadcaster) tickLoop(stop chan struct{}) {
	stateT := time.NewTicker(b.cfg.StateInterval)
	metricsT := time.NewTicker(b.cfg.MetricsInterval)
	healthT := time.NewTicker(b.cfg.HealthInterval)
	pruneT := time.NewTicker(b.cfg.PruneInterval)
	defer func() {
		stateT.Stop()
		metricsT.Stop()
		healthT.Stop()
		pruneT.Stop()
	}()

	for {
		select {
		case <-stateT.C:
			b.enqueue(b.stateTick)
		case <-metricsT.C:
			b.enqueue(b.metricsTick)
		case <-healthT.C:
			b.enqueue(b.healthTick)
		case <-pruneT.C:
			b.enqueue(b.pruneTick)
		case <-stop:
			return
		}
	}
}

// stateTick sends the state frame, immediately followed by the power frame
// when the platform reports battery data. The two always travel in this
// relative order.
func (b *Broadcaster) stateTick() {
	targets := b.registry.ActiveClients()
	if len(targets) == 0 {
		return
	}
	b.deliver(MsgState, b.provider.State(), targets)
	if data, ok := b.provider.Power(); ok {
		b.deliver(MsgPower, data, targets)
	}
}

func (b *Broadcaster) metricsTick() {
	targets := b.registry.ActiveClients()
	if len(targets) == 0 {
		return
	}
	b.deliver(MsgMetrics, b.provider.Metrics(), targets)
}

func (b *Broadcaster) healthTick() {
	targets := b.registry.ActiveClients()
	if len(targets) == 0 {
		return
	}
	b.deliver(MsgHealth, b.provider.Health(), targets)
}

// pruneTick drops sessions that stopped answering liveness probes. The
// registry only marks slots free; the sockets are closed here, outside the
// registry lock.
func (b *Broadcaster) pruneTick() {
	for _, c := range b.registry.Prune(b.cfg.LivenessTimeout) {
		c.close()
	}
}
