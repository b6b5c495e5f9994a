// Package netmon produces the canonical online/offline/quality signal.
//
// Platform connectivity events are unreliable on their own, so the
// monitor combines passive reports with a periodic active probe against
// a lightweight health endpoint; the probe result always overrides the
// passive signal. The monitor never errors: an unreachable probe
// resolves to "offline".
package netmon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Quality buckets round-trip latency to the health endpoint.
type Quality int

const (
	QualityGood Quality = iota
	QualitySlow
	QualityPoor
)

// String returns the quality bucket name.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualitySlow:
		return "slow"
	case QualityPoor:
		return "poor"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// Latency thresholds for the quality buckets.
const (
	goodThreshold = 500 * time.Millisecond
	slowThreshold = 2000 * time.Millisecond
)

// State is the current network signal.
type State struct {
	Online         bool
	Quality        Quality
	LastTransition time.Time
}

// Config holds monitor configuration.
type Config struct {
	// HealthURL is the lightweight endpoint the active probe hits.
	HealthURL string

	// ProbeInterval is how often to probe (default: 30s).
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe (default: 5s). A timed-out
	// probe means offline, not an error.
	ProbeTimeout time.Duration

	// HTTPClient overrides the probe client, mainly for tests.
	HTTPClient *http.Client

	// Logger for monitor activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given health endpoint.
func DefaultConfig(healthURL string) *Config {
	return &Config{
		HealthURL:     healthURL,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Logger:        log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor owns the canonical network state.
type Monitor struct {
	cfg    *Config
	client *http.Client
	logger *log.Logger

	mu       sync.Mutex
	state    State
	onOnline []func()
	firing   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. The initial state is offline until the first
// probe or passive report says otherwise.
func New(cfg *Config) (*Monitor, error) {
	if cfg == nil || cfg.HealthURL == "" {
		return nil, fmt.Errorf("health URL is required")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.ProbeTimeout}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger,
		state:  State{Online: false, Quality: QualityPoor},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// OnOnline registers a callback fired exactly once per offline→online
// transition. Callbacks run sequentially outside the state lock and are
// never invoked reentrantly.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// State returns the current network state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online is a convenience accessor for State().Online.
func (m *Monitor) Online() bool {
	return m.State().Online
}

// Start launches the probe loop. Non-blocking; Stop shuts it down.
// An immediate probe runs before the first tick so startup does not
// wait a full interval for a trustworthy signal.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.Probe(ctx)

		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Probe performs one active health check and updates the state.
//
// Never returns an error: any failure, non-2xx status or timeout
// resolves to offline.
func (m *Monitor) Probe(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.cfg.HealthURL, nil)
	if err != nil {
		m.setState(false, QualityPoor)
		return m.State()
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	rtt := time.Since(start)
	if err != nil {
		m.setState(false, QualityPoor)
		return m.State()
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.setState(false, QualityPoor)
		return m.State()
	}

	m.setState(true, qualityForRTT(rtt))
	return m.State()
}

// ReportOnline feeds a passive platform "online" signal into the
// monitor. The next probe overrides it.
func (m *Monitor) ReportOnline() {
	m.setState(true, QualityGood)
}

// ReportOffline feeds a passive platform "offline" signal into the
// monitor. The next probe overrides it.
func (m *Monitor) ReportOffline() {
	m.setState(false, QualityPoor)
}

// setState records the new signal and fires the online callbacks on an
// offline→online transition. The firing flag stops a callback that
// itself reports state from re-triggering the callbacks.
func (m *Monitor) setState(online bool, quality Quality) {
	m.mu.Lock()
	transitioned := online && !m.state.Online
	if online != m.state.Online {
		m.state.LastTransition = time.Now()
	}
	m.state.Online = online
	m.state.Quality = quality

	var callbacks []func()
	if transitioned && !m.firing {
		m.firing = true
		callbacks = append(callbacks, m.onOnline...)
	}
	m.mu.Unlock()

	if callbacks == nil {
		return
	}
	for _, fn := range callbacks {
		fn()
	}
	m.mu.Lock()
	m.firing = false
	m.mu.Unlock()

	if transitioned {
		m.logger.Printf("Network transitioned online (quality=%s)", quality)
	}
}

func qualityForRTT(rtt time.Duration) Quality {
	switch {
	case rtt < goodThreshold:
		return QualityGood
	case rtt < slowThreshold:
		return QualitySlow
	default:
		return QualityPoor
	}
}
