package ripple

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// LinkStatusSource is the connectivity collaborator: a one-shot
// snapshot plus change events from the platform's network layer.
type LinkStatusSource interface {
	Fetch(ctx context.Context) (ConnectivityState, error)
	Changes() <-chan ConnectivityState
}

// Prober actively verifies internet reachability beyond the link-layer
// signal, disambiguating "connected to a LAN with no internet" from
// genuine reachability.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber issues a HEAD request and succeeds on any response.
type HTTPProber struct {
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Independent well-known endpoints, one chosen at random per probe so no
// single host is hammered.
var defaultProbeURLs = []string{
	"https://clients3.google.com/generate_204",
	"https://www.cloudflare.com/cdn-cgi/trace",
	"https://www.apple.com/library/test/success.html",
}

// MonitorOptions configures a Monitor. Zero fields fall back to
// defaults.
type MonitorOptions struct {
	ProbeURLs     []string
	ProbeTimeout  time.Duration // default 5s
	CheckInterval time.Duration // default 30s
	Logger        Logger
	Clock         Clock
}

// Monitor tracks online/offline state and notifies subscribers on every
// transition, deduplicating raw signal noise. It persists the
// last-known state so a cold start has an immediate (possibly stale)
// answer before the first probe completes.
type Monitor struct {
	source       LinkStatusSource
	prober       Prober
	store        Store
	logger       Logger
	probeURLs    []string
	probeTimeout time.Duration
	interval     time.Duration

	mu      sync.Mutex
	online  bool
	subs    map[int]func(bool)
	nextSub int
	stopCh  chan struct{}
	stopped bool
}

// NewMonitor creates a Monitor. The persisted last-known state seeds the
// initial answer; absent that, the monitor assumes online until the
// first check says otherwise.
func NewMonitor(source LinkStatusSource, prober Prober, store Store, opts MonitorOptions) *Monitor {
	m := &Monitor{
		source:       source,
		prober:       prober,
		store:        store,
		logger:       opts.Logger,
		probeURLs:    opts.ProbeURLs,
		probeTimeout: opts.ProbeTimeout,
		interval:     opts.CheckInterval,
		online:       true,
		subs:         make(map[int]func(bool)),
		stopCh:       make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = NewNopLogger()
	}
	if len(m.probeURLs) == 0 {
		m.probeURLs = defaultProbeURLs
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = 5 * time.Second
	}
	if m.interval <= 0 {
		m.interval = 30 * time.Second
	}
	if v, ok, err := store.Get(KeyLastConnectivity); err == nil && ok {
		m.online = v == "1"
	}
	return m
}

// Start launches the background loop: periodic rechecks plus immediate
// evaluation of every link-layer change event.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Close stops the background loop. Subscribers receive no further
// notifications.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Establish a verified baseline before the first interval elapses.
	m.Recheck(ctx)

	changes := m.source.Changes()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Recheck(ctx)
		case st, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			m.apply(m.evaluate(ctx, st))
		}
	}
}

// Subscribe registers fn to run on every offline→online or online→offline
// transition. The returned function removes the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Online returns the current verified state without re-probing.
func (m *Monitor) Online(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Recheck re-evaluates connectivity immediately. The host application
// should call this when returning to the foreground.
func (m *Monitor) Recheck(ctx context.Context) bool {
	st, err := m.source.Fetch(ctx)
	if err != nil {
		m.logger.Warn("connectivity fetch failed", "error", err)
		m.apply(false)
		return false
	}
	online := m.evaluate(ctx, st)
	m.apply(online)
	return online
}

// evaluate resolves a link-layer snapshot into a definite answer,
// probing when reachability is unknown or reported false.
func (m *Monitor) evaluate(ctx context.Context, st ConnectivityState) bool {
	if !st.Connected {
		return false
	}
	if st.InternetReachable != nil && *st.InternetReachable {
		return true
	}
	url := m.probeURLs[rand.Intn(len(m.probeURLs))]
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := m.prober.Probe(pctx, url); err != nil {
		m.logger.Debug("reachability probe failed", "url", url, "error", err)
		return false
	}
	return true
}

// apply records the new state, persists it, and notifies subscribers on
// transition only.
func (m *Monitor) apply(online bool) {
	m.mu.Lock()
	if m.stopped || online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	persisted := "0"
	if online {
		persisted = "1"
	}
	if err := m.store.Set(KeyLastConnectivity, persisted); err != nil {
		m.logger.Warn("persisting connectivity state failed", "error", err)
	}

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}
