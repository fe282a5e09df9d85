package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"ripple/internal/config"
	"ripple/internal/media"
	"ripple/internal/remote"
	"ripple/internal/ripple"
	"ripple/internal/store"
)

// RippleApp is the application layer between the CLI and the sync
// components. It constructs all dependencies from config, wires the
// connectivity monitor to the queues, and manages lifecycle on Close.
type RippleApp struct {
	cfg       *config.Config
	store     ripple.Store
	remote    ripple.Remote
	monitor   *ripple.Monitor
	queue     *ripple.Queue
	apiCache  *ripple.Cache
	chatCache *ripple.Cache
	chat      *ripple.ChatService
	media     *media.Queue

	logFile     *os.File
	cancel      context.CancelFunc
	unsubscribe func()
}

// NewRippleApp creates a fully wired RippleApp from the given config.
// passphrase unlocks the store's encryption key when encryption is
// enabled. The caller must call Close when done.
func NewRippleApp(ctx context.Context, cfg *config.Config, passphrase string) (*RippleApp, error) {
	sessionID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, sessionID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	st, err := store.NewStoreFromConfig(cfg.Store, passphrase)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}

	rem, stream, err := remote.NewFromConfig(cfg.Remote, logger)
	if err != nil {
		st.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating remote: %w", err)
	}

	monitor := ripple.NewMonitor(interfaceSource{}, &ripple.HTTPProber{}, st, ripple.MonitorOptions{
		ProbeURLs:     cfg.Connectivity.ProbeURLs,
		ProbeTimeout:  time.Duration(cfg.Connectivity.ProbeTimeoutMS) * time.Millisecond,
		CheckInterval: time.Duration(cfg.Connectivity.CheckIntervalSeconds) * time.Second,
		Logger:        logger,
	})

	queue, err := ripple.NewQueue(st, rem, monitor, ripple.QueueOptions{
		Retry:  retryPolicy(cfg.Retry),
		Logger: logger,
	})
	if err != nil {
		st.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating offline queue: %w", err)
	}

	clock := ripple.RealClock{}
	apiMaxAge := time.Duration(cfg.Cache.APIMaxAgeHours) * time.Hour
	if apiMaxAge <= 0 {
		apiMaxAge = 24 * time.Hour
	}
	chatMaxAge := time.Duration(cfg.Cache.ChatMaxAgeDays) * 24 * time.Hour
	if chatMaxAge <= 0 {
		chatMaxAge = 7 * 24 * time.Hour
	}
	apiCache := ripple.NewCache(st, clock, logger, ripple.APICachePrefix, apiMaxAge)
	// The chat cache prefix covers both per-conversation message lists
	// and the conversation index, so one sweep prunes both.
	chatCache := ripple.NewCache(st, clock, logger, "chat_", chatMaxAge)

	chat := ripple.NewChatService(queue, chatCache, rem, stream, monitor, cfg.UserID, ripple.ChatOptions{
		Logger: logger,
	})

	app := &RippleApp{
		cfg:       cfg,
		store:     st,
		remote:    rem,
		monitor:   monitor,
		queue:     queue,
		apiCache:  apiCache,
		chatCache: chatCache,
		chat:      chat,
		logFile:   logFile,
	}

	if cfg.Media.Type == "s3" {
		uploader, err := media.NewS3Uploader(ctx, cfg.Media)
		if err != nil {
			app.closePartial()
			return nil, fmt.Errorf("creating media uploader: %w", err)
		}
		mq, err := media.NewQueue(st, uploader, monitor, media.QueueOptions{Logger: logger})
		if err != nil {
			app.closePartial()
			return nil, fmt.Errorf("creating media queue: %w", err)
		}
		mq.OnResolved(queue.ResolveRef)
		app.media = mq
	}

	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.unsubscribe = monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go app.Flush(runCtx)
	})
	monitor.Start(runCtx)

	sweep := time.Duration(cfg.Cache.SweepIntervalMinutes) * time.Minute
	if sweep <= 0 {
		sweep = time.Hour
	}
	apiCache.StartSweep(sweep)
	chatCache.StartSweep(sweep)

	return app, nil
}

func retryPolicy(cfg config.RetryConfig) ripple.RetryPolicy {
	policy := ripple.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		policy.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialDelayMS > 0 {
		policy.InitialDelay = time.Duration(cfg.InitialDelayMS) * time.Millisecond
	}
	if cfg.MaxDelayMS > 0 {
		policy.MaxDelay = time.Duration(cfg.MaxDelayMS) * time.Millisecond
	}
	if cfg.Factor > 0 {
		policy.Factor = cfg.Factor
	}
	if cfg.TimeoutMS > 0 {
		policy.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return policy
}

// Queue exposes the offline write queue.
func (a *RippleApp) Queue() *ripple.Queue { return a.queue }

// Chat exposes the chat pipeline.
func (a *RippleApp) Chat() *ripple.ChatService { return a.chat }

// APICache exposes the read-through cache for feed and profile reads.
func (a *RippleApp) APICache() *ripple.Cache { return a.apiCache }

// Monitor exposes the connectivity monitor.
func (a *RippleApp) Monitor() *ripple.Monitor { return a.monitor }

// Media exposes the attachment upload queue, or nil when disabled.
func (a *RippleApp) Media() *media.Queue { return a.media }

// Remote exposes the remote collaborator for direct reads.
func (a *RippleApp) Remote() ripple.Remote { return a.remote }

// Flush drains pending attachment uploads first so queued mutations can
// pick up resolved attachment URLs, then replays the write queue.
func (a *RippleApp) Flush(ctx context.Context) error {
	if a.media != nil {
		if err := a.media.Flush(ctx); err != nil {
			return fmt.Errorf("flushing media queue: %w", err)
		}
	}
	if err := a.queue.Flush(ctx); err != nil {
		return fmt.Errorf("flushing write queue: %w", err)
	}
	return nil
}

// Recheck re-evaluates connectivity, as when the host app foregrounds.
func (a *RippleApp) Recheck(ctx context.Context) bool {
	return a.monitor.Recheck(ctx)
}

// Close stops background work and releases all resources.
func (a *RippleApp) Close() error {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.apiCache.Close()
	a.chatCache.Close()
	a.monitor.Close()

	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// closePartial releases resources during failed construction.
func (a *RippleApp) closePartial() {
	a.apiCache.Close()
	a.chatCache.Close()
	a.monitor.Close()
	a.store.Close()
	if a.logFile != nil {
		a.logFile.Close()
	}
}
