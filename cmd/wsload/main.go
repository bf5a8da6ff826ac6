// wsload drives sustained WebSocket load against a running screener
// gateway: ramp to a target connection count, subscribe each client, hold
// the load and report delivery rates alongside the server's own /health
// view.
//
// The gateway admits at most 5 connects per second per source IP, so
// ramp rates above that need several client hosts or a raised limit on
// the server side.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

type config struct {
	wsURL           string
	healthURL       string
	target          int
	rampRate        int // connections per second
	sustain         time.Duration
	reportInterval  time.Duration
	healthInterval  time.Duration
	channels        []string
	mode            string // all, single, random
	perClient       int
	dialTimeout     time.Duration
	pingInterval    time.Duration
}

type counters struct {
	active        atomic.Int64
	created       atomic.Int64
	failed        atomic.Int64
	frames        atomic.Int64
	errors        atomic.Int64
	subsSent      atomic.Int64
	subsConfirmed atomic.Int64
}

// healthView is the slice of the gateway's /health body the reporter
// cares about.
type healthView struct {
	Status string `json:"status"`
	Hub    struct {
		Clients       int `json:"clients"`
		Subscriptions int `json:"subscriptions"`
	} `json:"hub"`
	Process struct {
		MemoryBytes uint64  `json:"memoryBytes"`
		CPUPercent  float64 `json:"cpuPercent"`
	} `json:"process"`
}

type serverFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Channel string          `json:"channel"`
}

func main() {
	cfg := parseFlags()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	logger.Info().
		Str("url", cfg.wsURL).
		Int("target", cfg.target).
		Int("ramp_rate", cfg.rampRate).
		Dur("sustain", cfg.sustain).
		Str("mode", cfg.mode).
		Strs("channels", cfg.channels).
		Msg("Starting load test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn().Msg("Interrupted, shutting down")
		cancel()
	}()

	var state counters
	var lastHealth atomic.Pointer[healthView]

	if h, err := fetchHealth(cfg.healthURL); err != nil {
		logger.Fatal().Err(err).Msg("Initial health check failed")
	} else {
		lastHealth.Store(h)
		logger.Info().Str("server_status", h.Status).Msg("Server reachable")
	}

	go pollHealth(ctx, cfg, &lastHealth, logger)
	start := time.Now()
	go report(ctx, cfg, &state, &lastHealth, start, logger)

	var wg sync.WaitGroup
	ramp(ctx, cfg, &state, &wg, logger)

	if ctx.Err() == nil {
		logger.Info().
			Int64("active", state.active.Load()).
			Dur("sustain", cfg.sustain).
			Msg("Ramp complete, sustaining")
		select {
		case <-time.After(cfg.sustain):
		case <-ctx.Done():
		}
	}

	cancel()
	wg.Wait()
	printFinal(&state, &lastHealth, time.Since(start), logger)
}

func parseFlags() *config {
	cfg := &config{}
	flag.StringVar(&cfg.wsURL, "url", "ws://localhost:8080/ws", "WebSocket endpoint")
	flag.StringVar(&cfg.healthURL, "health", "http://localhost:8080/health", "Health endpoint")
	flag.IntVar(&cfg.target, "connections", 100, "Target connection count")
	flag.IntVar(&cfg.rampRate, "ramp-rate", 5, "Connections opened per second")
	flag.DurationVar(&cfg.sustain, "sustain", 5*time.Minute, "How long to hold the load after ramp")
	flag.DurationVar(&cfg.reportInterval, "report-interval", 10*time.Second, "Progress report cadence")
	flag.DurationVar(&cfg.healthInterval, "health-interval", 5*time.Second, "Server health poll cadence")
	flag.DurationVar(&cfg.dialTimeout, "dial-timeout", 10*time.Second, "Per-connection dial timeout")
	flag.DurationVar(&cfg.pingInterval, "ping-interval", 15*time.Second, "Client ping cadence")
	channels := flag.String("channels", "tokens,alerts,market", "Comma-separated channels to subscribe")
	flag.StringVar(&cfg.mode, "mode", "all", "Subscription mode: all, single, random")
	flag.IntVar(&cfg.perClient, "channels-per-client", 2, "Channels per client in random mode")
	flag.Parse()

	for _, ch := range strings.Split(*channels, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			cfg.channels = append(cfg.channels, ch)
		}
	}
	return cfg
}

// ramp opens connections in one-second batches until the target is
// reached or the context ends.
func ramp(ctx context.Context, cfg *config, state *counters, wg *sync.WaitGroup, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	id := 0
	for state.created.Load() < int64(cfg.target) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i := 0; i < cfg.rampRate && state.created.Load() < int64(cfg.target); i++ {
			state.created.Add(1)
			clientID := id
			id++
			wg.Add(1)
			go func() {
				defer wg.Done()
				runClient(ctx, cfg, state, clientID, logger)
			}()
		}
	}
}

// runClient owns one connection for its whole lifetime: dial, subscribe,
// read frames, ping until the context ends.
func runClient(ctx context.Context, cfg *config, state *counters, id int, logger zerolog.Logger) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.dialTimeout)
	conn, _, _, err := ws.Dial(dialCtx, cfg.wsURL)
	cancel()
	if err != nil {
		state.failed.Add(1)
		logger.Debug().Err(err).Int("client", id).Msg("Dial failed")
		return
	}
	defer conn.Close()
	state.active.Add(1)
	defer state.active.Add(-1)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// The read loop and the pinger both write to the connection.
	var writeMu sync.Mutex
	write := func(v any) error {
		msg, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsutil.WriteClientMessage(conn, ws.OpText, msg)
	}

	subscribed := false
	pinger := time.NewTicker(cfg.pingInterval)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pinger.C:
				if err := write(map[string]string{"type": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			if ctx.Err() == nil {
				state.errors.Add(1)
			}
			return
		}
		if op != ws.OpText {
			continue
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			state.errors.Add(1)
			continue
		}
		switch f.Type {
		case "welcome":
			if !subscribed {
				subscribed = true
				if err := write(map[string]any{
					"type":     "subscribe",
					"channels": pickChannels(cfg, id),
				}); err != nil {
					return
				}
				state.subsSent.Add(1)
			}
		case "subscription_ack":
			state.subsConfirmed.Add(1)
		case "pong", "unsubscription_ack":
		case "error":
			state.errors.Add(1)
		default:
			state.frames.Add(1)
		}
	}
}

func pickChannels(cfg *config, id int) []string {
	if len(cfg.channels) == 0 {
		return nil
	}
	switch cfg.mode {
	case "single":
		return []string{cfg.channels[id%len(cfg.channels)]}
	case "random":
		n := cfg.perClient
		if n > len(cfg.channels) {
			n = len(cfg.channels)
		}
		perm := rand.Perm(len(cfg.channels))
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, cfg.channels[perm[i]])
		}
		return out
	default:
		return cfg.channels
	}
}

func fetchHealth(url string) (*healthView, error) {
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var h healthView
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	return &h, nil
}

func pollHealth(ctx context.Context, cfg *config, last *atomic.Pointer[healthView], logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h, err := fetchHealth(cfg.healthURL)
			if err != nil {
				logger.Warn().Err(err).Msg("Health poll failed")
				continue
			}
			last.Store(h)
		}
	}
}

func report(ctx context.Context, cfg *config, state *counters, last *atomic.Pointer[healthView],
	start time.Time, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			ev := logger.Info().
				Int64("active", state.active.Load()).
				Int64("created", state.created.Load()).
				Int64("failed", state.failed.Load()).
				Int64("frames", state.frames.Load()).
				Float64("frames_per_sec", float64(state.frames.Load())/elapsed).
				Int64("subs_confirmed", state.subsConfirmed.Load()).
				Int64("errors", state.errors.Load())
			if h := last.Load(); h != nil {
				ev = ev.Str("server_status", h.Status).
					Int("server_clients", h.Hub.Clients).
					Float64("server_cpu", h.Process.CPUPercent)
			}
			ev.Msg("Progress")
		}
	}
}

func printFinal(state *counters, last *atomic.Pointer[healthView], elapsed time.Duration, logger zerolog.Logger) {
	created := state.created.Load()
	failed := state.failed.Load()
	rate := 100.0
	if created > 0 {
		rate = float64(created-failed) / float64(created) * 100
	}
	ev := logger.Info().
		Dur("elapsed", elapsed).
		Int64("created", created).
		Int64("failed", failed).
		Float64("connect_success_pct", rate).
		Int64("frames", state.frames.Load()).
		Int64("subs_sent", state.subsSent.Load()).
		Int64("subs_confirmed", state.subsConfirmed.Load()).
		Int64("errors", state.errors.Load())
	if h := last.Load(); h != nil {
		ev = ev.Str("server_status", h.Status)
	}
	ev.Msg("Load test finished")
}
