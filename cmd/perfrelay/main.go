package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/babelrelay/internal/audio"
	"github.com/ent0n29/babelrelay/internal/protocol"
)

type options struct {
	baseURL     string
	clients     int
	turns       int
	source      string
	target      string
	wavPath     string
	toneMS      int
	sampleRate  int
	turnTimeout time.Duration
	verbose     bool
}

type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type errorPayload struct {
	Message string `json:"message"`
	Stage   string `json:"stage"`
}

// turnTiming is one audio_data round trip.
type turnTiming struct {
	toResult time.Duration
	toAudio  time.Duration
	failed   string
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfrelay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfrelay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	flag.IntVar(&cfg.clients, "clients", 4, "concurrent websocket clients")
	flag.IntVar(&cfg.turns, "turns", 5, "audio payloads sent by each client")
	flag.StringVar(&cfg.source, "source", "en", "source language code")
	flag.StringVar(&cfg.target, "target", "es", "target language code")
	flag.StringVar(&cfg.wavPath, "wav", "", "WAV file to send (default: synthetic tone)")
	flag.IntVar(&cfg.toneMS, "tone-ms", 600, "synthetic tone length in milliseconds")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "synthetic tone sample rate")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for each result in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print every turn")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.clients <= 0 || cfg.turns <= 0 {
		return options{}, fmt.Errorf("clients and turns must be > 0")
	}
	if cfg.toneMS < 10 {
		return options{}, fmt.Errorf("tone-ms must be >= 10")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	payload, err := loadPayload(cfg)
	if err != nil {
		return fmt.Errorf("prepare audio: %w", err)
	}
	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var (
		mu      sync.Mutex
		timings []turnTiming
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.clients; i++ {
		client := i + 1
		g.Go(func() error {
			got, err := runClient(ctx, wsURL, cfg, payload, client)
			mu.Lock()
			timings = append(timings, got...)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("client %d: %w", client, err)
			}
			return nil
		})
	}
	err = g.Wait()

	fmt.Print(summarize(timings))
	return err
}

func loadPayload(cfg options) (string, error) {
	var raw []byte
	if cfg.wavPath != "" {
		b, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return "", err
		}
		if _, err := audio.DecodeWAV(b); err != nil {
			return "", err
		}
		raw = b
	} else {
		pcm := audio.Tone(cfg.sampleRate, 440, time.Duration(cfg.toneMS)*time.Millisecond, 0.4)
		b, err := audio.EncodeWAVPCM16LE(pcm, cfg.sampleRate)
		if err != nil {
			return "", err
		}
		raw = b
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func runClient(ctx context.Context, wsURL string, cfg options, payload string, client int) ([]turnTiming, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := await(conn, cfg.turnTimeout, protocol.EventConnected); err != nil {
		return nil, err
	}
	if err := send(conn, protocol.EventSetLanguages, map[string]string{"source": cfg.source, "target": cfg.target}); err != nil {
		return nil, err
	}
	if _, err := await(conn, cfg.turnTimeout, protocol.EventLanguagesUpdated); err != nil {
		return nil, err
	}

	timings := make([]turnTiming, 0, cfg.turns)
	for turn := 1; turn <= cfg.turns; turn++ {
		start := time.Now()
		if err := send(conn, protocol.EventAudioData, map[string]string{"audio": payload}); err != nil {
			return timings, err
		}

		var tt turnTiming
		env, err := await(conn, cfg.turnTimeout, protocol.EventTranslation, protocol.EventError)
		if err != nil {
			return timings, fmt.Errorf("turn %d: %w", turn, err)
		}
		if env.Event == string(protocol.EventError) {
			var p errorPayload
			_ = json.Unmarshal(env.Data, &p)
			tt.failed = p.Stage
			if cfg.verbose {
				fmt.Fprintf(os.Stderr, "perfrelay: client=%d turn=%d error stage=%s message=%s\n", client, turn, p.Stage, p.Message)
			}
			timings = append(timings, tt)
			continue
		}
		tt.toResult = time.Since(start)

		if _, err := await(conn, cfg.turnTimeout, protocol.EventTranslatedAudio); err != nil {
			return timings, fmt.Errorf("turn %d: %w", turn, err)
		}
		tt.toAudio = time.Since(start)
		timings = append(timings, tt)
		if cfg.verbose {
			fmt.Printf("perfrelay: client=%d turn=%d result=%s audio=%s\n", client, turn, tt.toResult, tt.toAudio)
		}
	}
	return timings, nil
}

func send(conn *websocket.Conn, event protocol.EventName, data any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(map[string]any{"event": event, "data": data})
}

// await reads frames until one of the wanted events arrives.
func await(conn *websocket.Conn, timeout time.Duration, want ...protocol.EventName) (wsEnvelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return wsEnvelope{}, fmt.Errorf("await %v: %w", want, err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if slices.Contains(want, protocol.EventName(env.Event)) {
			return env, nil
		}
		if env.Event == string(protocol.EventError) {
			var p errorPayload
			_ = json.Unmarshal(env.Data, &p)
			return env, errors.New(p.Stage + ": " + p.Message)
		}
	}
}

func summarize(timings []turnTiming) string {
	var results, audios []time.Duration
	failures := map[string]int{}
	for _, t := range timings {
		if t.failed != "" {
			failures[t.failed]++
			continue
		}
		results = append(results, t.toResult)
		audios = append(audios, t.toAudio)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "perfrelay: turns=%d ok=%d failed=%d\n", len(timings), len(results), len(timings)-len(results))
	if len(results) > 0 {
		fmt.Fprintf(&b, "perfrelay: translation_result p50=%s p95=%s max=%s\n",
			percentile(results, 50), percentile(results, 95), percentile(results, 100))
		fmt.Fprintf(&b, "perfrelay: translated_audio   p50=%s p95=%s max=%s\n",
			percentile(audios, 50), percentile(audios, 95), percentile(audios, 100))
	}
	stages := make([]string, 0, len(failures))
	for stage := range failures {
		stages = append(stages, stage)
	}
	slices.Sort(stages)
	for _, stage := range stages {
		fmt.Fprintf(&b, "perfrelay: failures stage=%s count=%d\n", stage, failures[stage])
	}
	return b.String()
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []time.Duration, p int) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1].Round(time.Millisecond)
}
