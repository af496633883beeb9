// Command sse-load holds many event streams open against a running server
// and reports how many frames of each kind arrived.
package main

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type settings struct {
	StreamURL   string        `mapstructure:"stream_url"`
	Connections int           `mapstructure:"sse_connections"`
	Duration    time.Duration `mapstructure:"duration"`
	Bearer      string        `mapstructure:"test_bearer"`
	Silence     time.Duration `mapstructure:"silence_limit"`
}

func loadSettings() (settings, error) {
	v := viper.New()
	v.SetDefault("stream_url", "http://localhost:8080/stream")
	v.SetDefault("sse_connections", 200)
	v.SetDefault("duration", "2m")
	v.SetDefault("test_bearer", "")
	v.SetDefault("silence_limit", "60s")
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return settings{}, err
		}
	}
	var s settings
	err := v.Unmarshal(&s)
	return s, err
}

type counters struct {
	attempts atomic.Uint64
	failures atomic.Uint64
	mu       sync.Mutex
	byKind   map[string]uint64
}

func (c *counters) frame(data string) {
	var head struct {
		Event string `json:"event"`
	}
	kind := "malformed"
	if err := sonic.UnmarshalString(data, &head); err == nil && head.Event != "" {
		kind = head.Event
	}
	c.mu.Lock()
	c.byKind[kind]++
	c.mu.Unlock()
}

func (c *counters) total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n uint64
	for _, v := range c.byKind {
		n += v
	}
	return n
}

func main() {
	cfg, err := loadSettings()
	if err != nil {
		log.Fatalf("settings: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	stats := &counters{byKind: map[string]uint64{}}
	var wg sync.WaitGroup
	for range cfg.Connections {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listen(ctx, cfg, stats)
		}()
	}

	go func() {
		select {
		case <-time.After(cfg.Silence):
			if stats.total() == 0 {
				log.Errorf("no events received in %s", cfg.Silence)
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	attempts, failures := stats.attempts.Load(), stats.failures.Load()
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	fields := log.Fields{
		"connections":         cfg.Connections,
		"duration":            cfg.Duration.String(),
		"connection_failures": failures,
	}
	stats.mu.Lock()
	for kind, n := range stats.byKind {
		fields["frames."+kind] = n
	}
	stats.mu.Unlock()
	log.WithFields(fields).Info("sse load finished")
	if stats.total() == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

// listen keeps one stream open until ctx ends, reconnecting with backoff.
func listen(ctx context.Context, cfg settings, stats *counters) {
	backoff := time.Second
	retry := func() bool {
		stats.failures.Add(1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff = min(backoff*2, 5*time.Second)
		return true
	}
	for ctx.Err() == nil {
		stats.attempts.Add(1)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.StreamURL, nil)
		if err != nil {
			log.Fatalf("stream request: %v", err)
		}
		if cfg.Bearer != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.Bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			if !retry() {
				return
			}
			continue
		}
		backoff = time.Second
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				stats.frame(data)
			}
		}
		resp.Body.Close()
		if ctx.Err() != nil || !retry() {
			return
		}
	}
}
