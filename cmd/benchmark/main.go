package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type counters struct {
	total     atomic.Uint64
	created   atomic.Uint64
	replayed  atomic.Uint64
	rejected  atomic.Uint64 // 422
	conflicts atomic.Uint64 // 409
	failed    atomic.Uint64
}

type bench struct {
	url       string
	workload  string
	residents int
	providers int
	projects  int
	hotspot   float64
	replay    float64
	stats     counters
}

func main() {
	app := &cli.App{
		Name:  "benchmark",
		Usage: "drive booking and contribution traffic against a running API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "API base URL"},
			&cli.IntFlag{Name: "workers", Value: 10},
			&cli.DurationFlag{Name: "duration", Value: 30 * time.Second},
			&cli.StringFlag{Name: "workload", Value: "contribution", Usage: "contribution | booking | mixed"},
			&cli.IntFlag{Name: "residents", Value: 1000, Usage: "seeded residents"},
			&cli.IntFlag{Name: "providers", Value: 50, Usage: "seeded providers"},
			&cli.IntFlag{Name: "projects", Value: 20, Usage: "seeded projects and causes"},
			&cli.Float64Flag{Name: "hotspot", Value: 0, Usage: "share of contributions sent to the first project"},
			&cli.Float64Flag{Name: "replay", Value: 0, Usage: "share of requests repeated with the same Idempotency-Key"},
			&cli.StringFlag{Name: "out", Usage: "also write the results to this file"},
		},
		Action: func(c *cli.Context) error {
			b := &bench{
				url:       c.String("url"),
				workload:  c.String("workload"),
				residents: c.Int("residents"),
				providers: c.Int("providers"),
				projects:  c.Int("projects"),
				hotspot:   c.Float64("hotspot"),
				replay:    c.Float64("replay"),
			}
			switch b.workload {
			case "contribution", "booking", "mixed":
			default:
				return fmt.Errorf("unknown workload %q", b.workload)
			}
			if b.residents < 1 || b.providers < 1 || b.projects < 1 {
				return fmt.Errorf("residents, providers and projects must be positive")
			}
			logrus.WithFields(logrus.Fields{
				"workload": b.workload,
				"workers":  c.Int("workers"),
				"duration": c.Duration("duration"),
			}).Info("starting benchmark")

			start := time.Now()
			deadline := start.Add(c.Duration("duration"))
			var wg sync.WaitGroup
			for i := 0; i < c.Int("workers"); i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					b.worker(deadline)
				}()
			}
			wg.Wait()
			return b.report(time.Since(start), c.String("out"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func (b *bench) worker(deadline time.Time) {
	client := &http.Client{Timeout: 5 * time.Second}
	for time.Now().Before(deadline) {
		user := fmt.Sprintf("resident-%05d", rand.Intn(b.residents)+1)
		path, payload := b.next()
		key := uuid.NewString()
		b.send(client, user, path, payload, key)
		if rand.Float64() < b.replay {
			b.send(client, user, path, payload, key)
		}
	}
}

func (b *bench) next() (string, map[string]any) {
	op := b.workload
	if op == "mixed" {
		op = "contribution"
		if rand.Intn(2) == 0 {
			op = "booking"
		}
	}
	if op == "booking" {
		return "/api/v1/bookings", map[string]any{
			"service_id":     fmt.Sprintf("svc-%04d", rand.Intn(b.providers)+1),
			"scheduled_date": time.Now().AddDate(0, 0, 7).Format("2006-01-02"),
			"scheduled_time": "10:00",
			"duration":       1,
		}
	}
	// Seeded projects have odd numbers; even ones are causes.
	n := 2*rand.Intn((b.projects+1)/2) + 1
	if rand.Float64() < b.hotspot {
		n = 1
	}
	return fmt.Sprintf("/api/v1/projects/project-%04d/contributions", n), map[string]any{"amount": 1}
}

func (b *bench) send(client *http.Client, user, path string, payload map[string]any, key string) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, b.url+path, bytes.NewReader(body))
	if err != nil {
		b.stats.failed.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user)
	req.Header.Set("Idempotency-Key", key)

	resp, err := client.Do(req)
	if err != nil {
		b.stats.failed.Add(1)
		return
	}
	defer resp.Body.Close()

	b.stats.total.Add(1)
	switch {
	case resp.Header.Get("Idempotent-Replayed") != "":
		b.stats.replayed.Add(1)
	case resp.StatusCode == http.StatusCreated:
		b.stats.created.Add(1)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		b.stats.rejected.Add(1)
	case resp.StatusCode == http.StatusConflict:
		b.stats.conflicts.Add(1)
	default:
		b.stats.failed.Add(1)
	}
}

func (b *bench) report(d time.Duration, out string) error {
	total := b.stats.total.Load()
	conflicts := b.stats.conflicts.Load()
	var conflictRate float64
	if total > 0 {
		conflictRate = float64(conflicts) / float64(total) * 100
	}
	results := map[string]any{
		"workload":          b.workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"success_created":   b.stats.created.Load(),
		"success_replay":    b.stats.replayed.Load(),
		"rejected_tokens":   b.stats.rejected.Load(),
		"aborts_conflict":   conflicts,
		"conflict_rate_pct": conflictRate,
		"errors":            b.stats.failed.Load(),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	if out == "" {
		return nil
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(results)
}
