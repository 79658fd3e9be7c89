// Command goverify-loadtest drives the verification engine against Redis
// and reports per-phase latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	goVerify "github.com/MrEthical07/goVerify"
	"github.com/MrEthical07/goVerify/identity/memidentity"
)

const loadCode = "424242"

// discardChannel accepts every message.
type discardChannel struct {
	sent atomic.Int64
}

func (d *discardChannel) Send(_ context.Context, _, _ string) (goVerify.DeliveryReceipt, error) {
	n := d.sent.Add(1)
	return goVerify.DeliveryReceipt{ProviderID: fmt.Sprintf("discard-%d", n)}, nil
}

func main() {
	var (
		subjects    = flag.Int("subjects", 10000, "number of subjects (one session each)")
		concurrency = flag.Int("concurrency", 128, "number of concurrent workers")
		reads       = flag.Int("reads", 100000, "Session reads in the inspect phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "gvload", "redis key prefix")
	)
	flag.Parse()

	if *subjects <= 0 || *concurrency <= 0 || *reads <= 0 {
		fmt.Fprintln(os.Stderr, "subjects, concurrency, and reads must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	identity := memidentity.New(0)
	ids := make([]string, *subjects)
	for i := range ids {
		ids[i] = fmt.Sprintf("load-%d", i)
		identity.Put(goVerify.ContactInfo{
			SubjectID: ids[i],
			Email:     ids[i] + "@load.invalid",
		})
	}

	engine, err := buildEngine(client, *prefix, identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	sessions := make([]string, *subjects)
	requestStats := runPhase(*subjects, *concurrency, func(i int, _ *rand.Rand) error {
		res, err := engine.RequestCode(ctx, ids[i], goVerify.ChannelEmail)
		if err != nil {
			return err
		}
		sessions[i] = res.SessionID
		return nil
	})

	inspectStats := runPhase(*reads, *concurrency, func(_ int, r *rand.Rand) error {
		sid := sessions[r.Intn(len(sessions))]
		if sid == "" {
			return fmt.Errorf("no session")
		}
		_, err := engine.Session(ctx, sid)
		return err
	})

	verifyStats := runPhase(*subjects, *concurrency, func(i int, _ *rand.Rand) error {
		res, err := engine.SubmitCode(ctx, sessions[i], loadCode)
		if err != nil {
			return err
		}
		return res.Err()
	})

	fmt.Println("---- results ----")
	printStats("request", requestStats)
	printStats("inspect", inspectStats)
	printStats("verify", verifyStats)
	fmt.Printf("audit dropped=%d\n", engine.AuditDropped())
}

func buildEngine(client redis.UniversalClient, prefix string, identity goVerify.IdentityProvider) (*goVerify.Engine, error) {
	cfg := goVerify.DefaultConfig()
	cfg.Session.RedisPrefix = prefix
	cfg.RateLimit.IssuePerSubject = 0
	cfg.RateLimit.EnableIPThrottle = false
	cfg.Retry.BaseBackoff = 0
	cfg.Retry.MaxBackoff = 0
	cfg.Audit.Enabled = false
	cfg.Metrics.EnableLatencyHistograms = true
	cfg.Delivery.ChannelPreference = []goVerify.ChannelType{goVerify.ChannelEmail}

	return goVerify.New().
		WithConfig(cfg).
		WithRedis(client).
		WithIdentityProvider(identity).
		WithChannel(goVerify.ChannelEmail, &discardChannel{}).
		WithCodeSource(func() (string, error) { return loadCode, nil }).
		Build()
}

// runPhase calls op for indexes [0, ops) across concurrency workers.
func runPhase(ops, concurrency int, op func(i int, r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(i, r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
