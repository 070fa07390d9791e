// Command authcore-loadtest measures session store latency: a read phase of
// Get calls and a rotation phase where each worker walks a refresh chain.
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
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/okada-platform/authcore/session"
	"github.com/okada-platform/authcore/storage/postgres"
)

// chain is one refresh family. jti is the currently active link.
type chain struct {
	userID string
	family string
	jti    string
	mu     sync.Mutex
}

func main() {
	var (
		sessions    = flag.Int("sessions", 100000, "number of sessions to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase (get + rotate)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "as", "session key prefix")
		pgDSN       = flag.String("postgres-dsn", "", "run against the postgres session store instead of redis")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	store, cleanup, err := openStore(ctx, *redisAddr, *prefix, *pgDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	chains := make([]chain, *sessions)
	fmt.Printf("seeding %d sessions...\n", *sessions)
	startSeed := time.Now()
	for i := range chains {
		c := &chains[i]
		c.userID = fmt.Sprintf("u-%d", i%1000)
		c.family = uuid.NewString()
		s := buildSession(c.userID, c.family, time.Now())
		if err := store.Create(ctx, s); err != nil {
			fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
			os.Exit(1)
		}
		c.jti = s.JTI
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	getStats := runPhase(*ops, *concurrency, 7919, func(r *rand.Rand, _ int) error {
		c := &chains[r.Intn(len(chains))]
		c.mu.Lock()
		jti := c.jti
		c.mu.Unlock()
		s, err := store.Get(ctx, jti)
		if err == nil && s == nil {
			err = fmt.Errorf("session %s missing", jti)
		}
		return err
	})
	rotateStats := runPhase(*ops, *concurrency, 6151, func(r *rand.Rand, _ int) error {
		c := &chains[r.Intn(len(chains))]
		c.mu.Lock()
		defer c.mu.Unlock()
		next := buildSession(c.userID, c.family, time.Now())
		res, err := store.Rotate(ctx, c.jti, next, time.Now())
		if err != nil {
			return err
		}
		if res.Status != session.RotateRotated {
			return fmt.Errorf("rotate %s: %s", c.jti, res.Status)
		}
		c.jti = next.JTI
		return nil
	})

	fmt.Println("---- results ----")
	printStats("get", getStats)
	printStats("rotate", rotateStats)

	printStoreStats(ctx, store)
}

type statsReporter interface {
	Stats(ctx context.Context) (session.Stats, error)
}

// printStoreStats prints row counts for stores that keep them.
func printStoreStats(ctx context.Context, store session.Store) bool {
	sr, ok := store.(statsReporter)
	if !ok {
		return false
	}
	st, err := sr.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		return false
	}
	fmt.Printf("store: active=%d inactive=%d\n", st.Active, st.Inactive)
	return true
}

func openStore(ctx context.Context, redisAddr, prefix, dsn string) (session.Store, func(), error) {
	if dsn != "" {
		db, err := postgres.Open(ctx, postgres.DriverPgx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		fmt.Printf("using postgres at %s\n", postgres.RedactDSN(dsn))
		return postgres.NewSessions(db), func() { _ = db.Close() }, nil
	}

	addr := redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start miniredis: %w", err)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		fmt.Printf("using miniredis at %s\n", mr.Addr())
		return session.NewRedisStore(client, prefix, 0), func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	fmt.Printf("using redis at %s\n", addr)
	return session.NewRedisStore(client, prefix, 0), func() { _ = client.Close() }, nil
}

// runPhase runs op ops times across concurrency workers and collects
// per-call latencies.
func runPhase(ops, concurrency int, seed int64, op func(r *rand.Rand, i int) error) phaseStats {
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
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r, i)
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
	total := time.Since(start)
	return computeStats(total, latencies, failures)
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
	return samples[(len(samples)-1)*p/100]
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

func buildSession(userID, family string, now time.Time) *session.Session {
	return &session.Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		JTI:             uuid.NewString(),
		FamilyID:        family,
		IP:              "203.0.113.10",
		UserAgent:       "authcore-loadtest",
		AccessJTI:       uuid.NewString(),
		AccessExpiresAt: now.Add(15 * time.Minute),
		ExpiresAt:       now.Add(24 * time.Hour),
		CreatedAt:       now,
	}
}
