package main

import (
	"context"
	"flag"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-warp-lock/v1/gateway"
	"github.com/mirkobrombin/go-warp-lock/v1/lockproxy"
	"github.com/mirkobrombin/go-warp-lock/v1/master"
	"github.com/mirkobrombin/go-warp-lock/v1/message"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent callers")
	rounds      = flag.Int("n", 1000, "Lock/Release rounds per caller")
	latency     = flag.Duration("latency", time.Millisecond, "Simulated master round trip")
)

type slowGateway struct {
	next  *gateway.Loopback
	delay time.Duration
}

func (g slowGateway) RequestLock(ctx context.Context, address string, req message.LockRequest) (message.LockResponse, error) {
	time.Sleep(g.delay)
	return g.next.RequestLock(ctx, address, req)
}

func (g slowGateway) ReleaseLock(ctx context.Context, address string, req message.LockReleaseRequest) (message.LockReleaseResponse, error) {
	time.Sleep(g.delay)
	return g.next.ReleaseLock(ctx, address, req)
}

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d callers, %d rounds each, %v master latency", *concurrency, *rounds, *latency)

	lb := gateway.NewLoopback()
	lb.Register("master", master.NewServer(master.NewInMemory()))
	p := lockproxy.New(1, "master", "bench", slowGateway{next: lb, delay: *latency}, nil)

	ctx := context.Background()
	var wg sync.WaitGroup
	var ops, errorsCount int64

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < *rounds; j++ {
				if err := p.Lock(ctx); err != nil {
					atomic.AddInt64(&errorsCount, 1)
					continue
				}
				if err := p.Release(ctx); err != nil {
					atomic.AddInt64(&errorsCount, 1)
				}
				atomic.AddInt64(&ops, 1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	m := lb.Metrics()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f lock/release pairs/s", float64(ops)/elapsed.Seconds())
	log.Printf("Master round trips: %d lock, %d release for %d pairs", m.LockRequests, m.ReleaseRequests, ops)
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
}
