package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zonekit/zonecore/internal/adapter/bus"
	"github.com/zonekit/zonecore/internal/adapter/storage"
	"github.com/zonekit/zonecore/internal/core/breaker"
	"github.com/zonekit/zonecore/internal/core/cache"
	"github.com/zonekit/zonecore/internal/core/domain"
	"github.com/zonekit/zonecore/internal/core/ratelimit"
	"github.com/zonekit/zonecore/internal/core/service"
	"github.com/zonekit/zonecore/internal/core/store"
)

const (
	clients           = 50
	requestsPerClient = 40
	zones             = 4
	itemsPerZone      = 5
	initialQuantity   = 1000
	writeRatio        = 0.3
	rateCapacity      = 20
	rateRefillPerSec  = 50
)

func main() {
	ctx := context.Background()

	backend := storage.NewMemoryStore()
	for z := 0; z < zones; z++ {
		for i := 0; i < itemsPerZone; i++ {
			backend.Seed(domain.RecordKey(zoneID(z), itemID(i)), initialQuantity, 1)
		}
	}

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.Capacity = rateCapacity
	limiterCfg.RefillPerSec = rateRefillPerSec
	limiter, err := ratelimit.NewLimiter(limiterCfg, nil)
	if err != nil {
		log.Fatalf("failed to create limiter: %v", err)
	}

	breakers, err := breaker.NewRegistry(breaker.DefaultConfig(), nil)
	if err != nil {
		log.Fatalf("failed to create breakers: %v", err)
	}

	readCache, err := cache.NewStore(cache.DefaultConfig(), nil)
	if err != nil {
		log.Fatalf("failed to create cache: %v", err)
	}

	zoneStore, err := store.NewZoneStore(backend, store.RetryPolicy{
		MaxAttempts:  10,
		BaseDelay:    time.Millisecond,
		JitterFactor: 0.2,
	}, nil)
	if err != nil {
		log.Fatalf("failed to create zone store: %v", err)
	}

	coordinator, err := service.NewCoordinator(service.DefaultConfig(), service.Dependencies{
		Limiter:  limiter,
		Breakers: breakers,
		Store:    zoneStore,
		Cache:    readCache,
		Bus:      bus.NewChannelBus(1024, nil),
	})
	if err != nil {
		log.Fatalf("failed to create coordinator: %v", err)
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go coordinator.RunInvalidationWorker(workerCtx)

	// Counters
	var (
		reads          atomic.Int64
		readNanos      atomic.Int64
		cacheHits      atomic.Int64
		staleServes    atomic.Int64
		updates        atomic.Int64
		updateNanos    atomic.Int64
		committedDelta atomic.Int64
		rateLimited    atomic.Int64
		invalidDeltas  atomic.Int64
		contended      atomic.Int64
		otherErrors    atomic.Int64
	)

	var wg sync.WaitGroup
	start := time.Now()

	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			clientID := uuid.NewString()
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))

			for r := 0; r < requestsPerClient; r++ {
				zone := zoneID(rng.Intn(zones))
				item := itemID(rng.Intn(itemsPerZone))

				if rng.Float64() < writeRatio {
					delta := int64(rng.Intn(10) - 4)
					if delta == 0 {
						delta = 1
					}
					opStart := time.Now()
					_, err := coordinator.Update(ctx, service.UpdateRequest{
						ClientID: clientID,
						ZoneID:   zone,
						ItemID:   item,
						Delta:    delta,
					})
					switch {
					case err == nil:
						updates.Add(1)
						updateNanos.Add(int64(time.Since(opStart)))
						committedDelta.Add(delta)
					case errors.Is(err, domain.ErrRateLimitExceeded):
						rateLimited.Add(1)
					case errors.Is(err, domain.ErrInvalidDelta):
						invalidDeltas.Add(1)
					case errors.Is(err, domain.ErrConcurrencyExhausted):
						contended.Add(1)
					default:
						otherErrors.Add(1)
					}
					continue
				}

				opStart := time.Now()
				res, err := coordinator.Read(ctx, service.ReadRequest{
					ClientID: clientID,
					ZoneID:   zone,
					ItemID:   item,
				})
				switch {
				case err == nil:
					reads.Add(1)
					readNanos.Add(int64(time.Since(opStart)))
					if res.FromCache {
						cacheHits.Add(1)
					}
					if res.Stale {
						staleServes.Add(1)
					}
				case errors.Is(err, domain.ErrRateLimitExceeded):
					rateLimited.Add(1)
				default:
					otherErrors.Add(1)
				}
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	total := int64(clients * requestsPerClient)
	fmt.Println("========== LOAD RESULTS ==========")
	fmt.Printf("Total Requests:   %d\n", total)
	fmt.Printf("Reads OK:         %d (cache hits %d, stale %d, avg %v)\n",
		reads.Load(), cacheHits.Load(), staleServes.Load(), avgLatency(readNanos.Load(), reads.Load()))
	fmt.Printf("Updates OK:       %d (avg %v)\n", updates.Load(), avgLatency(updateNanos.Load(), updates.Load()))
	fmt.Printf("Rate Limited:     %d\n", rateLimited.Load())
	fmt.Printf("Invalid Deltas:   %d\n", invalidDeltas.Load())
	fmt.Printf("Contended:        %d\n", contended.Load())
	fmt.Printf("Other Errors:     %d\n", otherErrors.Load())
	fmt.Printf("Duration:         %v (%.0f req/s)\n", elapsed, float64(total)/elapsed.Seconds())
	fmt.Println("==================================")

	// Every committed delta must be visible in the backend.
	var finalTotal int64
	for z := 0; z < zones; z++ {
		for i := 0; i < itemsPerZone; i++ {
			qty, _, err := backend.Get(ctx, domain.RecordKey(zoneID(z), itemID(i)))
			if err != nil {
				log.Fatalf("failed to read final quantity: %v", err)
			}
			finalTotal += qty
		}
	}
	expected := int64(zones*itemsPerZone*initialQuantity) + committedDelta.Load()
	if finalTotal == expected {
		fmt.Printf("PASS: Final quantity %d matches initial plus committed deltas\n", finalTotal)
	} else {
		fmt.Printf("FAIL: Expected final quantity %d, got %d\n", expected, finalTotal)
	}
}

func zoneID(n int) string { return fmt.Sprintf("Z%d", n+1) }

func itemID(n int) string { return fmt.Sprintf("item-%d", n+1) }

func avgLatency(totalNanos, count int64) time.Duration {
	if count == 0 {
		return 0
	}
	return time.Duration(totalNanos / count).Round(time.Microsecond)
}
