package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dgraph-io/ristretto/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sushant-115/gojostore/core/transaction/atomicops"
	commonutils "github.com/sushant-115/gojostore/internal/common_utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const benchFillBatch = 1024

// BenchCmd replays a Zipf distributed page trace against the read cache.
type BenchCmd struct {
	Pages      int     `default:"16384" help:"Pages in the working set"`
	CachePages int     `name:"cache-pages" default:"1024" help:"Read cache capacity in pages"`
	Requests   int     `default:"500000" help:"Page reads across all workers"`
	Workers    int     `default:"0" help:"Concurrent readers, 0 uses every CPU"`
	Skew       float64 `default:"1.1" help:"Zipf exponent, must be greater than 1"`
	ScanEvery  int     `name:"scan-every" default:"0" help:"Insert a sequential scan of cache-pages pages every N requests"`
	Seed       uint64  `default:"42" help:"Trace seed"`
	Baseline   bool    `help:"Replay the same trace against a plain LRU and a ristretto cache of equal capacity"`
	Keep       bool    `help:"Keep the storage directory instead of using a temporary one"`
}

type benchResult struct {
	requests int
	hitRate  float64
	elapsed  time.Duration
}

func (c *BenchCmd) Run(ctx context.Context, g *Globals) error {
	if c.Skew <= 1 {
		return fmt.Errorf("skew must be greater than 1, got %v", c.Skew)
	}
	if c.Pages <= 0 || c.CachePages <= 0 || c.Requests <= 0 {
		return fmt.Errorf("pages, cache-pages and requests must be positive")
	}
	workers := c.Workers
	if workers <= 0 {
		workers = commonutils.NumCPU()
	}

	e, err := g.load()
	if err != nil {
		return err
	}
	defer e.close()

	storageCfg := e.cfg.StorageEngine()
	storageCfg.Name = "bench"
	storageCfg.CheckpointInterval = 0
	storageCfg.ReadCache.MaxMemory = int64(c.CachePages) * int64(storageCfg.PageSize)
	storageCfg.ReadCache.TrackHitRate = true
	if !c.Keep {
		dir, err := os.MkdirTemp("", "gojostore-bench-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		storageCfg.Path = dir
	}

	s, closeStorage, err := e.open(ctx, storageCfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	fillStart := time.Now()
	fileID, err := c.fill(ctx, s.AtomicOperations())
	if err != nil {
		return err
	}
	e.logger.Info("Working set written",
		zap.Int("pages", c.Pages),
		zap.String("bytes", humanize.IBytes(uint64(c.Pages)*uint64(storageCfg.PageSize))),
		zap.Duration("took", time.Since(fillStart)))
	if err := s.Synch(ctx); err != nil {
		return err
	}

	traces := c.traces(workers)
	readCache, writeCache := s.ReadCache(), s.WriteCache()

	start := time.Now()
	group, groupCtx := errgroup.WithContext(ctx)
	for _, trace := range traces {
		group.Go(func() error {
			for i, pageIndex := range trace {
				if i%4096 == 0 && groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				entry, err := readCache.LoadForRead(fileID, pageIndex, writeCache, false)
				if err != nil {
					return err
				}
				if entry == nil {
					return fmt.Errorf("page %d of the working set is missing", pageIndex)
				}
				readCache.ReleaseFromRead(entry)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	cached := benchResult{requests: c.Requests, hitRate: float64(readCache.HitRate()), elapsed: time.Since(start)}

	fmt.Printf("workers          %d\n", workers)
	fmt.Printf("working set      %s pages, cache %s pages (%s)\n",
		humanize.Comma(int64(c.Pages)), humanize.Comma(int64(c.CachePages)), humanize.IBytes(uint64(readCache.UsedMemory())))
	c.print("w-tinylfu", cached)

	if c.Baseline {
		baseline, err := c.replayLRU(traces)
		if err != nil {
			return err
		}
		c.print("lru", baseline)

		tinyLFU, err := c.replayRistretto(traces)
		if err != nil {
			return err
		}
		c.print("ristretto", tinyLFU)
	}
	return nil
}

// fill writes the working set in batches so no operation grows unbounded.
func (c *BenchCmd) fill(ctx context.Context, m *atomicops.Manager) (uint64, error) {
	fileID, err := atomicops.CalculateInsideAtomicOperation(ctx, m, nil,
		func(_ context.Context, op *atomicops.AtomicOperation) (uint64, error) {
			if id, ok := op.FileIDByName("bench.dat"); ok {
				if err := op.TruncateFile(id); err != nil {
					return 0, err
				}
				return id, nil
			}
			return op.AddFile("bench.dat")
		})
	if err != nil {
		return 0, err
	}

	for written := 0; written < c.Pages; written += benchFillBatch {
		batch := min(benchFillBatch, c.Pages-written)
		err := m.ExecuteInsideAtomicOperation(ctx, nil, func(_ context.Context, op *atomicops.AtomicOperation) error {
			for i := range batch {
				page, err := op.AddPage(fileID)
				if err != nil {
					return err
				}
				if _, err := page.WriteAt(fmt.Appendf(nil, "page %d", written+i), 0); err != nil {
					return err
				}
				if err := op.ReleasePageFromWrite(page); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return fileID, nil
}

// traces splits the requests across workers. Every worker draws from its own
// Zipf source so the trace does not depend on scheduling.
func (c *BenchCmd) traces(workers int) [][]uint32 {
	traces := make([][]uint32, workers)
	perWorker := c.Requests / workers
	for w := range traces {
		n := perWorker
		if w == 0 {
			n += c.Requests % workers
		}
		rng := rand.New(rand.NewPCG(c.Seed, uint64(w)))
		zipf := rand.NewZipf(rng, c.Skew, 1, uint64(c.Pages-1))
		trace := make([]uint32, 0, n)
		scanCursor := 0
		for len(trace) < n {
			if c.ScanEvery > 0 && len(trace) > 0 && len(trace)%c.ScanEvery == 0 {
				for i := 0; i < c.CachePages && len(trace) < n; i++ {
					trace = append(trace, uint32(scanCursor%c.Pages))
					scanCursor++
				}
				if len(trace) >= n {
					break
				}
			}
			// Spread the popular ranks over the file.
			rank := zipf.Uint64()
			trace = append(trace, uint32((rank*2654435761)%uint64(c.Pages)))
		}
		traces[w] = trace
	}
	return traces
}

func (c *BenchCmd) replayLRU(traces [][]uint32) (benchResult, error) {
	cache, err := lru.New[uint32, struct{}](c.CachePages)
	if err != nil {
		return benchResult{}, err
	}
	var hits, requests int
	start := time.Now()
	for _, trace := range traces {
		for _, pageIndex := range trace {
			requests++
			if _, ok := cache.Get(pageIndex); ok {
				hits++
				continue
			}
			cache.Add(pageIndex, struct{}{})
		}
	}
	return benchResult{
		requests: requests,
		hitRate:  float64(hits) * 100 / float64(requests),
		elapsed:  time.Since(start),
	}, nil
}

// replayRistretto feeds the trace to ristretto. Its sets are buffered and may
// be dropped, so the hit rate is a lower bound of what its policy achieves.
func (c *BenchCmd) replayRistretto(traces [][]uint32) (benchResult, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint32, struct{}]{
		NumCounters: int64(c.CachePages) * 10,
		MaxCost:     int64(c.CachePages),
		BufferItems: 64,
	})
	if err != nil {
		return benchResult{}, err
	}
	defer cache.Close()

	var hits, requests int
	start := time.Now()
	for _, trace := range traces {
		for _, pageIndex := range trace {
			requests++
			if _, ok := cache.Get(pageIndex); ok {
				hits++
				continue
			}
			cache.Set(pageIndex, struct{}{}, 1)
		}
		cache.Wait()
	}
	return benchResult{
		requests: requests,
		hitRate:  float64(hits) * 100 / float64(requests),
		elapsed:  time.Since(start),
	}, nil
}

func (c *BenchCmd) print(name string, r benchResult) {
	opsPerSec := float64(r.requests) / r.elapsed.Seconds()
	fmt.Printf("%-16s hit rate %5.1f%%  %s reads in %s  (%s reads/s)\n",
		name, r.hitRate, humanize.Comma(int64(r.requests)), r.elapsed.Round(time.Millisecond),
		humanize.Comma(int64(opsPerSec)))
}
