// Command memcache-bench drives a pipelined load of get/set traffic
// against one or more memcache servers using the text protocol client,
// optionally sharding keys across servers with jump consistent hashing
// and pooling the underlying net.Conn dials with puddle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/zeebo/xxh3"

	"github.com/pior/memcache"
	"github.com/pior/memcache/internal"
)

func main() {
	var (
		serversFlag = flag.String("servers", "localhost:11211", "comma-separated list of memcache servers")
		duration    = flag.Duration("duration", 5*time.Second, "how long to run the benchmark")
		concurrency = flag.Int("concurrency", 8, "number of concurrent workers")
		pipeline    = flag.Int("pipeline", 16, "in-flight commands per worker")
		poolSize    = flag.Int("pool-size", 4, "max pooled connections per server")
		shard       = flag.Bool("shard", false, "shard keys across servers with jump consistent hashing (ignored with one server)")
	)
	flag.Parse()

	servers := strings.Split(*serversFlag, ",")
	log.Printf("memcache-bench: servers=%v duration=%v concurrency=%d pipeline=%d shard=%v",
		servers, *duration, *concurrency, *pipeline, *shard)

	pools := make([]*connPool, len(servers))
	for i, addr := range servers {
		pools[i] = newConnPool(addr, int32(*poolSize))
	}
	defer func() {
		for _, p := range pools {
			p.close()
		}
	}()

	selectServer := func(key string) int {
		if !*shard || len(pools) == 1 {
			return 0
		}
		return internal.JumpHash(xxh3.HashString(key), len(pools))
	}

	var totalOps, totalErrors int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			runWorker(ctx, worker, pools, selectServer, *pipeline, &totalOps, &totalErrors)
		}(w)
	}
	wg.Wait()

	log.Printf("done: %d ops, %d errors, %.0f ops/sec",
		totalOps, totalErrors, float64(totalOps)/duration.Seconds())
}

// runWorker keeps pipeline commands in flight at all times, re-issuing a
// new Set as soon as one in the window resolves, until ctx expires.
func runWorker(ctx context.Context, worker int, pools []*connPool, selectServer func(string) int, pipeline int, totalOps, totalErrors *int64) {
	results := make(chan error, pipeline)
	inFlight := 0

	issue := func(key string, pool *connPool) {
		conn, err := pool.acquireTextConn(ctx)
		if err != nil {
			results <- err
			return
		}
		go func() {
			_, err := conn.Set(ctx, key, []byte("benchmark-value"), 0, 60)
			results <- err
		}()
	}

	keyFor := func(i int) string { return fmt.Sprintf("bench:%d:%d", worker, i) }

	i := 0
	for ; i < pipeline; i++ {
		key := keyFor(i)
		issue(key, pools[selectServer(key)])
		inFlight++
	}

	for {
		select {
		case <-ctx.Done():
			for inFlight > 0 {
				<-results
				inFlight--
			}
			return
		case err := <-results:
			inFlight--
			atomic.AddInt64(totalOps, 1)
			if err != nil {
				atomic.AddInt64(totalErrors, 1)
			}
			key := keyFor(i)
			i++
			issue(key, pools[selectServer(key)])
			inFlight++
		}
	}
}

// connPool pools dialed net.Conn/TextConn pairs for one server address
// using puddle, so workers don't pay a dial round trip per command. The
// TextConn itself tolerates unbounded concurrent command calls (the queue
// is mutex-guarded), so the pool's job is purely bounding how many live
// TCP connections we hold open per server, not serializing access.
type connPool struct {
	addr string
	pool *puddle.Pool[*pooledConn]
}

type pooledConn struct {
	netConn net.Conn
	text    *memcache.TextConn
}

func newConnPool(addr string, maxSize int32) *connPool {
	cfg := &puddle.Config[*pooledConn]{
		Constructor: func(ctx context.Context) (*pooledConn, error) {
			nc, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			pc := &pooledConn{netConn: nc}
			pc.text = memcache.NewTextConn(pc, memcache.Config{})
			go pc.readLoop()
			return pc, nil
		},
		Destructor: func(pc *pooledConn) {
			_ = pc.netConn.Close()
		},
		MaxSize: maxSize,
	}
	p, err := puddle.NewPool(cfg)
	if err != nil {
		log.Fatalf("memcache-bench: creating pool for %s: %v", addr, err)
	}
	return &connPool{addr: addr, pool: p}
}

func (pc *pooledConn) Write(p []byte) (int, error) { return pc.netConn.Write(p) }
func (pc *pooledConn) Close() error                { return pc.netConn.Close() }

func (pc *pooledConn) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := pc.netConn.Read(buf)
		if n > 0 {
			pc.text.Feed(buf[:n])
		}
		if err != nil {
			pc.text.Lost(err)
			return
		}
	}
}

// acquireTextConn hands back the pooled TextConn and releases the puddle
// resource immediately: the underlying connection is shared for as many
// pipelined commands as callers want to issue against it concurrently.
func (p *connPool) acquireTextConn(ctx context.Context) (*memcache.TextConn, error) {
	res, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer res.Release()
	return res.Value().text, nil
}

func (p *connPool) close() {
	p.pool.Close()
}
