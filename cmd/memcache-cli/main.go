// Command memcache-cli is a small interactive REPL over a single
// TextConn, useful for poking at a running memcached instance by hand.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pior/memcache"
)

func main() {
	addr := flag.String("addr", "localhost:11211", "memcache server address")
	flag.Parse()

	fmt.Println("Memcache CLI Tool")
	fmt.Println("================")
	fmt.Println("Commands: get <key>, set <key> <value> [ttl], delete <key>, incr <key> <delta>, multi-get <key1> <key2> ..., stats, version, quit")
	fmt.Println()

	nc, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Printf("Failed to connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	wrapped := &cliTransport{netConn: nc}
	conn := memcache.NewTextConn(wrapped, memcache.Config{})
	wrapped.conn = conn
	go wrapped.readLoop()
	defer conn.Close()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		command := strings.ToLower(parts[0])
		ctx := context.Background()

		switch command {
		case "get":
			if len(parts) != 2 {
				fmt.Println("Usage: get <key>")
				continue
			}
			handleGet(ctx, conn, parts[1])

		case "set":
			if len(parts) < 3 || len(parts) > 4 {
				fmt.Println("Usage: set <key> <value> [ttl_seconds]")
				continue
			}
			var ttl uint32
			if len(parts) == 4 {
				n, err := strconv.Atoi(parts[3])
				if err != nil {
					fmt.Printf("Invalid TTL: %v\n", err)
					continue
				}
				ttl = uint32(n)
			}
			handleSet(ctx, conn, parts[1], parts[2], ttl)

		case "delete", "del":
			if len(parts) != 2 {
				fmt.Println("Usage: delete <key>")
				continue
			}
			handleDelete(ctx, conn, parts[1])

		case "incr":
			if len(parts) != 3 {
				fmt.Println("Usage: incr <key> <delta>")
				continue
			}
			delta, err := strconv.ParseUint(parts[2], 10, 64)
			if err != nil {
				fmt.Printf("Invalid delta: %v\n", err)
				continue
			}
			handleIncrement(ctx, conn, parts[1], delta)

		case "multi-get", "mget":
			if len(parts) < 2 {
				fmt.Println("Usage: multi-get <key1> <key2> ...")
				continue
			}
			handleMultiGet(ctx, conn, parts[1:])

		case "stats":
			handleStats(ctx, conn)

		case "version":
			handleVersion(ctx, conn)

		case "help":
			fmt.Println("Commands:")
			fmt.Println("  get <key>                 - Get a value by key")
			fmt.Println("  set <key> <value> [ttl]   - Set a key-value pair with optional TTL")
			fmt.Println("  delete <key>              - Delete a key")
			fmt.Println("  incr <key> <delta>        - Increment a numeric value")
			fmt.Println("  multi-get <key1> <key2>   - Get multiple keys at once")
			fmt.Println("  stats                     - Show server statistics")
			fmt.Println("  version                   - Show server version")
			fmt.Println("  quit                      - Exit the CLI")

		case "quit", "exit":
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s. Type 'help' for available commands.\n", command)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Printf("Error reading input: %v\n", err)
	}
}

// cliTransport adapts a net.Conn into memcache.Transport and feeds every
// inbound chunk to the TextConn it wraps.
type cliTransport struct {
	netConn net.Conn
	conn    *memcache.TextConn
}

func (t *cliTransport) Write(p []byte) (int, error) { return t.netConn.Write(p) }
func (t *cliTransport) Close() error                { return t.netConn.Close() }

func (t *cliTransport) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := t.netConn.Read(buf)
		if n > 0 {
			t.conn.Feed(buf[:n])
		}
		if err != nil {
			t.conn.Lost(err)
			return
		}
	}
}

func handleGet(ctx context.Context, conn *memcache.TextConn, key string) {
	start := time.Now()
	result, err := conn.Get(ctx, key)
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	if !result.Found {
		fmt.Printf("Key not found (took %v)\n", duration)
		return
	}
	fmt.Printf("Value: %s (flags=%d, took %v)\n", string(result.Value), result.Flags, duration)
}

func handleSet(ctx context.Context, conn *memcache.TextConn, key, value string, ttl uint32) {
	start := time.Now()
	stored, err := conn.Set(ctx, key, []byte(value), 0, ttl)
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	if !stored {
		fmt.Printf("Not stored (took %v)\n", duration)
		return
	}
	fmt.Printf("Stored successfully (took %v)\n", duration)
}

func handleDelete(ctx context.Context, conn *memcache.TextConn, key string) {
	start := time.Now()
	deleted, err := conn.Delete(ctx, key)
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	if !deleted {
		fmt.Printf("Key not found (took %v)\n", duration)
		return
	}
	fmt.Printf("Delete successful (took %v)\n", duration)
}

func handleIncrement(ctx context.Context, conn *memcache.TextConn, key string, delta uint64) {
	start := time.Now()
	value, err := conn.Increment(ctx, key, delta)
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("New value: %d (took %v)\n", value, duration)
}

func handleMultiGet(ctx context.Context, conn *memcache.TextConn, keys []string) {
	start := time.Now()
	results, err := conn.GetMultiple(ctx, keys, false)
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}

	found := 0
	for _, key := range keys {
		result := results[key]
		if result.Found {
			found++
			fmt.Printf("  %s: %s\n", key, string(result.Value))
		} else {
			fmt.Printf("  %s: <not found>\n", key)
		}
	}
	fmt.Printf("Retrieved %d out of %d keys (took %v)\n", found, len(keys), duration)
}

func handleStats(ctx context.Context, conn *memcache.TextConn) {
	start := time.Now()
	stats, err := conn.Stats(ctx, "")
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Server statistics (took %v):\n", duration)
	for k, v := range stats {
		fmt.Printf("  %s: %s\n", k, v)
	}
}

func handleVersion(ctx context.Context, conn *memcache.TextConn) {
	start := time.Now()
	version, err := conn.Version(ctx)
	duration := time.Since(start)

	if err != nil {
		fmt.Printf("Error: %v (took %v)\n", err, duration)
		return
	}
	fmt.Printf("Version: %s (took %v)\n", version, duration)
}
