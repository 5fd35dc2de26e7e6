// Command bltload loads a newline-delimited key file into a bltree-go
// store, spreading the work across a configurable number of worker
// goroutines. It exists to exercise the public Engine API end to end,
// not as part of the library itself.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	blink_tree "github.com/ryogrid/bltree-go"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := flag.NewFlagSet("bltload", flag.ContinueOnError)

	dbPath := flagSet.StringP("db", "d", "bltload.db", "Path to the store file")
	keyFile := flagSet.StringP("keys", "k", "", "Newline-delimited key file to load (required)")
	workers := flagSet.IntP("workers", "w", 4, "Number of concurrent loader goroutines")
	pageBits := flagSet.Uint8("page-bits", 0, "Page-size exponent override (0 = default)")
	verbose := flagSet.BoolP("verbose", "v", false, "Enable debug logging")

	if err := flagSet.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	if *keyFile == "" {
		fmt.Fprintln(os.Stderr, "error: -k/--keys is required")
		flagSet.PrintDefaults()
		return 1
	}

	logCfg := zap.NewProductionConfig()
	if *verbose {
		logCfg = zap.NewDevelopmentConfig()
	}
	log, err := logCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: building logger:", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	keys, err := loadKeyFile(*keyFile)
	if err != nil {
		log.Error("failed to read key file", zap.String("path", *keyFile), zap.Error(err))
		return 1
	}

	opts := blink_tree.DefaultOptions()
	if *pageBits != 0 {
		opts.PageBits = *pageBits
	}

	engine, err := blink_tree.Open(*dbPath, opts, log)
	if err != nil {
		log.Error("failed to open store", zap.String("path", *dbPath), zap.Error(err))
		return 1
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			log.Error("failed to close store", zap.Error(cerr))
		}
	}()

	if err := loadKeysConcurrently(context.Background(), engine, keys, *workers, log); err != nil {
		log.Error("load failed", zap.Error(err))
		return 1
	}

	log.Info("load complete", zap.Int("keys", len(keys)), zap.Int("workers", *workers), zap.String("db", *dbPath))
	return 0
}

// loadKeyFile reads one key per line, skipping blank lines.
func loadKeyFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var keys [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		key := make([]byte, len(line))
		copy(key, line)
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan key file: %w", err)
	}
	return keys, nil
}

// loadKeysConcurrently fans the key set out across workers goroutines,
// mirroring the teacher's own n-goroutines-mod-n-index split for
// concurrent insert benchmarks, but driven through errgroup so the
// first worker's error aborts the rest instead of being swallowed.
func loadKeysConcurrently(ctx context.Context, engine *blink_tree.Engine, keys [][]byte, workers int, log *zap.Logger) error {
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		worker := w
		g.Go(func() error {
			threadID := strconv.Itoa(worker)
			for i, key := range keys {
				if i%workers != worker {
					continue
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				value := key
				if len(value) > blink_tree.BtId {
					value = value[:blink_tree.BtId]
				}
				if err := engine.Insert(key, value, uint32(time.Now().Unix())); err != nil {
					log.Error("insert failed", zap.String("thread", threadID), zap.Binary("key", key), zap.Error(err))
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
