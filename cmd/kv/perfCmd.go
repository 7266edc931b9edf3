package kv

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/mKV/cmd/util"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for map files",
		Long:    "",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 1
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfOps              = 100_000
	perfSkip             = make([]string, 0)

	// percentiles reported for every benchmark
	perfPercentiles = []float64{0.5, 0.95, 0.99}
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 1, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 100_000, util.WrapString("Number of operations per benchmark"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfOps = max(viper.GetInt("ops"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// benchmark is one perf test. op is called with a running counter per worker.
type benchmark struct {
	name    string
	prepare func(keys []string) error
	op      func(keys []string, counter int) error
}

// result is the latency summary of a benchmark, nil timer if skipped.
type result struct {
	name    string
	elapsed time.Duration
	timer   metrics.Timer
	errors  int64
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for map files")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Path: %s\n", viper.GetString("path"))
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Operations: %d\n", perfOps)
	fmt.Println()

	fmt.Println("staring tests...")

	registry := metrics.NewRegistry()
	defer registry.UnregisterAll()

	benches := benchmarks()
	results := make([]result, 0, len(benches))
	for _, bench := range benches {
		if shouldSkip(bench.name) {
			results = append(results, result{name: bench.name})
			printResult(results[len(results)-1])
			continue
		}
		res, err := runBenchmark(registry, bench)
		if err != nil {
			return fmt.Errorf("(%s) - %w", bench.name, err)
		}
		results = append(results, res)
		printResult(res)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// benchmarks returns the perf tests in execution order.
func benchmarks() []benchmark {
	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)

	fill := func(keys []string) error {
		for _, k := range keys {
			if err := localStore.Set(k, value); err != nil {
				return err
			}
		}
		return nil
	}

	return []benchmark{
		{
			name: "set",
			op: func(keys []string, counter int) error {
				return localStore.Set(keys[counter%len(keys)], value)
			},
		},
		{
			name: "set-large",
			op: func(keys []string, counter int) error {
				return localStore.Set(keys[counter%len(keys)], largeValue)
			},
		},
		{
			name:    "get",
			prepare: fill,
			op: func(keys []string, counter int) error {
				_, _, err := localStore.Get(keys[counter%len(keys)])
				return err
			},
		},
		{
			name:    "delete",
			prepare: fill,
			op: func(keys []string, counter int) error {
				return localStore.Delete(keys[counter%len(keys)])
			},
		},
		{
			name:    "has",
			prepare: fill,
			op: func(keys []string, counter int) error {
				_, err := localStore.Has(keys[counter%len(keys)])
				return err
			},
		},
		{
			name: "has-not",
			op: func(keys []string, counter int) error {
				_, err := localStore.Has(keys[counter%len(keys)] + "-not")
				return err
			},
		},
		{
			name:    "mixed",
			prepare: fill,
			op: func(keys []string, counter int) error {
				key := keys[counter%len(keys)]
				var err error
				switch counter % 4 {
				case 0: // set
					err = localStore.Set(key, value)
				case 1: // get
					_, _, err = localStore.Get(key)
				case 2: // delete
					err = localStore.Delete(key)
				case 3: // has
					_, err = localStore.Has(key)
				}
				return err
			},
		},
	}
}

// runBenchmark spreads perfOps operations over perfNumThreads workers and
// records the latency of every operation in a timer of the registry.
func runBenchmark(registry metrics.Registry, bench benchmark) (result, error) {
	keys := getKeys(bench.name)
	if bench.prepare != nil {
		if err := bench.prepare(keys); err != nil {
			return result{}, fmt.Errorf("error preparing keys: %w", err)
		}
	}

	// cleanup
	defer func() {
		for _, k := range keys {
			if err := localStore.Delete(k); err != nil {
				log.Warningf("(%s) - error deleting key: %v", bench.name, err)
			}
		}
	}()

	timer := metrics.GetOrRegisterTimer(bench.name, registry)
	errCount := metrics.GetOrRegisterCounter(bench.name+".errors", registry)

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < perfNumThreads; w++ {
		ops := perfOps / perfNumThreads
		if w < perfOps%perfNumThreads {
			ops++
		}
		offset := w * perfKeySpread / perfNumThreads
		g.Go(func() error {
			for i := 0; i < ops; i++ {
				opStart := time.Now()
				err := bench.op(keys, offset+i)
				timer.UpdateSince(opStart)
				if err != nil {
					errCount.Inc(1)
					log.Debugf("(%s) - operation failed: %v", bench.name, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return result{
		name:    bench.name,
		elapsed: time.Since(start),
		timer:   timer.Snapshot(),
		errors:  errCount.Count(),
	}, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// getKeys creates the test keys of a benchmark
func getKeys(prefix string) []string {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}
	return keys
}

// opsPerSec is the throughput of all workers together.
func (r result) opsPerSec() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.timer.Count()) / r.elapsed.Seconds()
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(r result) {
	if r.timer == nil {
		fmt.Printf("%-12sskipped\n", r.name)
		return
	}

	ps := r.timer.Percentiles(perfPercentiles)
	fmt.Printf("%-12smean %-10s p50 %-10s p95 %-10s p99 %-10s max %-10s\t%.0f ops/sec",
		r.name,
		time.Duration(r.timer.Mean()),
		time.Duration(ps[0]),
		time.Duration(ps[1]),
		time.Duration(ps[2]),
		time.Duration(r.timer.Max()),
		r.opsPerSec(),
	)
	if r.errors > 0 {
		fmt.Printf("\t(%d errors)", r.errors)
	}
	fmt.Println()
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []result) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "Ops", "Errors", "MeanNs", "P50Ns", "P95Ns", "P99Ns", "MaxNs", "OpsPerSec", "Skipped",
		"Path", "Segments", "Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for _, r := range results {
		row := []string{r.name, "0", "0", "0", "0", "0", "0", "0", "0", "true"}
		if r.timer != nil {
			ps := r.timer.Percentiles(perfPercentiles)
			row = []string{
				r.name,
				strconv.FormatInt(r.timer.Count(), 10),
				strconv.FormatInt(r.errors, 10),
				fmt.Sprintf("%.0f", r.timer.Mean()),
				fmt.Sprintf("%.0f", ps[0]),
				fmt.Sprintf("%.0f", ps[1]),
				fmt.Sprintf("%.0f", ps[2]),
				strconv.FormatInt(r.timer.Max(), 10),
				fmt.Sprintf("%.0f", r.opsPerSec()),
				"false",
			}
		}
		row = append(row,
			viper.GetString("path"),
			strconv.FormatInt(viper.GetInt64("segments"), 10),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		)

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.name, err)
		}
	}

	return nil
}
