package fs

import (
	"context"
	"encoding/csv"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/cmd/util"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf [parentID]",
		Short:   "Performance testing tool for metadata nodes",
		Long:    "Runs parallel mkdir, stat, setattr and rmdir benchmarks below the given parent directory",
		Args:    cobra.ExactArgs(1),
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfNamePrefix = "__perf"
	perfNumThreads = 10
	perfDirSpread  = 100
	perfSkip       = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. mkdir,stat)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "dirs"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different directories to use for the stat and setattr tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfDirSpread = max(1, viper.GetInt("dirs"))
	perfNumThreads = viper.GetInt("threads")
	perfSkip = util.ParseList(viper.GetString("skip"))

	return nil
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	parent := args[0]

	fmt.Println("Performance testing tool for metadata nodes")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	mkdirResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("mkdir") {
			return
		}

		var created atomic.Int64

		// cleanup
		b.Cleanup(func() {
			for i := int64(0); i < created.Load(); i++ {
				removeDir(ctx, "mkdir", parent, dirName("mkdir", int(i)))
			}
		})

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				i := created.Add(1) - 1
				if _, err := metaClient.MkDir(ctx, &msg.MkDir{ParentID: parent, Name: dirName("mkdir", int(i)), Mode: 0o755}); err != nil {
					log.Printf("(mkdir) - error creating directory: %v\n", err)
				}
			}
		})
	})

	results["mkdir"] = mkdirResult
	printResult("mkdir", mkdirResult)

	statResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("stat") {
			return
		}

		ids := createDirs(ctx, b, "stat", parent, perfDirSpread)

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if _, err := metaClient.Stat(ctx, ids[counter%len(ids)]); err != nil {
					log.Printf("(stat) - error reading entry: %v\n", err)
				}
				counter++
			}
		})
	})

	results["stat"] = statResult
	printResult("stat", statResult)

	setAttrResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("setattr") {
			return
		}

		ids := createDirs(ctx, b, "setattr", parent, perfDirSpread)

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				req := &msg.SetAttr{EntryID: ids[counter%len(ids)], Valid: msg.AttrMode, Mode: 0o700 | uint32(counter%2)*0o055}
				if err := metaClient.SetAttr(ctx, req); err != nil {
					log.Printf("(setattr) - error changing entry: %v\n", err)
				}
				counter++
			}
		})
	})

	results["setattr"] = setAttrResult
	printResult("setattr", setAttrResult)

	rmdirResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("rmdir") {
			return
		}

		// one directory per operation
		for i := 0; i < b.N; i++ {
			if _, err := metaClient.MkDir(ctx, &msg.MkDir{ParentID: parent, Name: dirName("rmdir", i), Mode: 0o755}); err != nil {
				log.Printf("(rmdir) - error creating directory: %v\n", err)
			}
		}

		var next atomic.Int64

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				i := next.Add(1) - 1
				if err := metaClient.RmDir(ctx, &msg.RmDir{ParentID: parent, Name: dirName("rmdir", int(i))}); err != nil {
					log.Printf("(rmdir) - error removing directory: %v\n", err)
				}
			}
		})
	})

	results["rmdir"] = rmdirResult
	printResult("rmdir", rmdirResult)

	mixedUsageResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("mixed") {
			return
		}

		var workers atomic.Int64

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			name := dirName("mixed", int(workers.Add(1)))
			counter := 0
			id := ""
			for pb.Next() {
				var err error
				switch counter % 4 {
				case 0: // mkdir
					id, err = metaClient.MkDir(ctx, &msg.MkDir{ParentID: parent, Name: name, Mode: 0o755})
				case 1: // stat
					_, err = metaClient.Stat(ctx, id)
				case 2: // setattr
					err = metaClient.SetAttr(ctx, &msg.SetAttr{EntryID: id, Valid: msg.AttrMode, Mode: 0o700})
				case 3: // rmdir
					err = metaClient.RmDir(ctx, &msg.RmDir{ParentID: parent, Name: name})
				}

				if err != nil {
					log.Printf("(mixed) - error performing operation (%d): %v\n", counter%4, err)
				}
				counter++
			}
			if counter%4 != 0 {
				removeDir(ctx, "mixed", parent, name)
			}
		})
	})

	results["mixed"] = mixedUsageResult
	printResult("mixed", mixedUsageResult)

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

func dirName(test string, i int) string {
	return fmt.Sprintf("%s-%s-%d", perfNamePrefix, test, i)
}

// createDirs creates n directories and removes them when the benchmark is done
func createDirs(ctx context.Context, b *testing.B, test, parent string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := metaClient.MkDir(ctx, &msg.MkDir{ParentID: parent, Name: dirName(test, i), Mode: 0o755})
		if err != nil {
			log.Printf("(%s) - error creating directory: %v\n", test, err)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		b.Fatalf("(%s) - no directory could be created", test)
	}

	b.Cleanup(func() {
		for i := 0; i < n; i++ {
			removeDir(ctx, test, parent, dirName(test, i))
		}
	})
	return ids
}

func removeDir(ctx context.Context, test, parent, name string) {
	if err := metaClient.RmDir(ctx, &msg.RmDir{ParentID: parent, Name: name}); err != nil {
		log.Printf("(%s) - error removing directory: %v\n", test, err)
	}
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Nodes", "TargetNode", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Threads", "Dirs",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
			nsPerOp = 0
			opsPerSec = 0
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.FormatUint(uint64(util.GetTargetNode()), 10),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfDirSpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
