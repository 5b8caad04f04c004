// Package main replays recorded transactions through the approval phishing
// detector and prints the raised alerts as JSON lines.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	"approval-sentinel/internal/agent"
	"approval-sentinel/internal/approvals"
	"approval-sentinel/internal/blockchain/erc20"
	"approval-sentinel/internal/config"
	"approval-sentinel/internal/logging"
)

var version = "dev"

// maxLineSize bounds a single JSON line; block-sized calldata fits.
const maxLineSize = 4 * 1024 * 1024

func main() {
	fs := flag.NewFlagSet("approval-replay", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file (default $SENTINEL_CONFIG_PATH or "+config.DefaultPath+")")
	period := fs.Uint64("period", 0, "Override observation_period_duration in blocks")
	minimum := fs.Int("min", -1, "Override minimum_number_of_approvals")
	rpcURL := fs.String("rpc", "", "Override node.rpc_url used to classify spenders")
	offline := fs.Bool("offline", false, "Classify without a node: every spender is an EOA unless listed in -contracts")
	contracts := fs.String("contracts", "", "File with one contract address per line (offline mode)")
	showVersion := fs.Bool("version", false, "Show version and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: approval-replay [flags] [file.jsonl]\n\n")
		fmt.Fprintf(os.Stderr, "Reads one JSON transaction per line from file or stdin.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("approval-replay %s\n", version)
		return
	}

	if *configPath != "" {
		os.Setenv("SENTINEL_CONFIG_PATH", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *period > 0 {
		cfg.Detection.ObservationPeriodDuration = *period
	}
	if *minimum >= 0 {
		cfg.Detection.MinimumNumberOfApprovals = *minimum
	}
	if *rpcURL != "" {
		cfg.Node.RPCURL = *rpcURL
	}

	// Alerts go to stdout, logs to stderr.
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	in := io.Reader(os.Stdin)
	if fs.NArg() > 0 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()

	var classify approvals.ClassifyFunc
	if *offline {
		known, err := loadContracts(*contracts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		classify = offlineClassifier(known)
	} else {
		eth, err := ethclient.DialContext(ctx, cfg.Node.RPCURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: connect to node: %v\n", err)
			os.Exit(1)
		}
		defer eth.Close()
		classify = erc20.NewClassifier(eth, cfg.Classifier, logger).IsEOA
	}

	decoder, err := erc20.NewDecoder()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	detector := approvals.NewDetector(approvals.NewStore(), approvals.WithLogger(logger))
	handle := agent.Provide(decoder, detector, classify, cfg.Detection)

	stats, err := replay(ctx, in, os.Stdout, handle, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("replay finished",
		"transactions", stats.Transactions,
		"malformed", stats.Malformed,
		"failed", stats.Failed,
		"alerts", stats.Alerts,
	)
	if stats.Failed > 0 || stats.Malformed > 0 {
		os.Exit(2)
	}
}

type replayStats struct {
	Transactions int
	Malformed    int
	Failed       int
	Alerts       int
}

// replay feeds every JSON line of in to handle in order and writes the
// alerts to out. Bad lines and failing transactions are logged and counted.
func replay(ctx context.Context, in io.Reader, out io.Writer, handle agent.HandleTransaction, logger *slog.Logger) (replayStats, error) {
	var stats replayStats

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	enc := json.NewEncoder(out)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var raw erc20.RawTransaction
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			stats.Malformed++
			logger.Warn("skipping malformed line", "line", line, "error", err)
			continue
		}
		stats.Transactions++

		alerts, err := handle(ctx, &raw)
		if err != nil {
			stats.Failed++
			logger.Error("failed to process transaction", "line", line, "tx", raw.Hash, "error", err)
			continue
		}

		for _, alert := range alerts {
			if err := enc.Encode(alert); err != nil {
				return stats, fmt.Errorf("write alert: %w", err)
			}
			stats.Alerts++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read input: %w", err)
	}

	return stats, nil
}

func loadContracts(path string) (map[string]bool, error) {
	known := make(map[string]bool)
	if path == "" {
		return known, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contracts file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		addr := strings.ToLower(strings.TrimSpace(line))
		if addr == "" || strings.HasPrefix(addr, "#") {
			continue
		}
		known[addr] = true
	}
	return known, nil
}

func offlineClassifier(contracts map[string]bool) approvals.ClassifyFunc {
	return func(_ context.Context, address string) (bool, error) {
		return !contracts[strings.ToLower(address)], nil
	}
}
