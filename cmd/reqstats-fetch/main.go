// Command reqstats-fetch issues stats commands against one server and prints
// the replies. Every command drains the data it reports on the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danweinerdev/go-reqstats/statsrpc"
)

func main() {
	addr := flag.String("addr", "localhost:8123", "Stats server address")
	command := flag.String("cmd", "all", "Command to run: counts, lengths, endpoints, pool or all")
	percentiles := flag.String("percentiles", "50,90,99", "Comma separated percentiles for the lengths command")
	thresholds := flag.String("thresholds", "0.1,1", "Comma separated thresholds in seconds for the lengths command")
	timeout := flag.Duration("timeout", 10*time.Second, "Per-command timeout")
	flag.Parse()

	if err := run(os.Stdout, *addr, *command, *percentiles, *thresholds, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(w io.Writer, addr, command, percentileList, thresholdList string, timeout time.Duration) error {
	percentiles, err := parseList(percentileList, func(s string) (int32, error) {
		v, err := strconv.ParseInt(s, 10, 32)
		return int32(v), err
	})
	if err != nil {
		return fmt.Errorf("percentiles: %w", err)
	}
	thresholds, err := parseList(thresholdList, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
	if err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	client, err := statsrpc.Dial(ctx, addr, addr)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	commands := map[string]func(context.Context) error{
		"counts": func(ctx context.Context) error {
			s, err := client.FetchRequestStats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "requests: %d errors: %.2f%%\n", s.RequestCount, s.ErrorPercentage)
			return nil
		},
		"lengths": func(ctx context.Context) error {
			s, err := client.FetchRequestLengthStats(ctx, percentiles, thresholds)
			if err != nil {
				return err
			}
			return printLengths(w, s, percentiles, thresholds)
		},
		"endpoints": func(ctx context.Context) error {
			entries, err := client.FetchEndpointRequestLengthStats(ctx)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(w, "%s: %d requests %v\n", e.Endpoint, len(e.Lengths), e.Lengths)
			}
			return nil
		},
		"pool": func(ctx context.Context) error {
			s, err := client.FetchThreadPoolStats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "workers waiting: %d working: %d queued: %d\n", s.Waiting, s.Working, s.Queued)
			return nil
		},
	}

	order := []string{"counts", "lengths", "endpoints", "pool"}
	if command != "all" {
		if _, ok := commands[command]; !ok {
			return fmt.Errorf("unknown command %q", command)
		}
		order = []string{command}
	}

	for _, name := range order {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := commands[name](ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func printLengths(w io.Writer, s statsrpc.LengthStats, percentiles []int32, thresholds []float64) error {
	if s.NoData() {
		fmt.Fprintln(w, "lengths: no data")
		return nil
	}
	if len(s.Lengths) != len(percentiles) || len(s.Ranks) != len(thresholds) {
		return fmt.Errorf("malformed reply: %d lengths for %d percentiles, %d ranks for %d thresholds",
			len(s.Lengths), len(percentiles), len(s.Ranks), len(thresholds))
	}
	for i, p := range percentiles {
		fmt.Fprintf(w, "p%d: %gs\n", p, s.Lengths[i])
	}
	for i, th := range thresholds {
		fmt.Fprintf(w, "rank(%gs): %g%%\n", th, s.Ranks[i])
	}
	return nil
}

func parseList[T any](list string, parse func(string) (T, error)) ([]T, error) {
	var out []T
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := parse(field)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
