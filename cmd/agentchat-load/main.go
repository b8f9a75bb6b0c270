// agentchat-load drives a relay with concurrent scripted agents: a chat
// swarm measuring broadcast round-trips, plus optional proposer/acceptor
// pairs running full signed deal lifecycles.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentchat/relay/pkg/client"
)

// LoadConfig holds the load test parameters.
type LoadConfig struct {
	Addr           string
	Agents         int
	Messages       int
	Channel        string
	DealPairs      int
	Deals          int
	Pace           time.Duration
	ReportInterval time.Duration
}

// LoadStats tracks counters across all workers. Counters are atomic; the
// latency slice has its own lock.
type LoadStats struct {
	Sent       uint64
	Echoes     uint64
	Broadcasts uint64
	Limited    uint64
	Deals      uint64
	Errors     uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *LoadStats) record(d time.Duration) {
	atomic.AddUint64(&s.Echoes, 1)
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func main() {
	addr := flag.String("addr", "localhost:6667", "relay line-transport address")
	agents := flag.Int("agents", 20, "number of concurrent chat agents")
	messages := flag.Int("msgs", 50, "messages each chat agent sends")
	channelName := flag.String("channel", "#general", "channel the swarm chats in")
	dealPairs := flag.Int("deal-pairs", 0, "number of proposer/acceptor pairs")
	deals := flag.Int("deals", 10, "deal lifecycles per pair")
	pace := flag.Duration("pace", time.Second, "delay between messages per agent")
	reportInterval := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	cfg := LoadConfig{
		Addr:           *addr,
		Agents:         *agents,
		Messages:       *messages,
		Channel:        *channelName,
		DealPairs:      *dealPairs,
		Deals:          *deals,
		Pace:           *pace,
		ReportInterval: *reportInterval,
	}

	slog.Info("[Load] starting",
		"addr", cfg.Addr,
		"agents", cfg.Agents,
		"msgs", cfg.Messages,
		"deal_pairs", cfg.DealPairs,
	)

	stats := runLoad(cfg)
	printResults(stats)
}

func runLoad(cfg LoadConfig) *LoadStats {
	stats := &LoadStats{}
	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportLoop(ctx, stats, cfg.ReportInterval)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := chatWorker(cfg, n, stats); err != nil {
				atomic.AddUint64(&stats.Errors, 1)
				slog.Warn("[Load] chat worker stopped", "worker", n, "error", err)
			}
		}(i)
	}
	for i := 0; i < cfg.DealPairs; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := dealWorker(cfg, n, stats); err != nil {
				atomic.AddUint64(&stats.Errors, 1)
				slog.Warn("[Load] deal worker stopped", "pair", n, "error", err)
			}
		}(i)
	}
	wg.Wait()

	stats.mu.Lock()
	defer stats.mu.Unlock()
	slog.Info("[Load] finished", "elapsed", time.Since(start).Round(time.Millisecond))
	return stats
}

// chatWorker identifies an ephemeral agent, joins the channel and sends its
// quota of messages, timing each broadcast round-trip by waiting for its own
// echo. Rate-limit rejections are counted, backed off and skipped.
func chatWorker(cfg LoadConfig, n int, stats *LoadStats) error {
	c, err := client.Dial(client.Config{
		Addr:    cfg.Addr,
		Name:    fmt.Sprintf("load-%03d", n),
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Identify(); err != nil {
		return err
	}
	if _, err := c.Join(cfg.Channel); err != nil {
		return err
	}

	for msg := 0; msg < cfg.Messages; msg++ {
		begin := time.Now()
		if err := c.Say(cfg.Channel, fmt.Sprintf("probe %d from %s", msg, c.AgentID())); err != nil {
			return err
		}
		atomic.AddUint64(&stats.Sent, 1)

	echo:
		for {
			f, err := c.Next()
			if err != nil {
				return err
			}
			switch {
			case f.Type == client.TypeError && f.Code == "RATE_LIMITED":
				atomic.AddUint64(&stats.Limited, 1)
				time.Sleep(time.Second)
				break echo
			case f.Type == client.TypeError:
				atomic.AddUint64(&stats.Errors, 1)
				break echo
			case f.Type == client.TypeMsg && f.Replay:
				// History replayed at join time, not traffic.
			case f.Type == client.TypeMsg && f.From == c.WireID():
				stats.record(time.Since(begin))
				break echo
			case f.Type == client.TypeMsg:
				atomic.AddUint64(&stats.Broadcasts, 1)
			}
		}

		if cfg.Pace > 0 {
			time.Sleep(cfg.Pace)
		}
	}
	return nil
}

// dealWorker runs two persistent agents through signed deal lifecycles:
// propose, accept, complete, every transition acknowledged on both streams.
func dealWorker(cfg LoadConfig, pair int, stats *LoadStats) error {
	proposer, ppriv, err := dialSigned(cfg.Addr, fmt.Sprintf("dealer-%d-a", pair))
	if err != nil {
		return err
	}
	defer proposer.Close()

	acceptor, apriv, err := dialSigned(cfg.Addr, fmt.Sprintf("dealer-%d-b", pair))
	if err != nil {
		return err
	}
	defer acceptor.Close()

	for i := 0; i < cfg.Deals; i++ {
		propID := client.NewProposalID()
		task := fmt.Sprintf("load deal %d", i)

		sig := client.Sign(ppriv, client.ProposalSigningString(
			propID, proposer.WireID(), acceptor.WireID(), task, 1, "USD", ""))
		if err := proposer.Send(&client.Frame{
			Type:       client.TypeProposal,
			To:         acceptor.WireID(),
			ProposalID: propID,
			Task:       task,
			Amount:     1,
			Currency:   "USD",
			Signature:  sig,
		}); err != nil {
			return err
		}
		if _, err := acceptor.Expect(client.TypeProposal); err != nil {
			return fmt.Errorf("deal %s offer: %w", propID, err)
		}
		if _, err := proposer.Expect(client.TypeProposal); err != nil {
			return err
		}

		acceptSig := client.Sign(apriv, client.AcceptSigningString(propID, ""))
		if err := acceptor.Send(&client.Frame{
			Type:       client.TypeAccept,
			ProposalID: propID,
			Signature:  acceptSig,
		}); err != nil {
			return err
		}
		if _, err := proposer.Expect(client.TypeAccept); err != nil {
			return fmt.Errorf("deal %s accept: %w", propID, err)
		}
		if _, err := acceptor.Expect(client.TypeAccept); err != nil {
			return err
		}

		completeSig := client.Sign(ppriv, client.CompleteSigningString(propID, "done"))
		if err := proposer.Send(&client.Frame{
			Type:       client.TypeComplete,
			ProposalID: propID,
			Proof:      "done",
			Signature:  completeSig,
		}); err != nil {
			return err
		}
		if _, err := acceptor.Expect(client.TypeComplete); err != nil {
			return fmt.Errorf("deal %s complete: %w", propID, err)
		}
		if _, err := proposer.Expect(client.TypeComplete); err != nil {
			return err
		}

		atomic.AddUint64(&stats.Deals, 1)
	}
	return nil
}

func dialSigned(addr, name string) (*client.Client, ed25519.PrivateKey, error) {
	_, priv, err := client.NewKeypair()
	if err != nil {
		return nil, nil, err
	}
	c, err := client.Dial(client.Config{Addr: addr, Name: name, Timeout: 10 * time.Second})
	if err != nil {
		return nil, nil, err
	}
	if err := c.IdentifyWithKey(priv); err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, priv, nil
}

func reportLoop(ctx context.Context, stats *LoadStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			slog.Info("[Load] progress",
				"sent", atomic.LoadUint64(&stats.Sent),
				"echoes", atomic.LoadUint64(&stats.Echoes),
				"deals", atomic.LoadUint64(&stats.Deals),
				"limited", atomic.LoadUint64(&stats.Limited),
				"errors", atomic.LoadUint64(&stats.Errors),
			)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadStats) {
	sort.Slice(stats.latencies, func(i, j int) bool { return stats.latencies[i] < stats.latencies[j] })

	slog.Info("[Load] results",
		"sent", stats.Sent,
		"echoes", stats.Echoes,
		"broadcasts_seen", stats.Broadcasts,
		"deals", stats.Deals,
		"rate_limited", stats.Limited,
		"errors", stats.Errors,
	)
	if len(stats.latencies) == 0 {
		return
	}

	var total time.Duration
	for _, d := range stats.latencies {
		total += d
	}
	slog.Info("[Load] echo latency",
		"avg", (total / time.Duration(len(stats.latencies))).Round(time.Microsecond),
		"p50", percentile(stats.latencies, 0.50).Round(time.Microsecond),
		"p95", percentile(stats.latencies, 0.95).Round(time.Microsecond),
		"p99", percentile(stats.latencies, 0.99).Round(time.Microsecond),
		"max", stats.latencies[len(stats.latencies)-1].Round(time.Microsecond),
	)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
