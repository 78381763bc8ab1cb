package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Chandnibai04/chat-application/loadtest/client"
	"github.com/Chandnibai04/chat-application/loadtest/stats"
)

// pairResult tracks the outcome of a single DM pair's run.
type pairResult struct {
	connected bool
	msgSent   int64
	msgRecv   int64
	acked     int64
	limited   int64
}

// runDM implements the direct message load test. Credentials are consumed in
// pairs: each pair connects both users, then for the test duration each side
// sends messages to its partner on its own ticker while counting deliveries
// and acks. This exercises the full path: persist, fanout, sender ack, and
// presence on connect and disconnect.
func runDM(args []string) {
	fs := flag.NewFlagSet("dm", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	tokensFile := fs.String("tokens", "tokens.txt", "Credentials file with one \"user_id token\" per line")
	pairs := fs.Int("pairs", 100, "Number of user pairs (requires 2x credentials)")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	testDuration := fs.Duration("duration", 30*time.Second, "How long each pair exchanges messages")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	creds, err := loadCredentials(*tokensFile)
	if err != nil {
		fmt.Println(err)
		return
	}

	if *pairs*2 > len(creds) {
		avail := len(creds) / 2
		fmt.Printf("Only %d credentials available; reducing to %d pairs.\n", len(creds), avail)
		*pairs = avail
	}
	if *pairs == 0 {
		fmt.Println("Need at least 2 credentials to form a pair.")
		return
	}
	totalClients := *pairs * 2

	fmt.Printf("DM test: %d pairs (%d clients) to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *testDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Connections indexed by credential position so pairing stays aligned.
	// A nil slot means that client failed to connect.
	var mu sync.Mutex
	clients := make([]*client.Client, totalClients)

	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, totalClients, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			idx := launched
			launched++
			cred := creds[idx]
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				dialURL, err := authURL(*url, cred.Token)
				if err != nil {
					collector.AddError()
					return
				}
				c, err := client.New(connCtx, dialURL)
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.WaitForSession(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				clients[idx] = c
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted — skipping message phase.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// Only pairs where both sides connected can exchange messages.
	type dmPair struct {
		a, b         *client.Client
		aUser, bUser string
	}
	var livePairs []dmPair
	mu.Lock()
	for i := 0; i < *pairs; i++ {
		a, b := clients[i*2], clients[i*2+1]
		if a == nil || b == nil {
			continue
		}
		livePairs = append(livePairs, dmPair{
			a: a, b: b,
			aUser: creds[i*2].UserID, bUser: creds[i*2+1].UserID,
		})
	}
	mu.Unlock()

	if len(livePairs) == 0 {
		fmt.Println("No pairs could be formed — not enough connections.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Exchange messages
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Running %d DM pairs ---\n", len(livePairs))

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var totalAcked atomic.Int64
	var totalLimited atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	results := make([]pairResult, len(livePairs))

	var pairWg sync.WaitGroup

	// Generate message payload once (reused by all pairs).
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Progress reporting every 5 seconds.
	dmProgressStop := make(chan struct{})
	var dmProgressWg sync.WaitGroup
	dmProgressWg.Add(1)
	go func() {
		defer dmProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [dm] completed: %d/%d  sent: %d  delivered: %d  acked: %d  limited: %d  errors: %d\n",
					completedPairs.Load(), len(livePairs),
					totalMsgSent.Load(), totalMsgRecv.Load(),
					totalAcked.Load(), totalLimited.Load(), errorCount.Load())
			case <-dmProgressStop:
				return
			}
		}
	}()

	dmStart := time.Now()

	for i, p := range livePairs {
		i, p := i, p
		pairWg.Add(1)
		go func() {
			defer pairWg.Done()
			defer completedPairs.Add(1)

			// Stagger pair starts by 50ms to spread the first burst.
			stagger := time.Duration(i) * 50 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runDMPair(ctx, p.a, p.b, p.aUser, p.bUser, *testDuration, *msgInterval,
				msgPayload, collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &totalAcked, &totalLimited, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted — waiting for pairs to wind down...")
		<-allDone
	}

	close(dmProgressStop)
	dmProgressWg.Wait()

	dmElapsed := time.Since(dmStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var totalSent, totalRecv, acked, limited int64
	for _, r := range results {
		totalSent += r.msgSent
		totalRecv += r.msgRecv
		acked += r.acked
		limited += r.limited
	}

	fmt.Printf("\n--- DM Results ---\n")
	fmt.Printf("Pairs run:       %d / %d\n", len(livePairs), *pairs)
	fmt.Printf("Total msg sent:  %d\n", totalSent)
	fmt.Printf("Total delivered: %d\n", totalRecv)
	fmt.Printf("Total acked:     %d\n", acked)
	fmt.Printf("Rate limited:    %d\n", limited)
	fmt.Printf("Test duration:   %s\n", dmElapsed.Round(time.Millisecond))
	if dmElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:  %.1f msg/s\n", float64(totalSent)/dmElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// runDMPair exchanges messages between two connected clients for the given
// duration. Each side sends to its partner on its own ticker; delivery counts
// come from "message" frames on the receiving side and "message_sent" acks on
// the sending side. Delivery latency is approximated as the time between a
// client's last send and its partner's next receive, the same way the connect
// metrics approximate handshake cost.
func runDMPair(
	ctx context.Context,
	c1, c2 *client.Client,
	user1, user2 string,
	duration, msgInterval time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, totalAcked, totalLimited, errorCount *atomic.Int64,
) {
	result.connected = true

	var c1LastSend atomic.Int64 // unix nanoseconds of c1's last send
	var c2LastSend atomic.Int64 // unix nanoseconds of c2's last send

	var resultMu sync.Mutex

	// Deliveries: c2 receives what c1 sent and vice versa. The handler also
	// fires for sender echoes; only count frames from the partner.
	onMessage := func(self, partner string, partnerLastSend *atomic.Int64) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				Message struct {
					Sender string `json:"sender"`
				} `json:"message"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Message.Sender != partner {
				return
			}
			totalMsgRecv.Add(1)
			resultMu.Lock()
			result.msgRecv++
			resultMu.Unlock()
			if ts := partnerLastSend.Load(); ts > 0 {
				collector.AddMsgLatency(time.Since(time.Unix(0, ts)))
			}
		}
	}
	c1.On(client.TypeMessage, onMessage(user1, user2, &c2LastSend))
	c2.On(client.TypeMessage, onMessage(user2, user1, &c1LastSend))

	onAck := func(raw json.RawMessage) {
		totalAcked.Add(1)
		resultMu.Lock()
		result.acked++
		resultMu.Unlock()
	}
	c1.On(client.TypeMessageSent, onAck)
	c2.On(client.TypeMessageSent, onAck)

	onLimited := func(raw json.RawMessage) {
		totalLimited.Add(1)
		resultMu.Lock()
		result.limited++
		resultMu.Unlock()
	}
	c1.On(client.TypeRateLimited, onLimited)
	c2.On(client.TypeRateLimited, onLimited)

	dmCtx, dmCancel := context.WithTimeout(ctx, duration)
	defer dmCancel()

	var dmWg sync.WaitGroup
	dmWg.Add(2)

	sender := func(c *client.Client, receiver string, lastSend *atomic.Int64) {
		defer dmWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()

		for {
			select {
			case <-dmCtx.Done():
				return
			case <-ticker.C:
				lastSend.Store(time.Now().UnixNano())
				if err := c.SendDM(receiver, msgPayload); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				resultMu.Lock()
				result.msgSent++
				resultMu.Unlock()
			}
		}
	}

	go sender(c1, user2, &c1LastSend)
	go sender(c2, user1, &c2LastSend)

	dmWg.Wait()
}

// cleanup closes all tracked client connections.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	closed := 0
	for _, c := range clients {
		if c != nil {
			c.Close()
			closed++
		}
	}
	fmt.Printf("\nClosed %d connections.\n", closed)
}
