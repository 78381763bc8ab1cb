// Package main implements a standalone end-to-end integration test for the
// relay server. It validates the full user journey against a running stack:
// health checks, authenticated WebSocket handshake, presence, direct message
// delivery, multi-device echo, history, and rate limiting.
//
// It needs credentials for two distinct users, issued with the tokengen tool:
//
//	go run ./cmd/e2etest/ -token-a <token> -user-a alice -token-b <token> -user-b bob
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Chandnibai04/chat-application/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// creds holds the two test users' identities and tokens.
type creds struct {
	userA, tokenA string
	userB, tokenB string
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	userA := flag.String("user-a", "", "User ID for test user A")
	tokenA := flag.String("token-a", "", "Auth token for test user A")
	userB := flag.String("user-b", "", "User ID for test user B")
	tokenB := flag.String("token-b", "", "Auth token for test user B")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	if *userA == "" || *tokenA == "" || *userB == "" || *tokenB == "" {
		fmt.Fprintln(os.Stderr, "need -user-a/-token-a and -user-b/-token-b (issue with the tokengen tool)")
		os.Exit(1)
	}
	c := creds{userA: *userA, tokenA: *tokenA, userB: *userB, tokenB: *tokenB}

	fmt.Println("=== Relay E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2AuthHandshake(ctx, *wsURL, c))

	// Scenarios 3-5 share connected clients; run them as a group.
	s3, s4, s5 := scenario345PresenceDMEcho(ctx, *wsURL, c)
	results = append(results, s3, s4, s5)

	results = append(results, scenario6History(ctx, *wsURL, c))

	// Optional scenario (non-fatal).
	results = append(results, scenario7RateLimiting(ctx, *wsURL, c))

	// -----------------------------------------------------------------------
	// Summary
	// -----------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health
	if err := httpGetExpectOK(ctx, apiBase+"/health"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}

	// 1b. /api/online — expect JSON with "count" field.
	body, err := httpGetBody(ctx, apiBase+"/api/online")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/api/online: %v", err)}
	}
	var onlineResp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &onlineResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/api/online JSON parse: %v", err)}
	}

	// 1c. /metrics — expect Prometheus text with relay_live_sessions.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "relay_live_sessions") {
		return scenarioResult{name, resultFail, "/metrics: missing relay_live_sessions"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("online=%d", onlineResp.Count)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Authenticated Handshake
// ---------------------------------------------------------------------------

func scenario2AuthHandshake(ctx context.Context, wsURL string, c creds) scenarioResult {
	name := "Scenario 2: Authenticated Handshake"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	// 2a. A connection without a token must be rejected before the upgrade.
	if bad, err := client.New(connCtx, wsURL); err == nil {
		// Some proxies complete the upgrade and close immediately; give the
		// handshake a moment to fail instead.
		waitCtx, waitCancel := context.WithTimeout(connCtx, 2*time.Second)
		sessErr := bad.WaitForSession(waitCtx)
		waitCancel()
		bad.Close()
		if sessErr == nil {
			return scenarioResult{name, resultFail, "unauthenticated connection was accepted"}
		}
	}

	// 2b. Valid tokens must yield session_created with the right user IDs.
	clientA, err := connectUser(connCtx, wsURL, c.tokenA)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A: %v", err)}
	}
	defer clientA.Close()

	clientB, err := connectUser(connCtx, wsURL, c.tokenB)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B: %v", err)}
	}
	defer clientB.Close()

	if got := clientA.UserID(); got != c.userA {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A user: expected %q, got %q", c.userA, got)}
	}
	if got := clientB.UserID(); got != c.userB {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B user: expected %q, got %q", c.userB, got)}
	}

	return scenarioResult{name, resultPass,
		fmt.Sprintf("session_a=%s, session_b=%s", truncateID(clientA.SessionID()), truncateID(clientB.SessionID()))}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Presence, Direct Messages, Multi-Device Echo
// ---------------------------------------------------------------------------

func scenario345PresenceDMEcho(ctx context.Context, wsURL string, c creds) (scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Presence"
	s4Name := "Scenario 4: Direct Messages"
	s5Name := "Scenario 5: Multi-Device Echo"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: setup failed"},
			scenarioResult{s5Name, resultFail, "skipped: setup failed"}
	}

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	// --- Scenario 3: Presence ---
	// A connects first and should observe B coming online.
	clientA, err := connectUser(connCtx, wsURL, c.tokenA)
	if err != nil {
		return failAll(fmt.Sprintf("client A: %v", err))
	}
	defer clientA.Close()

	bOnline := make(chan struct{}, 1)
	bOffline := make(chan struct{}, 1)
	clientA.On(client.TypePresence, func(raw json.RawMessage) {
		var msg struct {
			UserID string `json:"user_id"`
			State  string `json:"state"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.UserID != c.userB {
			return
		}
		ch := bOffline
		if msg.State == "online" {
			ch = bOnline
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	})

	clientB, err := connectUser(connCtx, wsURL, c.tokenB)
	if err != nil {
		return failAll(fmt.Sprintf("client B: %v", err))
	}
	defer clientB.Close()

	presenceCtx, presenceCancel := context.WithTimeout(ctx, 10*time.Second)
	defer presenceCancel()

	select {
	case <-bOnline:
	case <-presenceCtx.Done():
		return failAll("timeout waiting for presence online for user B")
	}

	s3Result := scenarioResult{s3Name, resultPass, fmt.Sprintf("%s observed online", c.userB)}

	// --- Scenario 4: Direct Messages ---
	msgToB := make(chan string, 1) // content B received from A
	msgToA := make(chan string, 1) // content A received from B
	ackA := make(chan int64, 1)    // message_sent ack on A

	clientB.On(client.TypeMessage, func(raw json.RawMessage) {
		var msg struct {
			Message struct {
				Sender  string `json:"sender"`
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Message.Sender == c.userA {
			select {
			case msgToB <- msg.Message.Content:
			default:
			}
		}
	})

	clientA.On(client.TypeMessage, func(raw json.RawMessage) {
		var msg struct {
			Message struct {
				Sender  string `json:"sender"`
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Message.Sender == c.userB {
			select {
			case msgToA <- msg.Message.Content:
			default:
			}
		}
	})

	clientA.On(client.TypeMessageSent, func(raw json.RawMessage) {
		var msg struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case ackA <- msg.ID:
			default:
			}
		}
	})

	dmCtx, dmCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dmCancel()

	textA := "Hello from A"
	if err := clientA.SendDM(c.userB, textA); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client A send: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: DM failed"}
	}

	// B should receive it and A should get an ack with the store ID.
	var receivedByB string
	select {
	case receivedByB = <-msgToB:
	case <-dmCtx.Done():
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: client B did not receive message from A"},
			scenarioResult{s5Name, resultFail, "skipped: DM failed"}
	}
	if receivedByB != textA {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("content mismatch: expected %q, got %q", textA, receivedByB)},
			scenarioResult{s5Name, resultFail, "skipped: DM failed"}
	}

	var ackedID int64
	select {
	case ackedID = <-ackA:
	case <-dmCtx.Done():
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: client A did not receive message_sent ack"},
			scenarioResult{s5Name, resultFail, "skipped: DM failed"}
	}
	if ackedID <= 0 {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("ack carried invalid message ID %d", ackedID)},
			scenarioResult{s5Name, resultFail, "skipped: DM failed"}
	}

	// B replies; A should receive it.
	textB := "Hello from B"
	if err := clientB.SendDM(c.userA, textB); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client B send: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: DM failed"}
	}

	var receivedByA string
	select {
	case receivedByA = <-msgToA:
	case <-dmCtx.Done():
		return s3Result,
			scenarioResult{s4Name, resultFail, "timeout: client A did not receive message from B"},
			scenarioResult{s5Name, resultFail, "skipped: DM failed"}
	}
	if receivedByA != textB {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("content mismatch: expected %q, got %q", textB, receivedByA)},
			scenarioResult{s5Name, resultFail, "skipped: DM failed"}
	}

	s4Result := scenarioResult{s4Name, resultPass, fmt.Sprintf("2 messages exchanged, ack id=%d", ackedID)}

	// --- Scenario 5: Multi-Device Echo ---
	// A second session for user A must receive a copy of A's outgoing message.
	clientA2, err := connectUser(connCtx, wsURL, c.tokenA)
	if err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("client A2: %v", err)}
	}
	defer clientA2.Close()

	echoA2 := make(chan string, 1)
	clientA2.On(client.TypeMessage, func(raw json.RawMessage) {
		var msg struct {
			Message struct {
				Sender  string `json:"sender"`
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Message.Sender == c.userA {
			select {
			case echoA2 <- msg.Message.Content:
			default:
			}
		}
	})

	echoText := "echo check"
	if err := clientA.SendDM(c.userB, echoText); err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("client A send: %v", err)}
	}

	echoCtx, echoCancel := context.WithTimeout(ctx, 10*time.Second)
	defer echoCancel()

	select {
	case got := <-echoA2:
		if got != echoText {
			return s3Result, s4Result,
				scenarioResult{s5Name, resultFail, fmt.Sprintf("echo content mismatch: expected %q, got %q", echoText, got)}
		}
	case <-echoCtx.Done():
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: second device did not receive sender echo"}
	}

	// Closing B's only session should surface as presence offline on A.
	clientB.Close()
	select {
	case <-bOffline:
	case <-echoCtx.Done():
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, "timeout: presence offline for user B not observed"}
	}

	return s3Result, s4Result, scenarioResult{s5Name, resultPass, "echo delivered, offline observed"}
}

// ---------------------------------------------------------------------------
// Scenario 6: History
// ---------------------------------------------------------------------------

func scenario6History(ctx context.Context, wsURL string, c creds) scenarioResult {
	name := "Scenario 6: History"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := connectUser(connCtx, wsURL, c.tokenA)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A: %v", err)}
	}
	defer clientA.Close()

	page := make(chan int, 1) // number of messages in the page
	clientA.On(client.TypeHistoryPage, func(raw json.RawMessage) {
		var msg struct {
			Peer     string            `json:"peer"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Peer == c.userB {
			select {
			case page <- len(msg.Messages):
			default:
			}
		}
	})

	if err := clientA.Send(map[string]interface{}{
		"type":  client.TypeHistory,
		"peer":  c.userB,
		"limit": 10,
	}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("history request: %v", err)}
	}

	histCtx, histCancel := context.WithTimeout(ctx, 10*time.Second)
	defer histCancel()

	select {
	case n := <-page:
		// Earlier scenarios persisted messages between A and B, so the
		// conversation must not be empty.
		if n == 0 {
			return scenarioResult{name, resultFail, "history page is empty"}
		}
		return scenarioResult{name, resultPass, fmt.Sprintf("%d messages", n)}
	case <-histCtx.Done():
		return scenarioResult{name, resultFail, "timeout waiting for history_page"}
	}
}

// ---------------------------------------------------------------------------
// Scenario 7: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario7RateLimiting(ctx context.Context, wsURL string, c creds) scenarioResult {
	name := "Scenario 7: Rate Limiting"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := connectUser(connCtx, wsURL, c.tokenA)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer clientA.Close()

	rateLimited := make(chan struct{}, 1)
	clientA.On(client.TypeRateLimited, func(_ json.RawMessage) {
		select {
		case rateLimited <- struct{}{}:
		default:
		}
	})

	// Send 20 messages rapidly (limit is 10 per 10s per session).
	sentCount := 0
	for i := 0; i < 20; i++ {
		if err := clientA.SendDM(c.userB, fmt.Sprintf("rapid message %d", i+1)); err != nil {
			break
		}
		sentCount++
	}

	rlCtx, rlCancel := context.WithTimeout(ctx, 5*time.Second)
	defer rlCancel()

	select {
	case <-rateLimited:
		return scenarioResult{name, resultInfo, fmt.Sprintf("rate_limited received after %d messages", sentCount)}
	case <-rlCtx.Done():
		return scenarioResult{name, resultInfo, fmt.Sprintf("no rate_limited received after %d messages (rate limiting may be relaxed)", sentCount)}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// connectUser dials the server with the given token and waits for the
// session_created handshake. Caller is responsible for closing the client.
func connectUser(ctx context.Context, wsURL, token string) (*client.Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	c, err := client.New(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := c.WaitForSession(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	return c, nil
}

// httpGetExpectOK performs an HTTP GET and checks for a 200 status code.
func httpGetExpectOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
