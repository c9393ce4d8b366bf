// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
)

// GlobalStats matches the structure from server.go
type GlobalStats struct {
	Total         int   `json:"total"`
	Submitted     int   `json:"submitted"`
	Working       int   `json:"working"`
	InputRequired int   `json:"input_required"`
	Completed     int   `json:"completed"`
	Failed        int   `json:"failed"`
	Turns         int   `json:"turns"`
	InFlight      int64 `json:"follow_ups_in_flight"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

var chatPrompts = []string{
	"Hi Dora, what can you do?",
	"Can you explain what formats you support?",
	"Thanks! How long does a conversion usually take?",
}

const sampleDocument = `# Quarterly Report

The quarter closed ahead of plan. **Revenue** grew in every region and churn fell for the third quarter running.

* Shipped the new onboarding flow
* Migrated billing to the new provider
* Hired four engineers

Next quarter we focus on reliability and the partner API. `

type turnResult struct {
	contextID string
	latency   time.Duration
	err       error
}

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (chat, convert, mixed)")
	conversations := flag.Int("conversations", 20, "Number of conversations to open")
	concurrency := flag.Int("concurrency", 8, "Concurrent clients")
	apiHost := flag.String("api_host", "localhost", "Agent API host")
	apiPort := flag.String("api_port", "8080", "Agent API port")
	flag.Parse()

	if *suite == "" {
		fmt.Printf("%sPlease specify a suite using --suite=[chat|convert|mixed]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	// Size convert payloads from the agent's threshold when available
	_ = godotenv.Load("../../.env")
	threshold, err := strconv.Atoi(os.Getenv("CONVERSION_THRESHOLD"))
	if err != nil || threshold <= 0 {
		threshold = 300
	}

	plan, err := buildPlan(*suite, *conversations, threshold)
	if err != nil {
		fmt.Printf("%s%v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}

	baseURL := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)
	fmt.Printf("\n%s%s %s DOCAGENT BENCHMARK %s %s%s\n", colorCyan, colorBold, ">>", "SUITE: "+*suite, "<<", colorReset)

	initialStats, err := getGlobalStats(baseURL)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	startTime := time.Now()
	results := fire(baseURL, plan, *concurrency)

	var failed int
	var latency time.Duration
	for _, r := range results {
		if r.err != nil {
			failed++
			continue
		}
		latency += r.latency
	}
	fmt.Printf("%s[OK]%s %d turns sent, %d rejected.\n\n", colorGreen, colorReset, len(results), failed)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "COMPLETED", "FAILED", "WORKING", "WAITING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getGlobalStats(baseURL)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		deltaCompleted := stats.Completed - initialStats.Completed
		deltaFailed := stats.Failed - initialStats.Failed
		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaCompleted, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, stats.Working, colorReset,
			stats.InputRequired,
		)

		if stats.Working == 0 && stats.InFlight == 0 {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed Successfully! %s%s\n", colorGreen, colorBold, "✓", colorReset)
			var avg time.Duration
			if ok := len(results) - failed; ok > 0 {
				avg = latency / time.Duration(ok)
			}
			printReport(stats, initialStats, time.Since(startTime), len(results), failed, avg)
			return
		}
	}
}

// buildPlan returns, per conversation, the texts sent in order.
func buildPlan(suite string, conversations, threshold int) ([][]string, error) {
	large := strings.Repeat(sampleDocument, threshold/len(sampleDocument)+1)

	plan := make([][]string, conversations)
	for i := range plan {
		switch suite {
		case "chat":
			plan[i] = chatPrompts
		case "convert":
			plan[i] = []string{large}
		case "mixed":
			plan[i] = []string{chatPrompts[0], "Please turn this into a PDF:\n\n" + large, chatPrompts[2]}
		default:
			return nil, fmt.Errorf("unknown suite %q", suite)
		}
	}
	return plan, nil
}

// fire runs each conversation on one client; turns within a conversation
// are sent in order, conversations run in parallel.
func fire(baseURL string, plan [][]string, concurrency int) []turnResult {
	if concurrency <= 0 {
		concurrency = 1
	}
	var (
		mu      sync.Mutex
		results []turnResult
		next    atomic.Int64
		wg      sync.WaitGroup
	)
	client := &http.Client{Timeout: 2 * time.Minute}

	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1)) - 1
				if i >= len(plan) {
					return
				}
				contextID := ""
				for _, text := range plan[i] {
					r := sendTurn(client, baseURL, contextID, text)
					if r.err == nil {
						contextID = r.contextID
					}
					mu.Lock()
					results = append(results, r)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	return results
}

func sendTurn(client *http.Client, baseURL, contextID, text string) turnResult {
	message := map[string]any{
		"kind":  "message",
		"role":  "user",
		"parts": []map[string]string{{"kind": "text", "text": text}},
	}
	if contextID != "" {
		message["contextId"] = contextID
	}
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      time.Now().UnixNano(),
		"method":  "message/send",
		"params":  map[string]any{"message": message},
	})

	start := time.Now()
	resp, err := client.Post(baseURL+"/a2a", "application/json", bytes.NewReader(body))
	if err != nil {
		return turnResult{err: err}
	}
	defer resp.Body.Close()

	var envelope struct {
		Result *struct {
			ContextID string `json:"contextId"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return turnResult{err: err}
	}
	if envelope.Error != nil {
		return turnResult{err: fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)}
	}
	if envelope.Result == nil {
		return turnResult{err: fmt.Errorf("empty result (HTTP %d)", resp.StatusCode)}
	}
	return turnResult{contextID: envelope.Result.ContextID, latency: time.Since(start)}
}

func getGlobalStats(baseURL string) (GlobalStats, error) {
	resp, err := http.Get(baseURL + "/global-status")
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func printReport(final, initial GlobalStats, duration time.Duration, sent, rejected int, avg time.Duration) {
	tps := float64(sent) / duration.Seconds()

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Turns Sent:", fmt.Sprintf("%d", sent))
	fmt.Printf(lineFmt+"\n", "New Conversations:", fmt.Sprintf("%d", final.Total-initial.Total))
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Completed:", fmt.Sprintf("%d", final.Completed-initial.Completed))

	failedVal := final.Failed - initial.Failed + rejected
	failedColor := colorGreen
	if failedVal > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed/Rejected:", fmt.Sprintf("%d", failedVal))
	fmt.Printf(lineFmt+"\n", "  - Awaiting Input:", fmt.Sprintf("%d", final.InputRequired-initial.InputRequired))

	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f turns/sec", tps))
	fmt.Printf(lineFmt+"\n", "Avg Turn Latency:", fmt.Sprintf("%.2f ms", float64(avg.Microseconds())/1000))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
