package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/nazeru/checkout-settlement-go/pkg/signature"
)

type scenario struct {
	Name        string
	Description string
}

type model struct {
	scenarios []scenario
	selected  int
	status    string
	detail    string
	busy      bool
}

func initialModel() model {
	return model{
		scenarios: []scenario{
			{"settle", "Checkout, initialize, deliver a signed confirmation webhook"},
			{"decline", "Checkout, initialize, deliver a charge.failed webhook"},
			{"replay", "Settle, then redeliver the identical webhook"},
			{"forged", "Deliver a webhook signed with the wrong secret"},
			{"bench", "Run a short checkout benchmark"},
		},
		status: "Ready",
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up":
			if m.selected > 0 {
				m.selected--
			}
		case "down":
			if m.selected < len(m.scenarios)-1 {
				m.selected++
			}
		case "enter":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Running..."
			return m, runScenarioCmd(m.scenarios[m.selected].Name)
		}
	case scenarioResult:
		m.busy = false
		m.status = msg.status
		m.detail = msg.detail
	}
	return m, nil
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "checkout-settlement-go CLI")
	fmt.Fprintln(b, "")
	fmt.Fprintln(b, "Scenarios:")
	for i, scn := range m.scenarios {
		marker := " "
		if i == m.selected {
			marker = ">"
		}
		fmt.Fprintf(b, " %s %s - %s\n", marker, scn.Name, scn.Description)
	}
	fmt.Fprintln(b, "")
	fmt.Fprintf(b, "Status: %s\n", m.status)
	if m.detail != "" {
		fmt.Fprintf(b, "Detail: %s\n", m.detail)
	}
	fmt.Fprintln(b, "\nControls: up/down select scenario, enter to run, q to quit")
	return b.String()
}

type scenarioResult struct {
	status string
	detail string
}

type env struct {
	baseURL string
	secret  string
}

func readEnv() env {
	return env{
		baseURL: strings.TrimRight(getenv("CHECKOUT_BASE_URL", "http://localhost:8080"), "/"),
		secret:  getenv("GATEWAY_SECRET", "sk_test_secret"),
	}
}

func runScenarioCmd(scn string) tea.Cmd {
	return func() tea.Msg {
		e := readEnv()
		switch scn {
		case "settle":
			return runSettle(e, false)
		case "decline":
			return runDecline(e)
		case "replay":
			return runSettle(e, true)
		case "forged":
			return runForged(e)
		case "bench":
			return scenarioResult{status: "Benchmark finished", detail: runBenchmark(e)}
		default:
			return scenarioResult{status: "Unknown scenario: " + scn}
		}
	}
}

type checkoutResponse struct {
	OrderID string `json:"order_id"`
	Code    string `json:"code"`
	Total   int64  `json:"total"`
}

type initializeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	Reference        string `json:"reference"`
}

func runCheckoutAndInitialize(e env) (*checkoutResponse, *initializeResponse, error) {
	var co checkoutResponse
	if err := postJSON(e.baseURL+"/checkout", map[string]any{
		"customer_id": "cli-demo",
		"currency":    "NGN",
		"lines":       []map[string]any{{"product_id": "prod-2", "quantity": 2}},
	}, &co); err != nil {
		return nil, nil, fmt.Errorf("checkout: %w", err)
	}

	var init initializeResponse
	if err := postJSON(e.baseURL+"/payments/initialize", map[string]any{
		"order_id": co.OrderID,
		"email":    "cli@example.com",
		"amount":   co.Total,
	}, &init); err != nil {
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}
	return &co, &init, nil
}

func runSettle(e env, replay bool) scenarioResult {
	co, init, err := runCheckoutAndInitialize(e)
	if err != nil {
		return scenarioResult{status: err.Error()}
	}

	body := webhookBody("charge.success", init.Reference, co.Total)
	sig := signature.Compute(e.secret, body)
	first, err := postWebhook(e.baseURL, body, sig)
	if err != nil {
		return scenarioResult{status: fmt.Sprintf("webhook: %v", err)}
	}
	if !replay {
		return scenarioResult{status: fmt.Sprintf("Settled order %s", co.Code), detail: first}
	}

	second, err := postWebhook(e.baseURL, body, sig)
	if err != nil {
		return scenarioResult{status: fmt.Sprintf("replay webhook: %v", err)}
	}
	if first == second {
		return scenarioResult{status: "Replay returned the identical payment (idempotent)", detail: second}
	}
	return scenarioResult{status: "Replay diverged!", detail: first + " vs " + second}
}

func runDecline(e env) scenarioResult {
	co, init, err := runCheckoutAndInitialize(e)
	if err != nil {
		return scenarioResult{status: err.Error()}
	}

	body := webhookBody("charge.failed", init.Reference, co.Total)
	sig := signature.Compute(e.secret, body)
	resp, err := postWebhook(e.baseURL, body, sig)
	if err != nil {
		return scenarioResult{status: fmt.Sprintf("webhook: %v", err)}
	}
	return scenarioResult{status: fmt.Sprintf("Declined payment for order %s (order stays retryable)", co.Code), detail: resp}
}

func runForged(e env) scenarioResult {
	co, init, err := runCheckoutAndInitialize(e)
	if err != nil {
		return scenarioResult{status: err.Error()}
	}

	body := webhookBody("charge.success", init.Reference, co.Total)
	sig := signature.Compute("wrong", body)
	_, err = postWebhook(e.baseURL, body, sig)
	if err != nil && strings.Contains(err.Error(), "401") {
		return scenarioResult{status: "Forged webhook rejected with 401, nothing settled"}
	}
	if err != nil {
		return scenarioResult{status: fmt.Sprintf("unexpected error: %v", err)}
	}
	return scenarioResult{status: "Forged webhook was accepted!"}
}

func webhookBody(event, reference string, amount int64) []byte {
	payload := map[string]any{
		"event": event,
		"data": map[string]any{
			"id":               "TXN-" + uuid.NewString()[:8],
			"reference":        reference,
			"status":           strings.TrimPrefix(event, "charge."),
			"amount":           amount,
			"gateway_response": "Simulated by CLI",
			"customer":         map[string]any{"email": "cli@example.com"},
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

func postWebhook(baseURL string, body []byte, sig string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/webhooks/gateway", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gateway-Signature", sig)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
	}
	return string(data), nil
}

func postJSON(url string, payload, out any) error {
	data, _ := json.Marshal(payload)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func runBenchmark(e env) string {
	duration := 5 * time.Second
	vus := 5
	var mu sync.Mutex
	var total time.Duration
	var count int
	var errCount int
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < vus; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
					start := time.Now()
					err := postJSON(e.baseURL+"/checkout", map[string]any{
						"customer_id": "bench",
						"currency":    "NGN",
						"lines":       []map[string]any{{"product_id": "prod-1", "quantity": 1}},
					}, nil)
					mu.Lock()
					if err != nil {
						errCount++
					} else {
						count++
						total += time.Since(start)
					}
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	avg := time.Duration(0)
	if count > 0 {
		avg = total / time.Duration(count)
	}
	throughput := float64(count) / duration.Seconds()
	return fmt.Sprintf("count=%d errors=%d avg=%s throughput=%.2f req/s", count, errCount, avg, throughput)
}

func main() {
	runCmd := flag.String("run", "", "run scenario headless: settle|decline|replay|forged|bench")
	flag.Parse()

	if *runCmd != "" {
		res := runScenarioCmd(*runCmd)().(scenarioResult)
		fmt.Println(res.status)
		if res.detail != "" {
			fmt.Println(res.detail)
		}
		return
	}

	p := tea.NewProgram(initialModel())
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
