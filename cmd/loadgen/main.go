// Command loadgen drives concurrent confirmed transfers against a running
// API and checks that the total of all balances did not change.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	numUsers        = 10         // Users to register
	accountsPerUser = 5          // Accounts opened by every user
	numTransfers    = 5000       // Total number of confirmed transfers
	maxConcurrency  = 100        // Maximum number of concurrent requests
	initialBalance  = 100000     // Initial balance of each account, minor units
	maxAmount       = 5000       // Maximum transfer amount, minor units
	successColor    = "\033[32m" // Green
	errorColor      = "\033[31m" // Red
	infoColor       = "\033[34m" // Blue
	resetColor      = "\033[0m"  // Reset color
)

type account struct {
	ID      string `json:"account_id"`
	Balance int64  `json:"balance"`
}

type user struct {
	token    string
	accounts []account
}

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	c := &client{
		baseURL: getEnv("LOADGEN_URL", "http://localhost:8080"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	fmt.Printf("%sstarting load test: %d users, %d accounts each, %d transfers%s\n",
		infoColor, numUsers, accountsPerUser, numTransfers, resetColor)

	users := make([]*user, 0, numUsers)
	var all []account
	runID := uuid.NewString()[:8]
	for i := 0; i < numUsers; i++ {
		u, err := c.setupUser(fmt.Sprintf("load-%s-%d", runID, i))
		if err != nil {
			fmt.Printf("%sfailed to set up user %d: %v%s\n", errorColor, i, err, resetColor)
			os.Exit(1)
		}
		users = append(users, u)
		all = append(all, u.accounts...)
	}
	expectedTotal := int64(len(all)) * initialBalance
	fmt.Printf("%screated %d accounts, total balance %d%s\n", successColor, len(all), expectedTotal, resetColor)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := make(map[int]int)
	transportErrors := 0

	start := time.Now()
	for i := 0; i < numTransfers; i++ {
		wg.Add(1)
		sem <- struct{}{} // Acquire semaphore

		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			u := users[rand.Intn(len(users))]
			from := u.accounts[rand.Intn(len(u.accounts))]
			to := all[rand.Intn(len(all))]
			amount := rand.Int63n(maxAmount) + 1

			status, err := c.transfer(u.token, from.ID, to.ID, amount)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				transportErrors++
				if n%100 == 0 {
					fmt.Printf("%stransfer failed: %v%s\n", errorColor, err, resetColor)
				}
				return
			}
			outcomes[status]++
		}(i)
	}
	wg.Wait()
	duration := time.Since(start)

	fmt.Printf("\n%s=== load test results ===%s\n", infoColor, resetColor)
	for status, count := range outcomes {
		fmt.Printf("HTTP %d: %d (%.1f%%)\n", status, count, float64(count)/numTransfers*100)
	}
	fmt.Printf("Transport errors: %d\n", transportErrors)
	fmt.Printf("Duration: %.2f seconds\n", duration.Seconds())
	fmt.Printf("Throughput: %.2f transfers/second\n", numTransfers/duration.Seconds())

	fmt.Printf("\n%schecking balance conservation...%s\n", infoColor, resetColor)
	var total int64
	for _, u := range users {
		accounts, err := c.listAccounts(u.token)
		if err != nil {
			fmt.Printf("%sfailed to list accounts: %v%s\n", errorColor, err, resetColor)
			os.Exit(1)
		}
		for _, a := range accounts {
			if a.Balance < 0 {
				fmt.Printf("%saccount %s is negative: %d%s\n", errorColor, a.ID, a.Balance, resetColor)
				os.Exit(1)
			}
			total += a.Balance
		}
	}

	if total != expectedTotal {
		fmt.Printf("%stotal balance changed: expected %d, got %d%s\n", errorColor, expectedTotal, total, resetColor)
		os.Exit(1)
	}
	fmt.Printf("%stotal balance conserved: %d%s\n", successColor, total, resetColor)
}

// setupUser registers a user, logs in and opens the accounts
func (c *client) setupUser(username string) (*user, error) {
	creds := map[string]string{"username": username, "password": "load-test"}
	if status, body, err := c.post("/auth/register", "", creds); err != nil || status != http.StatusCreated {
		return nil, fmt.Errorf("register: status %d, body %s, err %v", status, body, err)
	}

	status, body, err := c.post("/auth/login", "", creds)
	if err != nil || status != http.StatusOK {
		return nil, fmt.Errorf("login: status %d, body %s, err %v", status, body, err)
	}
	var token struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}

	u := &user{token: token.Token}
	for i := 0; i < accountsPerUser; i++ {
		status, body, err := c.post("/accounts", u.token, map[string]int64{"initial_balance": initialBalance})
		if err != nil || status != http.StatusCreated {
			return nil, fmt.Errorf("create account: status %d, body %s, err %v", status, body, err)
		}
		var a account
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("failed to decode account: %w", err)
		}
		u.accounts = append(u.accounts, a)
	}
	return u, nil
}

// transfer sends a confirmed transfer and returns the HTTP status
func (c *client) transfer(token, from, to string, amount int64) (int, error) {
	status, _, err := c.post("/transactions/transfer", token, map[string]interface{}{
		"from_account_id": from,
		"to_account_id":   to,
		"amount":          amount,
		"confirm":         true,
	})
	return status, err
}

func (c *client) listAccounts(token string) ([]account, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/accounts", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to list accounts, status: %d, body: %s", resp.StatusCode, string(body))
	}

	var accounts []account
	if err := json.NewDecoder(resp.Body).Decode(&accounts); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return accounts, nil
}

func (c *client) post(path, token string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
