// Command cleanup-sandboxes stops every preview server registered on a
// running preview-api, tearing down the sandboxes behind them. Meant for
// operators reclaiming a shared environment.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/appdraft/preview-api/internal/config"
	"github.com/appdraft/preview-api/internal/lifecycle"
)

func main() {
	// Parse command-line flags
	autoConfirm := flag.Bool("y", false, "Automatically confirm without prompting")
	apiFlag := flag.String("api", "", "Preview API base URL (defaults to the configured server address)")
	flag.Parse()

	// Load .env file
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	base := *apiFlag
	if base == "" {
		base = cfg.Server.BaseURL("")
	}
	base = strings.TrimSuffix(base, "/")

	client := &http.Client{Timeout: 30 * time.Second}

	// Fetch all servers
	servers, err := listServers(client, base)
	if err != nil {
		log.Fatalf("Failed to fetch servers: %v", err)
	}

	// Display all servers
	fmt.Printf("\nFound %d servers on %s:\n", len(servers), base)
	for i, s := range servers {
		fmt.Printf("%d. Project: %s, Status: %s, Devices: %d, LastAccessed: %s\n",
			i+1, s.ID, s.Status, s.ConnectedDevices, s.LastAccessedAt.Format(time.RFC3339))
	}

	if len(servers) == 0 {
		fmt.Println("\nNo servers found!")
		return
	}

	// Ask for confirmation (unless auto-confirm is enabled)
	if !*autoConfirm {
		fmt.Print("\nAre you sure you want to stop ALL preview servers? This will:\n")
		fmt.Println("  - Tear down every sandbox")
		fmt.Println("  - Remove every instance from the registry")
		fmt.Print("\nType 'yes' to confirm: ")

		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "yes" {
			fmt.Println("Aborted.")
			return
		}
	} else {
		fmt.Println("\nAuto-confirm enabled. Proceeding...")
	}

	// Stop servers
	fmt.Println("\nStopping servers...")
	successCount := 0
	failCount := 0

	for _, s := range servers {
		fmt.Printf("Stopping server: %s... ", s.ID)
		if err := stopServer(client, base, s.ID); err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		} else {
			fmt.Println("OK")
			successCount++
		}
	}

	fmt.Printf("\nSandbox cleanup completed! Success: %d, Failed: %d\n", successCount, failCount)
}

func listServers(client *http.Client, base string) ([]lifecycle.ServerInstance, error) {
	resp, err := client.Get(base + "/api/servers")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Success bool                       `json:"success"`
		Error   string                     `json:"error"`
		Servers []lifecycle.ServerInstance `json:"servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if !body.Success {
		return nil, fmt.Errorf("api error: %s", body.Error)
	}
	return body.Servers, nil
}

func stopServer(client *http.Client, base, projectID string) error {
	req, err := http.NewRequest(http.MethodDelete, base+"/api/servers?projectId="+url.QueryEscape(projectID), nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if !body.Success {
		return fmt.Errorf("%s", body.Error)
	}
	return nil
}
