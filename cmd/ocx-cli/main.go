package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("GPUFABRIC_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	switch os.Args[1] {
	case "complete":
		cmdComplete(gateway)
	case "models":
		cmdModels(gateway)
	case "devices":
		cmdDevices(gateway)
	case "device":
		cmdDeviceStatus(gateway)
	case "version":
		fmt.Printf("gpufabric-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`GPU Fabric CLI v` + version + `

Usage: gpufabric <command> [flags]

Commands:
  complete   Submit a completion request
  models     List models the fleet currently serves
  devices    List connected worker devices
  device     Show one worker's live status
  version    Print version
  help       Show this help

Environment:
  GPUFABRIC_GATEWAY_URL   Gateway URL (default: http://localhost:8080)

Examples:
  gpufabric complete --model llama-3-8b --prompt "hello" --max-tokens 64
  gpufabric models
  gpufabric devices
  gpufabric device --id 0123456789abcdef0123456789abcdef`)
}

// ----------------------------------------------------------------
// complete command
// ----------------------------------------------------------------

func cmdComplete(gateway string) {
	var model, prompt string
	var maxTokens uint32 = 128
	var temperature float64 = 0.7

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--model", "-m":
			i++
			if i < len(args) {
				model = args[i]
			}
		case "--prompt", "-p":
			i++
			if i < len(args) {
				prompt = args[i]
			}
		case "--max-tokens":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &maxTokens)
			}
		case "--temperature":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%f", &temperature)
			}
		}
	}

	if model == "" || prompt == "" {
		fmt.Fprintln(os.Stderr, "Error: --model and --prompt are required")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"model":       model,
		"prompt":      prompt,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	})

	resp, err := doRequest("POST", gateway+"/v1/completions", body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	if text, ok := result["text"].(string); ok {
		fmt.Println(text)
		return
	}
	fmt.Printf("%s\n", resp)
}

// ----------------------------------------------------------------
// models command
// ----------------------------------------------------------------

func cmdModels(gateway string) {
	resp, err := doRequest("GET", gateway+"/v1/models", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}

	var result struct {
		Models []map[string]interface{} `json:"models"`
	}
	json.Unmarshal(resp, &result)

	if len(result.Models) == 0 {
		fmt.Println("No models currently served.")
		return
	}

	fmt.Printf("%-25s %-10s %-8s %s\n", "MODEL", "VERSION", "ACTIVE", "ENGINE_CLASS")
	fmt.Println("----------------------------------------------------------------")
	for _, model := range result.Models {
		fmt.Printf("%-25v %-10v %-8v %v\n",
			model["Name"], model["Version"], model["Active"], model["EngineClass"])
	}
}

// ----------------------------------------------------------------
// devices command
// ----------------------------------------------------------------

func cmdDevices(gateway string) {
	resp, err := doRequest("GET", gateway+"/api/v1/devices", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}

	var devices []map[string]interface{}
	json.Unmarshal(resp, &devices)

	if len(devices) == 0 {
		fmt.Println("No workers connected.")
		return
	}

	fmt.Printf("%-34s %-10s %-8s %-8s %s\n", "WORKER ID", "STATE", "VRAM_GB", "IN_FLIGHT", "USAGE%")
	fmt.Println("------------------------------------------------------------------------------")
	for _, dev := range devices {
		fmt.Printf("%-34v %-10v %-8.0f %-8.0f %.0f\n",
			dev["worker_id"], dev["state"], toFloat(dev["vram_gb"]), toFloat(dev["in_flight"]), toFloat(dev["usage_pct"]))
	}
}

func cmdDeviceStatus(gateway string) {
	if len(os.Args) < 4 || os.Args[2] != "--id" {
		fmt.Fprintln(os.Stderr, "Usage: gpufabric device --id <worker-id>")
		os.Exit(1)
	}
	workerID := os.Args[3]

	resp, err := doRequest("GET", gateway+"/api/v1/devices/"+workerID+"/status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", resp)
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}
