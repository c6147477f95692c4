// Command confirmer is the operator daemon: it tails the audit event
// feed and confirms every submission with the owner identity. Requests
// that were already settled (or rejected 404) are skipped.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

var (
	targetURL string
	ownerID   string
	interval  time.Duration
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&ownerID, "owner", "", "Hex identity of the current owner (required)")
	flag.DurationVar(&interval, "interval", 2*time.Second, "Poll interval")
}

type event struct {
	Seq     int64           `json:"seq"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type submission struct {
	ReqID string `json:"req_id"`
}

func main() {
	flag.Parse()
	if ownerID == "" {
		log.Fatal("-owner is required")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var cursor int64

	log.Printf("confirmer started | url=%s | poll=%s", targetURL, interval)
	for {
		events, err := fetchEvents(client, cursor)
		if err != nil {
			log.Printf("event fetch failed: %v", err)
			time.Sleep(interval)
			continue
		}

		for _, ev := range events {
			cursor = ev.Seq
			if ev.Kind != "submission" {
				continue
			}
			var sub submission
			if err := json.Unmarshal(ev.Payload, &sub); err != nil {
				log.Printf("bad submission payload at seq %d: %v", ev.Seq, err)
				continue
			}
			confirm(client, sub.ReqID)
		}

		if len(events) == 0 {
			time.Sleep(interval)
		}
	}
}

func fetchEvents(client *http.Client, after int64) ([]event, error) {
	resp, err := client.Get(fmt.Sprintf("%s/api/v1/events?after=%d&limit=100", targetURL, after))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Events []event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

func confirm(client *http.Client, reqID string) {
	url := fmt.Sprintf("%s/api/v1/requests/%s/confirm", targetURL, reqID)
	req, _ := http.NewRequest("POST", url, strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-ID", ownerID)

	resp, err := client.Do(req)
	if err != nil {
		log.Printf("confirm %s failed: %v", reqID, err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		log.Printf("confirmed request %s", reqID)
	case http.StatusNotFound:
		// Already settled by a previous run or a concurrent operator.
	default:
		log.Printf("confirm %s: unexpected status %d", reqID, resp.StatusCode)
	}
}
