//go:build ignore

// Mockupstream is a local OpenAI-compatible chat completion server for
// failover drills. Keys listed in -exhausted answer 429 with a quota message,
// keys in -ratelimited answer 429 with a rate-limit message and keys in
// -invalid answer 401. Every other key succeeds.
//
// Usage:
//
//	go run mockupstream.go -port 9001 -exhausted sk-a,sk-b
//	go run mockupstream.go -port 9002 -ratelimited sk-c -latency 200ms
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

func keySet(list string) map[string]bool {
	set := make(map[string]bool)
	for _, k := range strings.Split(list, ",") {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = true
		}
	}
	return set
}

func writeError(w http.ResponseWriter, code int, status, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "status": status, "message": msg},
	})
}

func main() {
	port := flag.Int("port", 9001, "port to listen on")
	exhaustedList := flag.String("exhausted", "", "comma-separated keys that are out of quota")
	rateLimitedList := flag.String("ratelimited", "", "comma-separated keys that are rate limited")
	invalidList := flag.String("invalid", "", "comma-separated keys that are rejected")
	latency := flag.Duration("latency", 0, "artificial delay per request")
	flag.Parse()

	exhausted := keySet(*exhaustedList)
	rateLimited := keySet(*rateLimitedList)
	invalid := keySet(*invalidList)

	var served atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		masked := key
		if len(masked) > 8 {
			masked = masked[:8] + "..."
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json")
			return
		}

		if *latency > 0 {
			time.Sleep(*latency)
		}

		switch {
		case exhausted[key]:
			log.Printf("key=%s -> 429 quota", masked)
			writeError(w, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "You exceeded your current quota, please check your plan and billing details.")
			return
		case rateLimited[key]:
			log.Printf("key=%s -> 429 rate limit", masked)
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit reached for requests per minute.")
			return
		case invalid[key]:
			log.Printf("key=%s -> 401", masked)
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Incorrect API key provided.")
			return
		}

		n := served.Add(1)
		log.Printf("key=%s model=%s -> 200 (#%d)", masked, req.Model, n)

		prompt := ""
		if len(req.Messages) > 0 {
			prompt = req.Messages[len(req.Messages)-1].Content
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-" + ksuid.New().String(),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       message{Role: "assistant", Content: fmt.Sprintf("echo(%s): %s", masked, prompt)},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     len(strings.Fields(prompt)),
				"completion_tokens": len(strings.Fields(prompt)) + 1,
			},
		})
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("starting mock upstream on %s (exhausted=%d ratelimited=%d invalid=%d)",
		addr, len(exhausted), len(rateLimited), len(invalid))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
