// assistant-agent registers an LLM-backed agent on the bus, drains its
// mailbox in a polling loop, and replies to each sender.
package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joelkehle/agent-bus/internal/busclient"
)

const defaultModel = "claude-sonnet-4-20250514"

const systemPrompt = "You are an assistant agent on a shared message bus. Reply to each message concisely in plain text. Do not use markdown."

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

type responder struct {
	messages *anthropic.MessageService
	model    string
}

func newResponder() *responder {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		log.Fatal("ANTHROPIC_API_KEY not configured")
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &responder{
		messages: &c.Messages,
		model:    envOr("ASSISTANT_MODEL", defaultModel),
	}
}

func (r *responder) reply(ctx context.Context, from, body string) (string, error) {
	resp, err := r.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Message from agent " + from + ":\n\n" + body)),
		},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

func main() {
	busURL := envOr("BUS_URL", "http://localhost:8080")
	agentID := envOr("AGENT_ID", "assistant")
	token := os.Getenv("AGENT_TOKEN")

	var allowlist []string
	for _, raw := range strings.Split(os.Getenv("ASSISTANT_ALLOWLIST"), ",") {
		if v := strings.TrimSpace(raw); v != "" {
			allowlist = append(allowlist, v)
		}
	}
	if len(allowlist) == 0 {
		log.Printf("ASSISTANT_ALLOWLIST is empty; replies will be rejected by the bus")
	}

	client := busclient.NewClient(busURL)
	resp := newResponder()
	ctx := context.Background()

	capabilities := map[string]any{
		"kind":  "assistant",
		"model": resp.model,
	}
	if err := client.RegisterAgent(ctx, agentID, capabilities, allowlist, token); err != nil {
		log.Fatalf("register %s: %v", agentID, err)
	}
	log.Printf("assistant-agent %s registered on %s model=%s", agentID, busURL, resp.model)

	for {
		res, err := client.ReadMessages(ctx, agentID, token, 10, true)
		if err != nil {
			log.Printf("read mailbox: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}
		for _, msg := range res.Messages {
			answer, err := resp.reply(ctx, msg.From, msg.Body)
			if err != nil {
				log.Printf("llm reply for %s: %v", msg.From, err)
				continue
			}
			if err := client.SendMessage(ctx, agentID, msg.From, answer, token, map[string]any{"in_reply_to": msg.ID}); err != nil {
				log.Printf("send reply to %s: %v", msg.From, err)
			}
		}
		if res.Remaining == 0 {
			time.Sleep(2 * time.Second)
		}
	}
}
