package notifier

import (
	"strings"
	"time"
)

// Update is one message fanned out to dashboard clients
type Update struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Control topics used by the notifier itself
const (
	TopicConnected = "connected"
	TopicPong      = "pong"
	TopicError     = "error"
)

// parseTopics splits a comma separated topic list. An empty result means
// every topic.
func parseTopics(raw string) map[string]struct{} {
	var topics map[string]struct{}
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" || t == "*" {
			continue
		}
		if topics == nil {
			topics = make(map[string]struct{})
		}
		topics[t] = struct{}{}
	}
	return topics
}

func topicSet(list []string) map[string]struct{} {
	return parseTopics(strings.Join(list, ","))
}
