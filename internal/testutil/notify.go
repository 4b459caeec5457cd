package testutil

import (
	"sync"
)

// Notification is one call captured by Notifications.
type Notification struct {
	URL     string
	Success bool
	Code    int
	Message string
	Data    any
}

// Notifications records Send calls synchronously. It satisfies notify.Notifier.
type Notifications struct {
	mu   sync.Mutex
	sent []Notification
}

// Send records the call.
func (n *Notifications) Send(url string, success bool, code int, message string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{URL: url, Success: success, Code: code, Message: message, Data: data})
}

// All returns a copy of recorded notifications in call order.
func (n *Notifications) All() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

// WithMessage returns recorded notifications whose message equals msg.
func (n *Notifications) WithMessage(msg string) []Notification {
	var out []Notification
	for _, s := range n.All() {
		if s.Message == msg {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of recorded notifications.
func (n *Notifications) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}
