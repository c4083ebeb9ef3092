// Package worker owns delivery timing: the scheduler poll loop, the
// worker pool that claims and processes due deliveries, retry/backoff,
// and the maintenance sweeps.
package worker

import (
	"context"
)

// Message is a fully-rendered email handed to the mail transport.
type Message struct {
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	HTML    string
}

// Mailer delivers a rendered message. Implementations are treated as
// fallible and possibly slow; callers bound each attempt with a timeout
// and handle retries themselves.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}
