package mailbox

import "sort"

// Queue is a durable set of per-role outboxes and inboxes plus an archive.
// Delivery is copy-then-archive: Deliver copies a message into the
// recipient's inbox idempotently (keyed by message id) and Archive removes
// it from the sender's outbox. Archive is the only step that removes the
// source, so re-running an interrupted delivery never loses or doubles it.
type Queue interface {
	// Post writes m into its sender's outbox.
	Post(m Message) error
	// Outbound returns every message waiting in any outbox, oldest first.
	Outbound() ([]Message, error)
	// Deliver copies m into the recipient's inbox.
	Deliver(m Message) error
	// Archive moves m from the sender's outbox into the archive.
	Archive(m Message) error
	// Inbox lists the messages in role's inbox, oldest first.
	Inbox(role string) ([]Message, error)
	// History lists archived messages, newest first, up to limit (0 = all).
	History(limit int) ([]Message, error)
	Close() error
}

func sortOldestFirst(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}
