package models

// ChannelMessage is one message crossing a channel adapter: inbound from
// the outside platform toward the fabric, or outbound from the hub to the
// platform.
type ChannelMessage struct {
	// ID is the platform's message id when the adapter has one. Adapters
	// that replay history after a reconnect reuse it, so the hub dedupes
	// inbound messages on it.
	ID        string `json:"id,omitempty"`
	Channel   string `json:"channel"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content"`
	Direction string `json:"direction"` // inbound | outbound
	At        int64  `json:"at"`        // unix ms
}

// ChannelStatus is an adapter's connection report.
type ChannelStatus struct {
	Channel   string `json:"channel"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	At        int64  `json:"at"` // unix ms
}

// ChannelEvent is the envelope channel adapters publish on the chat
// broadcast subject. Exactly one payload field is set, selected by Kind.
type ChannelEvent struct {
	Kind    string          `json:"kind"` // message | status
	Message *ChannelMessage `json:"message,omitempty"`
	Status  *ChannelStatus  `json:"status,omitempty"`
}
