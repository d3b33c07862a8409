// ABOUTME: Wire types for the relay subscribe/stream protocol.
// ABOUTME: JSON array frames: REQ/CLOSE out, EVENT/EOSE/CLOSED/NOTICE in.

package relay

import (
	"encoding/json"
	"fmt"

	"github.com/2389/wotgraph/internal/identity"
)

// KindContacts is the only event kind this client consumes: an author's
// outbound-edges ("contact list") event. Other kinds are ignored.
const KindContacts = 3

// Event is a signed relay event. Only the fields this client reads are
// declared; signature verification is out of scope.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Follows extracts the followed identities from the event's "p" tags.
// Malformed tag values are skipped.
func (e *Event) Follows() []identity.Identity {
	out := make([]identity.Identity, 0, len(e.Tags))
	seen := make(map[identity.Identity]bool)
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		id, err := identity.Parse(tag[1])
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Filter selects events by author and kind; Limit caps the result count.
type Filter struct {
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// contactsFilter requests the newest contact-list event for one author.
func contactsFilter(author identity.Identity) Filter {
	return Filter{
		Authors: []string{author.Hex()},
		Kinds:   []int{KindContacts},
		Limit:   1,
	}
}

// reqFrame builds a ["REQ", subID, filter] frame.
func reqFrame(subID string, f Filter) ([]byte, error) {
	return json.Marshal([]any{"REQ", subID, f})
}

// closeFrame builds a ["CLOSE", subID] frame.
func closeFrame(subID string) ([]byte, error) {
	return json.Marshal([]any{"CLOSE", subID})
}

// serverFrame is one decoded inbound frame.
type serverFrame struct {
	Type   string // EVENT, EOSE, CLOSED, NOTICE
	SubID  string
	Event  *Event
	Reason string // CLOSED reason or NOTICE message
}

// parseServerFrame decodes an inbound JSON array frame. Unknown frame
// types are returned with their type label so the caller can ignore them.
func parseServerFrame(data []byte) (serverFrame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return serverFrame{}, fmt.Errorf("parsing frame: %w", err)
	}
	if len(raw) == 0 {
		return serverFrame{}, fmt.Errorf("empty frame")
	}

	var frameType string
	if err := json.Unmarshal(raw[0], &frameType); err != nil {
		return serverFrame{}, fmt.Errorf("parsing frame type: %w", err)
	}

	frame := serverFrame{Type: frameType}
	switch frameType {
	case "EVENT":
		if len(raw) < 3 {
			return frame, fmt.Errorf("EVENT frame with %d elements", len(raw))
		}
		if err := json.Unmarshal(raw[1], &frame.SubID); err != nil {
			return frame, fmt.Errorf("parsing EVENT sub id: %w", err)
		}
		frame.Event = &Event{}
		if err := json.Unmarshal(raw[2], frame.Event); err != nil {
			return frame, fmt.Errorf("parsing event: %w", err)
		}
	case "EOSE":
		if len(raw) < 2 {
			return frame, fmt.Errorf("EOSE frame with %d elements", len(raw))
		}
		if err := json.Unmarshal(raw[1], &frame.SubID); err != nil {
			return frame, fmt.Errorf("parsing EOSE sub id: %w", err)
		}
	case "CLOSED":
		if len(raw) < 2 {
			return frame, fmt.Errorf("CLOSED frame with %d elements", len(raw))
		}
		if err := json.Unmarshal(raw[1], &frame.SubID); err != nil {
			return frame, fmt.Errorf("parsing CLOSED sub id: %w", err)
		}
		if len(raw) >= 3 {
			_ = json.Unmarshal(raw[2], &frame.Reason)
		}
	case "NOTICE":
		if len(raw) >= 2 {
			_ = json.Unmarshal(raw[1], &frame.Reason)
		}
	}
	return frame, nil
}
