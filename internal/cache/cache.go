// Package cache keeps the local view of conversations and chat histories in
// sync with server pushes.
//
// Nothing here is safe for concurrent use: the client confines a Sync to its
// event loop, which is what makes each replace and upsert atomic for readers.
package cache

import (
	"github.com/omochice/magichat/pkg/protocol"
)

// Conversations is the ordered conversation list of the signed-in user.
// Membership and order come from the server only; the list is replaced
// wholesale on every push.
type Conversations struct {
	items []protocol.ConversationSummary
	index map[string]int
}

// NewConversations returns an empty list.
func NewConversations() *Conversations {
	return &Conversations{index: map[string]int{}}
}

// Replace swaps in items. Duplicate ids keep their first occurrence.
func (c *Conversations) Replace(items []protocol.ConversationSummary) {
	next := make([]protocol.ConversationSummary, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		if _, dup := index[item.ID]; dup || item.ID == "" {
			continue
		}
		index[item.ID] = len(next)
		next = append(next, item)
	}
	c.items = next
	c.index = index
}

// Has reports whether id is in the list.
func (c *Conversations) Has(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Get returns the conversation with id.
func (c *Conversations) Get(id string) (protocol.ConversationSummary, bool) {
	i, ok := c.index[id]
	if !ok {
		return protocol.ConversationSummary{}, false
	}
	return c.items[i], true
}

// List returns a copy of the list.
func (c *Conversations) List() []protocol.ConversationSummary {
	return append([]protocol.ConversationSummary(nil), c.items...)
}

// Len returns the number of conversations.
func (c *Conversations) Len() int {
	return len(c.items)
}

// Reset empties the list.
func (c *Conversations) Reset() {
	c.items = nil
	c.index = map[string]int{}
}

// LoadState tracks the history of one conversation.
type LoadState int

const (
	NotRequested LoadState = iota
	Requested
	Loaded
)

func (s LoadState) String() string {
	switch s {
	case NotRequested:
		return "not-requested"
	case Requested:
		return "requested"
	case Loaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Chats holds one history per conversation id, in first-load order.
type Chats struct {
	items []protocol.Chat
	state map[string]LoadState
}

// NewChats returns an empty collection.
func NewChats() *Chats {
	return &Chats{state: map[string]LoadState{}}
}

// State returns the load state of id.
func (c *Chats) State(id string) LoadState {
	return c.state[id]
}

// MarkRequested moves id from NotRequested to Requested. It returns false,
// leaving the state alone, when a load is already in flight or done.
func (c *Chats) MarkRequested(id string) bool {
	if c.state[id] != NotRequested {
		return false
	}
	c.state[id] = Requested
	return true
}

// Unmark returns a Requested id to NotRequested, for a request that never
// left the client.
func (c *Chats) Unmark(id string) {
	if c.state[id] == Requested {
		delete(c.state, id)
	}
}

// Upsert stores chat, replacing the existing history for the same
// conversation or appending a new one. It reports whether it replaced.
func (c *Chats) Upsert(chat protocol.Chat) bool {
	chat.Messages = append([]protocol.Message(nil), chat.Messages...)
	c.state[chat.ConversationID] = Loaded

	for i := range c.items {
		if c.items[i].ConversationID == chat.ConversationID {
			c.items[i] = chat
			return true
		}
	}
	c.items = append(c.items, chat)
	return false
}

// Get returns a copy of the history of id.
func (c *Chats) Get(id string) (protocol.Chat, bool) {
	chat, ok := SelectChat(c.items, id)
	if !ok {
		return protocol.Chat{}, false
	}
	chat.Messages = append([]protocol.Message(nil), chat.Messages...)
	return chat, true
}

// List returns a copy of every history.
func (c *Chats) List() []protocol.Chat {
	out := make([]protocol.Chat, len(c.items))
	for i, chat := range c.items {
		chat.Messages = append([]protocol.Message(nil), chat.Messages...)
		out[i] = chat
	}
	return out
}

// Len returns the number of histories.
func (c *Chats) Len() int {
	return len(c.items)
}

// Retain drops every history and load state whose id fails keep.
func (c *Chats) Retain(keep func(id string) bool) {
	kept := c.items[:0]
	for _, chat := range c.items {
		if keep(chat.ConversationID) {
			kept = append(kept, chat)
		}
	}
	for i := len(kept); i < len(c.items); i++ {
		c.items[i] = protocol.Chat{}
	}
	c.items = kept

	for id := range c.state {
		if !keep(id) {
			delete(c.state, id)
		}
	}
}

// Reset empties the collection.
func (c *Chats) Reset() {
	c.items = nil
	c.state = map[string]LoadState{}
}

// SelectChat returns the history whose conversation id equals id.
func SelectChat(chats []protocol.Chat, id string) (protocol.Chat, bool) {
	if id == "" {
		return protocol.Chat{}, false
	}
	for _, chat := range chats {
		if chat.ConversationID == id {
			return chat, true
		}
	}
	return protocol.Chat{}, false
}
