package cache

import (
	"errors"
	"fmt"

	"github.com/omochice/magichat/pkg/protocol"
)

// ErrUnknownConversation is returned for ids missing from the conversation list.
var ErrUnknownConversation = errors.New("unknown conversation")

// Emitter sends outbound events.
type Emitter interface {
	Emit(event string, payload any) error
}

// Sync applies server pushes to the two caches and tracks the selected
// conversation. The selected chat is derived from the selection and the chat
// collection and recomputed after every change to either.
type Sync struct {
	conversations *Conversations
	chats         *Chats
	emitter       Emitter

	selectedID   string
	selectedChat *protocol.Chat
}

// NewSync creates empty caches emitting through e.
func NewSync(e Emitter) *Sync {
	return &Sync{
		conversations: NewConversations(),
		chats:         NewChats(),
		emitter:       e,
	}
}

// HandleLoadConversations applies a load-conversations push: the list is
// replaced, and histories of conversations no longer listed are dropped.
func (s *Sync) HandleLoadConversations(ev protocol.Event) error {
	var list []protocol.ConversationSummary
	if err := ev.Unmarshal(&list); err != nil {
		return err
	}

	s.conversations.Replace(list)
	s.chats.Retain(s.conversations.Has)
	if !s.conversations.Has(s.selectedID) {
		s.selectedID = ""
	}
	s.recompute()
	return nil
}

// HandleLoadChat applies a load-chat push with upsert semantics.
func (s *Sync) HandleLoadChat(ev protocol.Event) error {
	var chat protocol.Chat
	if err := ev.Unmarshal(&chat); err != nil {
		return err
	}
	if !s.conversations.Has(chat.ConversationID) {
		return fmt.Errorf("load-chat for %q: %w", chat.ConversationID, ErrUnknownConversation)
	}

	s.chats.Upsert(chat)
	s.recompute()
	return nil
}

// RequestSelection selects id and asks the server for its history unless it
// is cached or already requested. It reports whether a request was emitted.
// When the emit fails the load state is rolled back so a later selection
// retries.
func (s *Sync) RequestSelection(id string) (bool, error) {
	if !s.conversations.Has(id) {
		return false, fmt.Errorf("select %q: %w", id, ErrUnknownConversation)
	}

	s.selectedID = id
	s.recompute()

	if !s.chats.MarkRequested(id) {
		return false, nil
	}
	if err := s.emitter.Emit(protocol.EventLoadChatRequest, protocol.LoadChatRequest{ConversationID: id}); err != nil {
		s.chats.Unmark(id)
		return false, err
	}
	return true, nil
}

// Reset drops everything, for sign-out.
func (s *Sync) Reset() {
	s.conversations.Reset()
	s.chats.Reset()
	s.selectedID = ""
	s.recompute()
}

// Conversations returns a copy of the conversation list.
func (s *Sync) Conversations() []protocol.ConversationSummary {
	return s.conversations.List()
}

// Conversation returns one conversation.
func (s *Sync) Conversation(id string) (protocol.ConversationSummary, bool) {
	return s.conversations.Get(id)
}

// Chats returns a copy of every loaded history.
func (s *Sync) Chats() []protocol.Chat {
	return s.chats.List()
}

// ChatState returns the load state of id.
func (s *Sync) ChatState(id string) LoadState {
	return s.chats.State(id)
}

// SelectedID returns the selected conversation id, or "".
func (s *Sync) SelectedID() string {
	return s.selectedID
}

// SelectedChat returns a copy of the derived selected chat, or nil when the
// selected conversation has no history yet.
func (s *Sync) SelectedChat() *protocol.Chat {
	if s.selectedChat == nil {
		return nil
	}
	chat := *s.selectedChat
	chat.Messages = append([]protocol.Message(nil), chat.Messages...)
	return &chat
}

func (s *Sync) recompute() {
	chat, ok := s.chats.Get(s.selectedID)
	if !ok {
		s.selectedChat = nil
		return
	}
	s.selectedChat = &chat
}
