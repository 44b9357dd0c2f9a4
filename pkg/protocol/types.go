package protocol

// User is the public profile of an account.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Message is a single chat line.
type Message struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Sender    string `json:"sender,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"` // unix milliseconds
}

// ConversationSummary describes a conversation between the current user and
// one counterpart, as listed in the conversation sidebar.
type ConversationSummary struct {
	ID          string   `json:"id"`
	User        User     `json:"user"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// Chat is the ordered message history of one conversation.
type Chat struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

// LoadChatRequest asks the server to push the history of a conversation.
type LoadChatRequest struct {
	ConversationID string `json:"conversationId"`
}

// SendMessageRequest posts a message to a conversation.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}
