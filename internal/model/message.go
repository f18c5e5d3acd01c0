package model

import "encoding/json"

// Message 频道消息
type Message struct {
	ID             MessageID       `json:"id"`
	GuildID        GuildID         `json:"guild_id"`
	ChannelID      ChannelID       `json:"channel_id"`
	AuthorID       UserID          `json:"author_id"`
	Content        string          `json:"content"`
	MarkdownTokens json.RawMessage `json:"markdown_tokens,omitempty"`
	CreatedAtUnix  int64           `json:"created_at_unix"`
	EditedAtUnix   int64           `json:"edited_at_unix,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
}

// Attachment 消息附件
type Attachment struct {
	ID        AttachmentID `json:"id"`
	Filename  string       `json:"filename"`
	MimeType  string       `json:"mime_type"`
	SizeBytes int64        `json:"size_bytes"`
}

// Reaction is the aggregated state of one emoji on one message.
// Reacted is never true while Count is zero.
type Reaction struct {
	Count   int  `json:"count"`
	Reacted bool `json:"reacted"`
}

// ReactionKey joins a message id and an emoji as "messageID|emoji".
func ReactionKey(id MessageID, emoji string) string {
	return string(id) + "|" + emoji
}
