package model

// Identifiers arrive from the gateway already checked against the ULID
// format; inside the core they are opaque.
type (
	GuildID      string
	ChannelID    string
	MessageID    string
	UserID       string
	RoleID       string
	AttachmentID string
)
