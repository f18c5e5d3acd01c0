package model

// VoiceKey addresses one voice channel roster.
type VoiceKey struct {
	GuildID   GuildID
	ChannelID ChannelID
}

// String renders the key as "guildID/channelID".
func (k VoiceKey) String() string {
	return string(k.GuildID) + "/" + string(k.ChannelID)
}

// VoiceParticipant is one connected session. Identity is scoped to the
// session, so a user that rejoins shows up with a new identity.
type VoiceParticipant struct {
	UserID           UserID `json:"user_id"`
	Identity         string `json:"identity"`
	JoinedAtUnix     int64  `json:"joined_at_unix"`
	Muted            bool   `json:"muted"`
	Deafened         bool   `json:"deafened"`
	PublishingAudio  bool   `json:"publishing_audio"`
	PublishingVideo  bool   `json:"publishing_video"`
	PublishingScreen bool   `json:"publishing_screen"`
}

type StreamKind string

const (
	StreamAudio  StreamKind = "audio"
	StreamVideo  StreamKind = "video"
	StreamScreen StreamKind = "screen"
)
