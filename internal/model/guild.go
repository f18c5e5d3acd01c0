package model

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type ChannelKind string

const (
	ChannelText  ChannelKind = "text"
	ChannelVoice ChannelKind = "voice"
)

// Guild is one workspace as the client knows it.
type Guild struct {
	ID         GuildID    `json:"id"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	OwnerID    UserID     `json:"owner_id"`
	Channels   []Channel  `json:"channels"`
	Roles      []Role     `json:"roles"`
	Members    []UserID   `json:"members"`
}

type Channel struct {
	ID       ChannelID   `json:"id"`
	GuildID  GuildID     `json:"guild_id"`
	Name     string      `json:"name"`
	Kind     ChannelKind `json:"kind"`
	Position int64       `json:"position"`
}

// Role Color is six uppercase hex digits without a leading '#'.
type Role struct {
	ID          RoleID `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Position    int64  `json:"position"`
	Permissions int64  `json:"permissions"`
}

// HasChannel reports whether the guild lists a channel with the given id.
func (g Guild) HasChannel(id ChannelID) bool {
	for _, c := range g.Channels {
		if c.ID == id {
			return true
		}
	}
	return false
}
