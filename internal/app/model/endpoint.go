package model

import "time"

const (
	// PathLength is the number of hex characters in an endpoint token.
	PathLength = 12

	// MaxActiveEndpointsPerGuild caps enabled endpoints owned by one guild.
	MaxActiveEndpointsPerGuild = 5
)

// Endpoint is an inbound relay target stored in the webhooks table. Path is
// the bearer token that authenticates posts.
type Endpoint struct {
	ID        int64
	GuildID   string
	Path      string
	ChannelID string
	Name      string
	State     State
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}
