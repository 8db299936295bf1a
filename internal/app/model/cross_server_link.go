package model

import "time"

// CrossServerLink copies messages posted to an endpoint's path into a
// channel of another guild.
type CrossServerLink struct {
	ID              int64
	SourceGuildID   string
	TargetGuildID   string
	TargetChannelID string
	WebhookPath     string
	WebhookName     string
	State           State
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Involves reports whether guildID sits on either side of the link.
func (l CrossServerLink) Involves(guildID string) bool {
	return guildID != "" && (l.SourceGuildID == guildID || l.TargetGuildID == guildID)
}
