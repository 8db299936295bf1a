package model

import "time"

// DeliveryStat is the per-(path, guild) usage counter.
type DeliveryStat struct {
	ID           int64      `json:"-" gorm:"primaryKey"`
	Path         string     `json:"path" gorm:"column:path"`
	GuildID      string     `json:"guild_id" gorm:"column:guild_id"`
	RequestCount int64      `json:"request_count" gorm:"column:request_count"`
	FanoutCount  int64      `json:"fanout_count" gorm:"column:fanout_count"`
	LastUsedAt   *time.Time `json:"last_used_at" gorm:"column:last_used_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (DeliveryStat) TableName() string {
	return "webhook_stats"
}

// DeliveryEvent is one successful primary delivery waiting to be counted.
type DeliveryEvent struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	GuildID   string    `json:"guild_id"`
	Fanout    int       `json:"fanout"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	DeliveryStreamName     = "DELIVERIES"
	DeliveryStreamSubject  = "deliveries.stats"
	DeliveryConsumerName   = "delivery-stats"
	DeliveryStreamMaxBytes = 1024 * 1024 * 64 // 64MB
)
