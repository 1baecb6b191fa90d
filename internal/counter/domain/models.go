package domain

import "time"

// UserCounter is the durable click total of one player.
type UserCounter struct {
	UserID      string    `json:"user_id" gorm:"column:user_id;type:varchar(128);primaryKey"`
	Country     string    `json:"country" gorm:"column:country;type:varchar(8);not null"`
	TotalClicks int64     `json:"total_clicks" gorm:"column:total_clicks;not null"`
	LastClick   time.Time `json:"last_click" gorm:"column:last_click;not null"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at;not null"`
}

// TableName sets the database table name.
func (UserCounter) TableName() string { return "users" }

// CountryCounter is the durable click total of one country.
type CountryCounter struct {
	Code        string    `json:"code" gorm:"column:code;type:varchar(8);primaryKey"`
	Name        string    `json:"name" gorm:"column:name;type:varchar(128);not null"`
	TotalClicks int64     `json:"total_clicks" gorm:"column:total_clicks;not null;index:idx_countries_total_clicks"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at;not null"`
}

// TableName sets the database table name.
func (CountryCounter) TableName() string { return "countries" }
