package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RecentReading is one row of the bounded recent index: every metric a node
// reported at one instant.
type RecentReading struct {
	NodeID    string         `gorm:"primaryKey;size:128" json:"node_id"`
	TS        int64          `gorm:"primaryKey;autoIncrement:false" json:"ts"`
	Timestamp string         `json:"timestamp"`
	Readings  datatypes.JSON `gorm:"type:jsonb" json:"readings"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (RecentReading) TableName() string { return "recent_readings" }

func (r RecentReading) Values() (map[string]float64, error) {
	out := map[string]float64{}
	if len(r.Readings) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Readings, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MetricRollup accumulates one metric of one node over one local calendar day.
type MetricRollup struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	NodeID     string    `gorm:"size:128;uniqueIndex:idx_rollup_bucket,priority:1" json:"node_id"`
	Metric     string    `gorm:"size:64;uniqueIndex:idx_rollup_bucket,priority:2" json:"metric"`
	DayKey     int       `gorm:"uniqueIndex:idx_rollup_bucket,priority:3" json:"day_key"`
	Year       int       `json:"year"`
	Month      int       `json:"month"`
	Day        int       `json:"day"`
	ValueSum   float64   `json:"value_sum"`
	ValueCount int64     `json:"value_count"`
	ValueMin   float64   `json:"value_min"`
	ValueMax   float64   `json:"value_max"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (MetricRollup) TableName() string { return "metric_rollups" }

type Vessel struct {
	ID       uint           `gorm:"primaryKey" json:"id"`
	Location string         `json:"location"`
	Height   float64        `json:"height"` // mm, sensor to vessel floor
	Details  datatypes.JSON `json:"details,omitempty"`
}

func (Vessel) TableName() string { return "vessels" }

// Station is a measuring station. Its ID is the node id devices report as.
type Station struct {
	ID       string `gorm:"primaryKey;size:128" json:"id"`
	VesselID uint   `gorm:"index" json:"vessel_id"`
	Name     string `json:"name"`
}

func (Station) TableName() string { return "measuring_stations" }

type Sensor struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	StationID string `gorm:"size:128;index" json:"station_id"`
	Type      string `json:"type"`
	Model     string `json:"model"`
}

func (Sensor) TableName() string { return "sensors" }
