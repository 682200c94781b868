package model

import "time"

// NoNode marks a reading whose envelope carried a null node identifier.
// Node identifiers are assigned from 1 upwards, so 0 never names a real node.
const NoNode int64 = 0

// Reading is a decoded candidate observation published by a node.
type Reading struct {
	NodeID     int64     `json:"node_id"`
	TypeID     int64     `json:"type_id"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// AcceptedReading is a reading that passed validation and was stored.
type AcceptedReading struct {
	ID int64 `json:"id"`
	Reading
	ReceivedAt time.Time `json:"received_at"`
}

// RejectedReading is a decoded reading that failed validation, kept with the reason.
// Identity is (NodeID, ObservedAt).
type RejectedReading struct {
	Reading
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ArchivedReading is a copy of an accepted reading moved to cold storage when its node was deactivated.
type ArchivedReading struct {
	ID       int64 `json:"id"`
	OriginID int64 `json:"origin_id"`
	Reading
	ArchivedAt time.Time `json:"archived_at"`
}

// MeasurementType is a registered kind of measurement. TypeCode is the wire discriminator.
type MeasurementType struct {
	ID       int64  `json:"id" yaml:"-"`
	TypeCode int64  `json:"type_code" yaml:"type_code"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Name     string `json:"name" yaml:"name"`
}

// Node is a field sensor device.
type Node struct {
	ID             int64    `json:"id" yaml:"id"`
	Identifier     string   `json:"identifier" yaml:"identifier"`
	Description    string   `json:"description" yaml:"description"`
	BatteryPercent int      `json:"battery_percent" yaml:"battery_percent"`
	Latitude       *float64 `json:"latitude,omitempty" yaml:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty" yaml:"longitude,omitempty"`
	Active         bool     `json:"is_active" yaml:"is_active"`
	TypeIDs        []int64  `json:"types" yaml:"types"`
}

// AlertRange bounds the values of a measurement type. A nil NodeID applies the range to every node.
type AlertRange struct {
	ID       int64    `json:"id" yaml:"-"`
	TypeCode int64    `json:"type_code" yaml:"type_code"`
	NodeID   *int64   `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	Min      *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Alert records a bound violated by an accepted reading.
type Alert struct {
	ID         int64     `json:"id"`
	ReadingID  int64     `json:"reading_id"`
	NodeID     int64     `json:"node_id"`
	TypeCode   int64     `json:"type_code"`
	Value      float64   `json:"value"`
	Bound      string    `json:"bound"`
	Limit      float64   `json:"limit"`
	ObservedAt time.Time `json:"observed_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Page describes the slice of a filtered listing that was returned.
type Page struct {
	TotalItems  int `json:"total_items"`
	TotalPages  int `json:"total_pages"`
	CurrentPage int `json:"current_page"`
	Limit       int `json:"limit"`
	Offset      int `json:"offset"`
}
