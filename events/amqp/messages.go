package amqp

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rollup-engine/rollup"
)

// ChangeMessage is the wire form of a rollup.ChangeEvent. Consumers refetch
// the period; the message only says which one changed and its new total.
type ChangeMessage struct {
	Kind      string          `json:"kind"`
	SeriesID  string          `json:"series_id"`
	Period    string          `json:"period"`
	Dimension string          `json:"dimension,omitempty"`
	Total     decimal.Decimal `json:"total"`
	Entries   int             `json:"entries,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewChangeMessage(ev rollup.ChangeEvent) *ChangeMessage {
	return &ChangeMessage{
		Kind:      string(ev.Kind),
		SeriesID:  string(ev.SeriesID),
		Period:    string(ev.Period),
		Dimension: ev.Dimension,
		Total:     ev.Total,
		Entries:   ev.Entries,
		Timestamp: ev.At,
	}
}

func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
