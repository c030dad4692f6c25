package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// AnalysisStateChangedData is the payload for analysis.state.changed events.
type AnalysisStateChangedData struct {
	Symbol         string  `json:"symbol"`
	State          string  `json:"state"`
	Score          float64 `json:"score"`
	Recommendation string  `json:"recommendation,omitempty"`
}

// Position is a holding of a single instrument.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

// PortfolioStateChangedData is the payload for portfolio.state.changed events.
type PortfolioStateChangedData struct {
	PortfolioID string     `json:"portfolio_id"`
	Cash        float64    `json:"cash"`
	Positions   []Position `json:"positions"`
}

// TradingStateChangedData is the payload for trading.state.changed events.
type TradingStateChangedData struct {
	OrderID     string  `json:"order_id"`
	PortfolioID string  `json:"portfolio_id,omitempty"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"` // "buy" or "sell"
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price,omitempty"`
	Status      string  `json:"status"` // e.g. "open", "filled", "cancelled", "rejected"
}

// SystemAlertRaisedData is the payload for system.alert.raised events.
type SystemAlertRaisedData struct {
	Component string    `json:"component"`
	Severity  string    `json:"severity"` // "info", "warning" or "critical"
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at,omitempty"`
}

// Decode unmarshals the payload of e into the typed payload for its event type.
// Unknown event types decode into a map[string]any.
func Decode(e Event) (any, error) {
	var v any
	switch e.Type {
	case EventAnalysisStateChanged:
		v = &AnalysisStateChangedData{}
	case EventPortfolioStateChanged:
		v = &PortfolioStateChangedData{}
	case EventTradingStateChanged:
		v = &TradingStateChangedData{}
	case EventSystemAlertRaised:
		v = &SystemAlertRaisedData{}
	default:
		m := map[string]any{}
		v = &m
	}
	if len(e.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return v, nil
}

// Payload is implemented by the typed payloads. It ties each payload type to
// the one event type it belongs to.
type Payload interface {
	EventType() EventType
}

func (AnalysisStateChangedData) EventType() EventType  { return EventAnalysisStateChanged }
func (PortfolioStateChangedData) EventType() EventType { return EventPortfolioStateChanged }
func (TradingStateChangedData) EventType() EventType   { return EventTradingStateChanged }
func (SystemAlertRaisedData) EventType() EventType     { return EventSystemAlertRaised }

// Encode marshals a typed payload and returns it with its event type.
func Encode(p Payload) (EventType, json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return p.EventType(), b, nil
}
