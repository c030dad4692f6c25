// Package project provides pure projection functions that fold event
// histories into read models.
//
// All functions in this package are pure: they take events as input and
// return derived structures. They do not perform I/O or have side effects.
// Each view can be folded incrementally with Apply and copied with Clone, so
// a caller can fold onto a copy and publish it only once a batch succeeds.
package project

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/lirancohen/evcore/event"
)

// Projection names of the unified read models.
const (
	UnifiedAnalysis     = "unified-analysis"
	UnifiedPortfolio    = "unified-portfolio"
	UnifiedTrading      = "unified-trading"
	UnifiedSystemHealth = "unified-system-health"
)

// Names returns the names of all unified read models.
func Names() []string {
	return []string{UnifiedAnalysis, UnifiedPortfolio, UnifiedTrading, UnifiedSystemHealth}
}

// Order status values that count as open.
const (
	OrderOpen = "open"
)

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

// PortfolioSummary is the latest state of one portfolio.
type PortfolioSummary struct {
	PortfolioID string
	Cash        float64
	Positions   []event.Position
	MarketValue float64
	TotalValue  float64
	UpdatedAt   time.Time
}

// PortfolioView aggregates the latest state of every portfolio.
type PortfolioView struct {
	Portfolios map[string]PortfolioSummary
	Skipped    int // events with undecodable payloads
}

// NewPortfolioView returns an empty view.
func NewPortfolioView() *PortfolioView {
	return &PortfolioView{Portfolios: make(map[string]PortfolioSummary)}
}

// Portfolio folds events into a new PortfolioView.
func Portfolio(events []event.Event) *PortfolioView {
	v := NewPortfolioView()
	for _, e := range events {
		v.Apply(e)
	}
	return v
}

// Apply folds one event. Events of other types are ignored.
func (v *PortfolioView) Apply(e event.Event) {
	if e.Type != event.EventPortfolioStateChanged {
		return
	}
	var data event.PortfolioStateChangedData
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		v.Skipped++
		return
	}
	id := data.PortfolioID
	if id == "" {
		id = e.StreamID
	}

	positions := make([]event.Position, len(data.Positions))
	copy(positions, data.Positions)
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	var market float64
	for _, p := range positions {
		market += p.Quantity * p.Price
	}
	v.Portfolios[id] = PortfolioSummary{
		PortfolioID: id,
		Cash:        data.Cash,
		Positions:   positions,
		MarketValue: market,
		TotalValue:  market + data.Cash,
		UpdatedAt:   e.Timestamp,
	}
}

// Clone returns a deep copy.
func (v *PortfolioView) Clone() *PortfolioView {
	out := &PortfolioView{Portfolios: make(map[string]PortfolioSummary, len(v.Portfolios)), Skipped: v.Skipped}
	for k, p := range v.Portfolios {
		p.Positions = append([]event.Position(nil), p.Positions...)
		out.Portfolios[k] = p
	}
	return out
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// Order is the latest state of one order.
type Order struct {
	OrderID     string
	PortfolioID string
	Symbol      string
	Side        string
	Quantity    float64
	Price       float64
	Status      string
	UpdatedAt   time.Time
}

// TradingView aggregates the latest state of every order.
type TradingView struct {
	Orders   map[string]Order
	ByStatus map[string]int
	Skipped  int
}

// NewTradingView returns an empty view.
func NewTradingView() *TradingView {
	return &TradingView{Orders: make(map[string]Order), ByStatus: make(map[string]int)}
}

// Trading folds events into a new TradingView.
func Trading(events []event.Event) *TradingView {
	v := NewTradingView()
	for _, e := range events {
		v.Apply(e)
	}
	return v
}

// Apply folds one event. Events of other types are ignored.
func (v *TradingView) Apply(e event.Event) {
	if e.Type != event.EventTradingStateChanged {
		return
	}
	var data event.TradingStateChangedData
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		v.Skipped++
		return
	}
	id := data.OrderID
	if id == "" {
		id = e.StreamID
	}

	if prev, ok := v.Orders[id]; ok {
		v.ByStatus[prev.Status]--
		if v.ByStatus[prev.Status] == 0 {
			delete(v.ByStatus, prev.Status)
		}
	}
	v.Orders[id] = Order{
		OrderID:     id,
		PortfolioID: data.PortfolioID,
		Symbol:      data.Symbol,
		Side:        data.Side,
		Quantity:    data.Quantity,
		Price:       data.Price,
		Status:      data.Status,
		UpdatedAt:   e.Timestamp,
	}
	v.ByStatus[data.Status]++
}

// OpenOrders returns open orders ordered by ID.
func (v *TradingView) OpenOrders() []Order {
	var out []Order
	for _, o := range v.Orders {
		if o.Status == OrderOpen {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Clone returns a deep copy.
func (v *TradingView) Clone() *TradingView {
	out := &TradingView{
		Orders:   make(map[string]Order, len(v.Orders)),
		ByStatus: make(map[string]int, len(v.ByStatus)),
		Skipped:  v.Skipped,
	}
	for k, o := range v.Orders {
		out.Orders[k] = o
	}
	for k, n := range v.ByStatus {
		out.ByStatus[k] = n
	}
	return out
}

// ---------------------------------------------------------------------------
// Analysis
// ---------------------------------------------------------------------------

// InstrumentSummary joins the latest analysis of an instrument with what is
// held and traded in it.
type InstrumentSummary struct {
	Symbol         string
	State          string
	Score          float64
	Recommendation string
	HeldQuantity   float64
	OpenOrders     int
	UpdatedAt      time.Time
}

// AnalysisView is the cross-domain read model. It depends on analysis,
// portfolio and trading events.
type AnalysisView struct {
	Instruments map[string]InstrumentSummary
	Skipped     int

	holdings map[string]map[string]float64 // portfolio -> symbol -> quantity
	orders   map[string]Order              // order -> latest state
}

// NewAnalysisView returns an empty view.
func NewAnalysisView() *AnalysisView {
	return &AnalysisView{
		Instruments: make(map[string]InstrumentSummary),
		holdings:    make(map[string]map[string]float64),
		orders:      make(map[string]Order),
	}
}

// Analysis folds events into a new AnalysisView.
func Analysis(events []event.Event) *AnalysisView {
	v := NewAnalysisView()
	for _, e := range events {
		v.Apply(e)
	}
	return v
}

// Apply folds one event.
func (v *AnalysisView) Apply(e event.Event) {
	switch e.Type {
	case event.EventAnalysisStateChanged:
		var data event.AnalysisStateChangedData
		if err := json.Unmarshal(e.Payload, &data); err != nil || data.Symbol == "" {
			v.Skipped++
			return
		}
		s := v.Instruments[data.Symbol]
		s.Symbol = data.Symbol
		s.State = data.State
		s.Score = data.Score
		s.Recommendation = data.Recommendation
		s.UpdatedAt = e.Timestamp
		v.Instruments[data.Symbol] = s

	case event.EventPortfolioStateChanged:
		var data event.PortfolioStateChangedData
		if err := json.Unmarshal(e.Payload, &data); err != nil {
			v.Skipped++
			return
		}
		id := data.PortfolioID
		if id == "" {
			id = e.StreamID
		}
		touched := make(map[string]struct{})
		for sym := range v.holdings[id] {
			touched[sym] = struct{}{}
		}
		held := make(map[string]float64, len(data.Positions))
		for _, p := range data.Positions {
			held[p.Symbol] += p.Quantity
			touched[p.Symbol] = struct{}{}
		}
		v.holdings[id] = held
		for sym := range touched {
			v.recomputeHeld(sym, e.Timestamp)
		}

	case event.EventTradingStateChanged:
		var data event.TradingStateChangedData
		if err := json.Unmarshal(e.Payload, &data); err != nil {
			v.Skipped++
			return
		}
		id := data.OrderID
		if id == "" {
			id = e.StreamID
		}
		prev, had := v.orders[id]
		v.orders[id] = Order{OrderID: id, Symbol: data.Symbol, Status: data.Status}
		if had && prev.Symbol != data.Symbol {
			v.recomputeOpen(prev.Symbol, e.Timestamp)
		}
		v.recomputeOpen(data.Symbol, e.Timestamp)
	}
}

func (v *AnalysisView) recomputeHeld(symbol string, at time.Time) {
	var total float64
	for _, held := range v.holdings {
		total += held[symbol]
	}
	s := v.Instruments[symbol]
	s.Symbol = symbol
	s.HeldQuantity = total
	s.UpdatedAt = at
	v.Instruments[symbol] = s
}

func (v *AnalysisView) recomputeOpen(symbol string, at time.Time) {
	if symbol == "" {
		return
	}
	n := 0
	for _, o := range v.orders {
		if o.Symbol == symbol && o.Status == OrderOpen {
			n++
		}
	}
	s := v.Instruments[symbol]
	s.Symbol = symbol
	s.OpenOrders = n
	s.UpdatedAt = at
	v.Instruments[symbol] = s
}

// Clone returns a deep copy.
func (v *AnalysisView) Clone() *AnalysisView {
	out := &AnalysisView{
		Instruments: make(map[string]InstrumentSummary, len(v.Instruments)),
		Skipped:     v.Skipped,
		holdings:    make(map[string]map[string]float64, len(v.holdings)),
		orders:      make(map[string]Order, len(v.orders)),
	}
	for k, s := range v.Instruments {
		out.Instruments[k] = s
	}
	for id, held := range v.holdings {
		cp := make(map[string]float64, len(held))
		for sym, q := range held {
			cp[sym] = q
		}
		out.holdings[id] = cp
	}
	for k, o := range v.orders {
		out.orders[k] = o
	}
	return out
}

// ---------------------------------------------------------------------------
// System health
// ---------------------------------------------------------------------------

// Health is the overall system health.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ComponentHealth is the latest alert raised by a component.
type ComponentHealth struct {
	Component string
	Severity  string
	Message   string
	RaisedAt  time.Time
}

// SystemHealthView tracks the latest alert per component.
type SystemHealthView struct {
	Components map[string]ComponentHealth
	Skipped    int
}

// NewSystemHealthView returns an empty view.
func NewSystemHealthView() *SystemHealthView {
	return &SystemHealthView{Components: make(map[string]ComponentHealth)}
}

// SystemHealth folds events into a new SystemHealthView.
func SystemHealth(events []event.Event) *SystemHealthView {
	v := NewSystemHealthView()
	for _, e := range events {
		v.Apply(e)
	}
	return v
}

// Apply folds one event. An info alert marks its component healthy again.
func (v *SystemHealthView) Apply(e event.Event) {
	if e.Type != event.EventSystemAlertRaised {
		return
	}
	var data event.SystemAlertRaisedData
	if err := json.Unmarshal(e.Payload, &data); err != nil || data.Component == "" {
		v.Skipped++
		return
	}
	raised := data.RaisedAt
	if raised.IsZero() {
		raised = e.Timestamp
	}
	v.Components[data.Component] = ComponentHealth{
		Component: data.Component,
		Severity:  data.Severity,
		Message:   data.Message,
		RaisedAt:  raised,
	}
}

// Overall returns critical if any component's latest alert is critical,
// degraded if any is a warning, and healthy otherwise.
func (v *SystemHealthView) Overall() Health {
	h := HealthHealthy
	for _, c := range v.Components {
		switch c.Severity {
		case SeverityCritical:
			return HealthCritical
		case SeverityWarning:
			h = HealthDegraded
		}
	}
	return h
}

// Clone returns a copy.
func (v *SystemHealthView) Clone() *SystemHealthView {
	out := &SystemHealthView{Components: make(map[string]ComponentHealth, len(v.Components)), Skipped: v.Skipped}
	for k, c := range v.Components {
		out.Components[k] = c
	}
	return out
}
