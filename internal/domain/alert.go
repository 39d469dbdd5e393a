package domain

import (
	"encoding/json"
	"time"
)

// AlertKind identifies what produced an alert. Cooldowns are tracked per
// (AlertKind, symbol).
type AlertKind string

const (
	AlertStorm   AlertKind = "liquidation_storm"
	AlertCluster AlertKind = "whale_cluster"
	AlertRadar   AlertKind = "radar"
)

// AlertKinds lists every kind in a stable order.
var AlertKinds = []AlertKind{AlertStorm, AlertCluster, AlertRadar}

// Payload is implemented by StormInfo, ClusterInfo and CompositeScore only.
type Payload interface {
	alertKind() AlertKind
}

func (StormInfo) alertKind() AlertKind      { return AlertStorm }
func (ClusterInfo) alertKind() AlertKind    { return AlertCluster }
func (CompositeScore) alertKind() AlertKind { return AlertRadar }

// KindOf returns the alert kind a payload belongs to.
func KindOf(p Payload) AlertKind { return p.alertKind() }

// Alert is created once per successful dispatch decision and never mutated.
type Alert struct {
	ID        string    `json:"id"`
	Kind      AlertKind `json:"kind"`
	Symbol    string    `json:"symbol"`
	Group     string    `json:"group"`
	Payload   Payload   `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Storm returns the payload as StormInfo when Kind is AlertStorm.
func (a Alert) Storm() (StormInfo, bool) {
	s, ok := a.Payload.(StormInfo)
	return s, ok
}

// Cluster returns the payload as ClusterInfo when Kind is AlertCluster.
func (a Alert) Cluster() (ClusterInfo, bool) {
	c, ok := a.Payload.(ClusterInfo)
	return c, ok
}

// Composite returns the payload as CompositeScore when Kind is AlertRadar.
func (a Alert) Composite() (CompositeScore, bool) {
	c, ok := a.Payload.(CompositeScore)
	return c, ok
}

// MarshalPayload encodes only the payload, for sinks that store it separately.
func (a Alert) MarshalPayload() ([]byte, error) {
	return json.Marshal(a.Payload)
}
