package models

import (
	"math/big"
	"time"
)

// AddressProfile holds incremental per-address statistics for one network
type AddressProfile struct {
	Address            string    `json:"address"`
	Network            string    `json:"network"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
	SentCount          int64     `json:"sent_count"`
	ReceivedCount      int64     `json:"received_count"`
	SentVolume         *big.Int  `json:"sent_volume"`
	ReceivedVolume     *big.Int  `json:"received_volume"`
	MaxTransaction     *big.Int  `json:"max_transaction"`
	AverageValue       *big.Int  `json:"average_value"`
	SuspiciousActivity int64     `json:"suspicious_activity"`
}

// ProfileDelta is one observation merged into an AddressProfile
type ProfileDelta struct {
	Address   string
	Network   string
	Value     *big.Int
	IsSender  bool
	Timestamp time.Time
}

// NewAddressProfile returns an empty profile with zeroed volumes
func NewAddressProfile(network, address string) *AddressProfile {
	return &AddressProfile{
		Address:        address,
		Network:        network,
		SentVolume:     new(big.Int),
		ReceivedVolume: new(big.Int),
		MaxTransaction: new(big.Int),
		AverageValue:   new(big.Int),
	}
}

// Apply merges d into p. Counts and volumes only grow, FirstSeen only moves
// back, LastSeen only moves forward and MaxTransaction only grows.
func (p *AddressProfile) Apply(d *ProfileDelta) {
	value := d.Value
	if value == nil {
		value = new(big.Int)
	}

	if d.IsSender {
		p.SentCount++
		p.SentVolume = new(big.Int).Add(p.SentVolume, value)
	} else {
		p.ReceivedCount++
		p.ReceivedVolume = new(big.Int).Add(p.ReceivedVolume, value)
	}

	if p.MaxTransaction == nil || value.Cmp(p.MaxTransaction) > 0 {
		p.MaxTransaction = new(big.Int).Set(value)
	}

	ts := d.Timestamp.UTC()
	if p.FirstSeen.IsZero() || ts.Before(p.FirstSeen) {
		p.FirstSeen = ts
	}
	if ts.After(p.LastSeen) {
		p.LastSeen = ts
	}

	p.RecomputeAverage()
}

// RecomputeAverage derives AverageValue from the merged totals
func (p *AddressProfile) RecomputeAverage() {
	total := p.SentCount + p.ReceivedCount
	if total == 0 {
		p.AverageValue = new(big.Int)
		return
	}
	volume := new(big.Int).Add(p.SentVolume, p.ReceivedVolume)
	p.AverageValue = volume.Quo(volume, big.NewInt(total))
}
