// Package evaluator turns a completed ranging sweep and the ambient context
// into an anomaly verdict. It performs no I/O.
package evaluator

import (
	"fmt"
	"math"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

const DefaultClearanceM = 0.5

// Band is an inclusive normal range. A nil side is unbounded.
type Band struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// NewBand is a two-sided band.
func NewBand(min, max float64) Band { return Band{Min: &min, Max: &max} }

// Config holds the clearance threshold and per-source ambient bands.
type Config struct {
	ClearanceM float64                        `json:"clearance_m"`
	Bands      map[entities.SensorSource]Band `json:"bands"`
}

type Evaluator struct {
	cfg Config
}

func New(cfg Config) *Evaluator {
	if cfg.ClearanceM <= 0 {
		cfg.ClearanceM = DefaultClearanceM
	}
	return &Evaluator{cfg: cfg}
}

func (e *Evaluator) ClearanceM() float64 { return e.cfg.ClearanceM }

// Evaluate checks directions in the order Front, Back, Left, Right, Up, then
// temperature, humidity and pressure. The reason names the first violation.
func (e *Evaluator) Evaluate(sweep entities.RangingSweep, ambient entities.Ambient) entities.AnomalyVerdict {
	var findings []entities.Finding

	closest := sweep.Closest()
	for _, dir := range entities.Directions {
		d, ok := closest[dir]
		if !ok || d >= e.cfg.ClearanceM {
			continue
		}
		findings = append(findings, entities.Finding{
			Dimension: string(dir),
			Value:     d,
			Limit:     e.cfg.ClearanceM,
			Text:      fmt.Sprintf("%s obstruction at %.2f m (clearance %.2f m)", dir, d, e.cfg.ClearanceM),
		})
	}

	for _, src := range entities.AmbientSources {
		v, ok := ambient[src]
		if !ok || math.IsNaN(v) {
			continue
		}
		band, ok := e.cfg.Bands[src]
		if !ok {
			continue
		}
		if band.Min != nil && v < *band.Min {
			findings = append(findings, entities.Finding{
				Dimension: string(src), Value: v, Limit: *band.Min,
				Text: fmt.Sprintf("%s %.1f%s below normal minimum %.1f%s", src, v, unit(src), *band.Min, unit(src)),
			})
		} else if band.Max != nil && v > *band.Max {
			findings = append(findings, entities.Finding{
				Dimension: string(src), Value: v, Limit: *band.Max,
				Text: fmt.Sprintf("%s %.1f%s above normal maximum %.1f%s", src, v, unit(src), *band.Max, unit(src)),
			})
		}
	}

	verdict := entities.AnomalyVerdict{
		Anomalous:    len(findings) > 0,
		Reason:       "all dimensions within band",
		Findings:     findings,
		Measurements: sweep,
		Ambient:      copyAmbient(ambient),
	}
	if verdict.Anomalous {
		verdict.Reason = findings[0].Text
	}
	return verdict
}

func unit(src entities.SensorSource) string {
	switch src {
	case entities.SourceTemperature:
		return "°C"
	case entities.SourceHumidity:
		return "%"
	case entities.SourcePressure:
		return " hPa"
	}
	return ""
}

func copyAmbient(a entities.Ambient) entities.Ambient {
	out := make(entities.Ambient, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
