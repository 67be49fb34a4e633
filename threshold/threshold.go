// Copyright 2015-2019 Bleemeo
//
// bleemeo.com an infrastructure monitoring solution in the Cloud
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package threshold holds the wire-shape of per-metric thresholds and
// units published by the connector. Evaluating thresholds against samples
// (soft-status hysteresis) is done downstream and is out of scope here.
package threshold

import "math"

// Threshold holds the four boundaries of a metric threshold. An unset
// boundary is represented as NaN rather than a pointer, so "no threshold at
// all" is a Threshold with every field NaN; the zero value, whose fields
// are 0, is not that value.
type Threshold struct {
	LowWarning   float64
	LowCritical  float64
	HighWarning  float64
	HighCritical float64
}

// Equal compares two thresholds, treating NaN as equal to NaN (unlike ==).
func (t Threshold) Equal(other Threshold) bool {
	return nanEqual(t.LowWarning, other.LowWarning) &&
		nanEqual(t.LowCritical, other.LowCritical) &&
		nanEqual(t.HighWarning, other.HighWarning) &&
		nanEqual(t.HighCritical, other.HighCritical)
}

func nanEqual(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}

	return a == b
}

// UnitType identifies how a metric's unit should be rendered downstream.
type UnitType int

// Known unit types.
const (
	UnitTypeUnit UnitType = iota
	UnitTypeByte
	UnitTypeCustom
)

// Unit is the unit attached to a metric, as published by the Bleemeo API.
type Unit struct {
	UnitType UnitType `json:"unit,omitempty"`
	UnitText string   `json:"unit_text,omitempty"`
}
