package entities

import "strings"

// EyeCorrection is the refraction result for one eye
type EyeCorrection struct {
	Sphere   string `json:"sphere,omitempty"`
	Cylinder string `json:"cylinder,omitempty"`
	Axis     string `json:"axis,omitempty"`
	Add      string `json:"add,omitempty"`
	Prism    string `json:"prism,omitempty"`
	Base     string `json:"base,omitempty"`
}

// IsEmpty reports whether no correction value is recorded
func (e EyeCorrection) IsEmpty() bool {
	for _, v := range []string{e.Sphere, e.Cylinder, e.Axis, e.Add, e.Prism, e.Base} {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Medication is one drug entry on the prescription
type Medication struct {
	Name      string `json:"name"`
	Strength  string `json:"strength,omitempty"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Route     string `json:"route,omitempty"`
}

// Prescription is written by the clinical stage and read by the optical and
// pharmacy stages
type Prescription struct {
	RightEye          EyeCorrection `json:"right_eye"`
	LeftEye           EyeCorrection `json:"left_eye"`
	PupillaryDistance string        `json:"pupillary_distance,omitempty"`
	Medications       []Medication  `json:"medications,omitempty"`
}

// HasOpticalCorrection reports whether any optical field is filled in
func (p *Prescription) HasOpticalCorrection() bool {
	if p == nil {
		return false
	}
	return !p.RightEye.IsEmpty() || !p.LeftEye.IsEmpty() || strings.TrimSpace(p.PupillaryDistance) != ""
}

// HasMedications reports whether at least one named medication is listed
func (p *Prescription) HasMedications() bool {
	if p == nil {
		return false
	}
	for _, m := range p.Medications {
		if strings.TrimSpace(m.Name) != "" {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (p *Prescription) Clone() *Prescription {
	if p == nil {
		return nil
	}
	out := *p
	if p.Medications != nil {
		out.Medications = append([]Medication(nil), p.Medications...)
	}
	return &out
}
