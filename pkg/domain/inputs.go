package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the only accepted calendar date format.
const DateLayout = "2006-01-02"

// Amount is a non-negative money value in cents.
type Amount int64

// ParseAmount converts free-form fee input into an Amount. Both "150.50" and
// "150,50" are accepted, as is the "1.234,56" grouping. Anything unparseable,
// negative or non-finite becomes zero.
func ParseAmount(raw string) Amount {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return AmountFromFloat(f)
}

// AmountFromFloat rounds f to cents, clamping invalid values to zero.
func AmountFromFloat(f float64) Amount {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	cents := math.Round(f * 100)
	if cents > math.MaxInt64/2 {
		return 0
	}
	return Amount(cents)
}

// Float64 returns the amount in currency units.
func (a Amount) Float64() float64 { return float64(a) / 100 }

func (a Amount) String() string {
	return fmt.Sprintf("%d.%02d", int64(a)/100, int64(a)%100)
}

// MarshalJSON renders the amount as a decimal number with two places.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts numbers, numeric strings and null. Malformed values
// decode to zero rather than failing the whole document.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = ParseAmount(s)
		return nil
	}
	*a = ParseAmount(string(data))
	return nil
}

// ParseDate validates a calendar date. The empty string means "no date".
func ParseDate(field, raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", ValidationError{Field: field, Message: fmt.Sprintf("expected YYYY-MM-DD, got %q", raw)}
	}
	return t.Format(DateLayout), nil
}

// CreateInput carries the fields accepted when a case record is created.
type CreateInput struct {
	ProcessNumber string
	ClaimantName  string
	ActionType    string
	ScheduledDate string
	Fee           string
	PaymentStatus PaymentStatus

	DocumentNumber string
	IDCard         string
	BirthDate      string
	Education      string
	Occupation     string
	MaritalStatus  string
	Address        string
	PostalCode     string
	City           string
	State          string

	Sections     map[Section]string
	Bibliography string

	// Finalize creates the record directly in the Completed state.
	Finalize bool
}

// Patch is a partial update. Nil fields are left untouched; a non-nil empty
// string clears an optional field. Finalize requests the Completed transition.
type Patch struct {
	ProcessNumber *string `json:"process_number,omitempty"`
	ClaimantName  *string `json:"claimant_name,omitempty"`
	ActionType    *string `json:"action_type,omitempty"`
	ScheduledDate *string `json:"scheduled_date,omitempty"`

	DocumentNumber *string `json:"document_number,omitempty"`
	IDCard         *string `json:"id_card,omitempty"`
	BirthDate      *string `json:"birth_date,omitempty"`
	Education      *string `json:"education,omitempty"`
	Occupation     *string `json:"occupation,omitempty"`
	MaritalStatus  *string `json:"marital_status,omitempty"`
	Address        *string `json:"address,omitempty"`
	PostalCode     *string `json:"postal_code,omitempty"`
	City           *string `json:"city,omitempty"`
	State          *string `json:"state,omitempty"`

	Anamnesis    *string `json:"anamnesis,omitempty"`
	PhysicalExam *string `json:"physical_exam,omitempty"`
	Objective    *string `json:"objective,omitempty"`
	Methodology  *string `json:"methodology,omitempty"`
	Antecedents  *string `json:"antecedents,omitempty"`
	Discussion   *string `json:"discussion,omitempty"`
	Conclusion   *string `json:"conclusion,omitempty"`
	Questions    *string `json:"questions,omitempty"`
	Bibliography *string `json:"bibliography,omitempty"`

	Fee           *string        `json:"fee,omitempty"`
	PaymentStatus *PaymentStatus `json:"payment_status,omitempty"`

	Finalize bool `json:"finalize,omitempty"`
}

// Text returns a pointer to s for building patches.
func Text(s string) *string { return &s }

type textField struct {
	name   string
	patch  func(*Patch) **string
	record func(*CaseRecord) *string
	date   bool
}

// textFields pairs each optional text field of a Patch with its CaseRecord slot.
var textFields = []textField{
	{"action_type", func(p *Patch) **string { return &p.ActionType }, func(r *CaseRecord) *string { return &r.ActionType }, false},
	{"scheduled_date", func(p *Patch) **string { return &p.ScheduledDate }, func(r *CaseRecord) *string { return &r.ScheduledDate }, true},
	{"document_number", func(p *Patch) **string { return &p.DocumentNumber }, func(r *CaseRecord) *string { return &r.DocumentNumber }, false},
	{"id_card", func(p *Patch) **string { return &p.IDCard }, func(r *CaseRecord) *string { return &r.IDCard }, false},
	{"birth_date", func(p *Patch) **string { return &p.BirthDate }, func(r *CaseRecord) *string { return &r.BirthDate }, true},
	{"education", func(p *Patch) **string { return &p.Education }, func(r *CaseRecord) *string { return &r.Education }, false},
	{"occupation", func(p *Patch) **string { return &p.Occupation }, func(r *CaseRecord) *string { return &r.Occupation }, false},
	{"marital_status", func(p *Patch) **string { return &p.MaritalStatus }, func(r *CaseRecord) *string { return &r.MaritalStatus }, false},
	{"address", func(p *Patch) **string { return &p.Address }, func(r *CaseRecord) *string { return &r.Address }, false},
	{"postal_code", func(p *Patch) **string { return &p.PostalCode }, func(r *CaseRecord) *string { return &r.PostalCode }, false},
	{"city", func(p *Patch) **string { return &p.City }, func(r *CaseRecord) *string { return &r.City }, false},
	{"state", func(p *Patch) **string { return &p.State }, func(r *CaseRecord) *string { return &r.State }, false},
	{"anamnesis", func(p *Patch) **string { return &p.Anamnesis }, func(r *CaseRecord) *string { return &r.Anamnesis }, false},
	{"physical_exam", func(p *Patch) **string { return &p.PhysicalExam }, func(r *CaseRecord) *string { return &r.PhysicalExam }, false},
	{"objective", func(p *Patch) **string { return &p.Objective }, func(r *CaseRecord) *string { return &r.Objective }, false},
	{"methodology", func(p *Patch) **string { return &p.Methodology }, func(r *CaseRecord) *string { return &r.Methodology }, false},
	{"antecedents", func(p *Patch) **string { return &p.Antecedents }, func(r *CaseRecord) *string { return &r.Antecedents }, false},
	{"discussion", func(p *Patch) **string { return &p.Discussion }, func(r *CaseRecord) *string { return &r.Discussion }, false},
	{"conclusion", func(p *Patch) **string { return &p.Conclusion }, func(r *CaseRecord) *string { return &r.Conclusion }, false},
	{"questions", func(p *Patch) **string { return &p.Questions }, func(r *CaseRecord) *string { return &r.Questions }, false},
	{"bibliography", func(p *Patch) **string { return &p.Bibliography }, func(r *CaseRecord) *string { return &r.Bibliography }, false},
}

// IsEmpty reports whether the patch carries no field changes. Finalize is an
// intent, not content, and does not count.
func (p Patch) IsEmpty() bool {
	if p.ProcessNumber != nil || p.ClaimantName != nil || p.Fee != nil || p.PaymentStatus != nil {
		return false
	}
	for _, f := range textFields {
		if *f.patch(&p) != nil {
			return false
		}
	}
	return true
}

// Merge layers next over p: fields set in next win. Finalize is sticky.
func (p Patch) Merge(next Patch) Patch {
	out := p
	if next.ProcessNumber != nil {
		out.ProcessNumber = next.ProcessNumber
	}
	if next.ClaimantName != nil {
		out.ClaimantName = next.ClaimantName
	}
	if next.Fee != nil {
		out.Fee = next.Fee
	}
	if next.PaymentStatus != nil {
		out.PaymentStatus = next.PaymentStatus
	}
	for _, f := range textFields {
		if v := *f.patch(&next); v != nil {
			*f.patch(&out) = v
		}
	}
	out.Finalize = p.Finalize || next.Finalize
	return out
}

// SetSection stores text for the named section in the patch.
func (p *Patch) SetSection(s Section, text string) error {
	for _, f := range textFields {
		if f.name == string(s) {
			*f.patch(p) = Text(text)
			return nil
		}
	}
	return ValidationError{Field: "section", Message: fmt.Sprintf("unknown section %q", s)}
}

// Apply validates the patch and writes its fields into rec. Status and
// timestamps are the caller's concern. On error rec is left unchanged.
func (p Patch) Apply(rec *CaseRecord) error {
	next := *rec
	if p.ProcessNumber != nil {
		v := strings.TrimSpace(*p.ProcessNumber)
		if v == "" {
			return ValidationError{Field: "process_number", Message: "must not be empty"}
		}
		next.ProcessNumber = v
	}
	if p.ClaimantName != nil {
		v := strings.TrimSpace(*p.ClaimantName)
		if v == "" {
			return ValidationError{Field: "claimant_name", Message: "must not be empty"}
		}
		next.ClaimantName = v
	}
	for _, f := range textFields {
		v := *f.patch(&p)
		if v == nil {
			continue
		}
		value := *v
		if f.date {
			parsed, err := ParseDate(f.name, value)
			if err != nil {
				return err
			}
			value = parsed
		}
		*f.record(&next) = value
	}
	if p.Fee != nil {
		next.Fee = ParseAmount(*p.Fee)
	}
	if p.PaymentStatus != nil {
		if !p.PaymentStatus.Valid() {
			return ValidationError{Field: "payment_status", Message: fmt.Sprintf("unknown value %q", *p.PaymentStatus)}
		}
		next.PaymentStatus = *p.PaymentStatus
	}
	*rec = next
	return nil
}

// Patch converts a creation input into the equivalent full patch.
func (in CreateInput) Patch() Patch {
	p := Patch{
		ProcessNumber: Text(in.ProcessNumber),
		ClaimantName:  Text(in.ClaimantName),
	}
	set := func(dst **string, v string) {
		if v != "" {
			*dst = Text(v)
		}
	}
	set(&p.ActionType, in.ActionType)
	set(&p.ScheduledDate, in.ScheduledDate)
	set(&p.Fee, in.Fee)
	set(&p.DocumentNumber, in.DocumentNumber)
	set(&p.IDCard, in.IDCard)
	set(&p.BirthDate, in.BirthDate)
	set(&p.Education, in.Education)
	set(&p.Occupation, in.Occupation)
	set(&p.MaritalStatus, in.MaritalStatus)
	set(&p.Address, in.Address)
	set(&p.PostalCode, in.PostalCode)
	set(&p.City, in.City)
	set(&p.State, in.State)
	set(&p.Bibliography, in.Bibliography)
	if in.PaymentStatus != "" {
		status := in.PaymentStatus
		p.PaymentStatus = &status
	}
	for section, text := range in.Sections {
		if text != "" {
			_ = p.SetSection(section, text)
		}
	}
	return p
}

// CreateInput converts a patch into a creation input, dropping nil fields.
func (p Patch) CreateInput() CreateInput {
	var rec CaseRecord
	deref := func(v *string) string {
		if v == nil {
			return ""
		}
		return *v
	}
	for _, f := range textFields {
		if v := *f.patch(&p); v != nil {
			*f.record(&rec) = *v
		}
	}
	in := CreateInput{
		ProcessNumber:  deref(p.ProcessNumber),
		ClaimantName:   deref(p.ClaimantName),
		ActionType:     rec.ActionType,
		ScheduledDate:  rec.ScheduledDate,
		Fee:            deref(p.Fee),
		DocumentNumber: rec.DocumentNumber,
		IDCard:         rec.IDCard,
		BirthDate:      rec.BirthDate,
		Education:      rec.Education,
		Occupation:     rec.Occupation,
		MaritalStatus:  rec.MaritalStatus,
		Address:        rec.Address,
		PostalCode:     rec.PostalCode,
		City:           rec.City,
		State:          rec.State,
		Bibliography:   rec.Bibliography,
		Sections:       make(map[Section]string),
		Finalize:       p.Finalize,
	}
	if p.PaymentStatus != nil {
		in.PaymentStatus = *p.PaymentStatus
	}
	for _, s := range AllSections() {
		if text := rec.SectionText(s); text != "" {
			in.Sections[s] = text
		}
	}
	return in
}
