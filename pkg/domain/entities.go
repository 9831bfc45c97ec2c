// Package domain defines the persistent entities, value types, input shapes
// and persistence contracts shared by every pericia component.
package domain

import (
	"time"
)

// Collection names one logical namespace in the persistent store.
type Collection string

// The fixed set of collections declared by the schema registry.
const (
	// CollectionCases holds committed case records keyed by record id.
	CollectionCases Collection = "cases"
	// CollectionDrafts holds autosaved drafts keyed by draft id.
	CollectionDrafts Collection = "drafts"
	// CollectionHistory holds append-only history entries keyed by case id and sequence.
	CollectionHistory Collection = "history"
	// CollectionMacros holds reusable text snippets.
	CollectionMacros Collection = "macros"
	// CollectionTemplates holds report templates.
	CollectionTemplates Collection = "templates"
	// CollectionSettings holds singleton configuration documents.
	CollectionSettings Collection = "settings"
)

// AllCollections lists every collection in declaration order.
func AllCollections() []Collection {
	return []Collection{
		CollectionCases,
		CollectionDrafts,
		CollectionHistory,
		CollectionMacros,
		CollectionTemplates,
		CollectionSettings,
	}
}

// IsKnownCollection reports whether name is one of the declared collections.
func IsKnownCollection(name Collection) bool {
	for _, c := range AllCollections() {
		if c == name {
			return true
		}
	}
	return false
}

// CaseStatus is the lifecycle state of a case record.
type CaseStatus string

// Case lifecycle states.
const (
	StatusAwaitingSchedule CaseStatus = "awaiting_schedule"
	StatusScheduled        CaseStatus = "scheduled"
	StatusInProgress       CaseStatus = "in_progress"
	StatusCompleted        CaseStatus = "completed"
)

// Valid reports whether s is a declared status.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusAwaitingSchedule, StatusScheduled, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// PaymentStatus tracks whether the examination fee was received.
type PaymentStatus string

// Payment states.
const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// Valid reports whether p is a declared payment status.
func (p PaymentStatus) Valid() bool {
	return p == PaymentPending || p == PaymentPaid
}

// Section names a free-text report section of a case record. Macro categories
// use the same identifiers.
type Section string

// Report sections.
const (
	SectionAnamnesis    Section = "anamnesis"
	SectionPhysicalExam Section = "physical_exam"
	SectionObjective    Section = "objective"
	SectionMethodology  Section = "methodology"
	SectionAntecedents  Section = "antecedents"
	SectionDiscussion   Section = "discussion"
	SectionConclusion   Section = "conclusion"
	SectionQuestions    Section = "questions"
)

// AllSections lists report sections in report order.
func AllSections() []Section {
	return []Section{
		SectionObjective,
		SectionMethodology,
		SectionAnamnesis,
		SectionAntecedents,
		SectionPhysicalExam,
		SectionDiscussion,
		SectionConclusion,
		SectionQuestions,
	}
}

// Valid reports whether s names a report section.
func (s Section) Valid() bool {
	for _, candidate := range AllSections() {
		if candidate == s {
			return true
		}
	}
	return false
}

// CaseRecord is one examination case tracked from intake to sign-off.
type CaseRecord struct {
	ID            string     `json:"id"`
	ProcessNumber string     `json:"process_number"`
	ClaimantName  string     `json:"claimant_name"`
	ActionType    string     `json:"action_type,omitempty"`
	ScheduledDate string     `json:"scheduled_date,omitempty"`
	Status        CaseStatus `json:"status"`

	DocumentNumber string `json:"document_number,omitempty"`
	IDCard         string `json:"id_card,omitempty"`
	BirthDate      string `json:"birth_date,omitempty"`
	Education      string `json:"education,omitempty"`
	Occupation     string `json:"occupation,omitempty"`
	MaritalStatus  string `json:"marital_status,omitempty"`
	Address        string `json:"address,omitempty"`
	PostalCode     string `json:"postal_code,omitempty"`
	City           string `json:"city,omitempty"`
	State          string `json:"state,omitempty"`

	Anamnesis    string `json:"anamnesis,omitempty"`
	PhysicalExam string `json:"physical_exam,omitempty"`
	Objective    string `json:"objective,omitempty"`
	Methodology  string `json:"methodology,omitempty"`
	Antecedents  string `json:"antecedents,omitempty"`
	Discussion   string `json:"discussion,omitempty"`
	Conclusion   string `json:"conclusion,omitempty"`
	Questions    string `json:"questions,omitempty"`
	Bibliography string `json:"bibliography,omitempty"`

	Fee           Amount        `json:"fee"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Documents     []DocumentRef `json:"documents"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SectionText returns the body of the named section.
func (r CaseRecord) SectionText(s Section) string {
	if p := r.sectionField(s); p != nil {
		return *p
	}
	return ""
}

// SetSectionText replaces the body of the named section. Unknown sections are ignored.
func (r *CaseRecord) SetSectionText(s Section, text string) {
	if p := r.sectionField(s); p != nil {
		*p = text
	}
}

func (r *CaseRecord) sectionField(s Section) *string {
	switch s {
	case SectionAnamnesis:
		return &r.Anamnesis
	case SectionPhysicalExam:
		return &r.PhysicalExam
	case SectionObjective:
		return &r.Objective
	case SectionMethodology:
		return &r.Methodology
	case SectionAntecedents:
		return &r.Antecedents
	case SectionDiscussion:
		return &r.Discussion
	case SectionConclusion:
		return &r.Conclusion
	case SectionQuestions:
		return &r.Questions
	}
	return nil
}

// ReferenceDate is the date used for calendar and revenue grouping: the
// scheduled date when set, otherwise the creation day.
func (r CaseRecord) ReferenceDate() string {
	if r.ScheduledDate != "" {
		return r.ScheduledDate
	}
	if r.CreatedAt.IsZero() {
		return ""
	}
	return r.CreatedAt.UTC().Format(DateLayout)
}

// Clone returns a deep copy of the record.
func (r CaseRecord) Clone() CaseRecord {
	out := r
	out.Documents = append([]DocumentRef(nil), r.Documents...)
	if out.Documents == nil {
		out.Documents = []DocumentRef{}
	}
	return out
}

// DocumentRef points at a blob attached to a case record.
type DocumentRef struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"case_id"`
	Token       string    `json:"token"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Draft is a provisional edit of a case record, keyed independently from it.
// CaseID is empty for drafts of records that do not exist yet.
type Draft struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id,omitempty"`
	Patch     Patch     `json:"patch"`
	Revision  int       `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEntry is an immutable audit record of one committed case mutation.
// PriorStatus is empty for the entry written at creation.
type HistoryEntry struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"case_id"`
	Seq         int            `json:"seq"`
	PriorStatus CaseStatus     `json:"prior_status,omitempty"`
	NewStatus   CaseStatus     `json:"new_status"`
	Changes     map[string]any `json:"changes"`
	Timestamp   time.Time      `json:"timestamp"`
	Actor       string         `json:"actor,omitempty"`
}

// Macro is a reusable snippet inserted by copy into a report section.
type Macro struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Category Section `json:"category"`
	Body     string  `json:"body"`
}

// Template is a named set of default section bodies.
type Template struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Sections  map[Section]string `json:"sections"`
	CreatedAt time.Time          `json:"created_at"`
}

// Settings identifies the examiner printed on reports.
type Settings struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	License string `json:"license"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

// SyncState tracks the remote mirror watermark. It lives in the settings
// collection. Deleted holds the ids of records removed locally whose
// deletion the record service has not acknowledged yet.
type SyncState struct {
	ID          string    `json:"id"`
	Watermark   time.Time `json:"watermark"`
	LastPushed  int       `json:"last_pushed"`
	LastDeleted int       `json:"last_deleted,omitempty"`
	Deleted     []string  `json:"deleted,omitempty"`
}

// Well-known document ids in the settings collection.
const (
	SettingsID  = "default"
	SyncStateID = "sync_state"
)

// DefaultSettings returns the settings seeded on first open.
func DefaultSettings() Settings {
	return Settings{
		ID:      SettingsID,
		Name:    "Dr. Perito Judicial",
		License: "CRM-XX 00000",
		Address: "Endereço do Consultório",
		Phone:   "(00) 0000-0000",
	}
}
