// Package document gives typed, validated access to a replicated resume.
// A resume is one automerge document holding the section contents, the section
// order, the visibility flags and an advisory metadata block.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrInvalidOrder   = errors.New("order must be a permutation of every section")
	ErrBasicsHidden   = errors.New("basics section cannot be hidden")
	ErrUnknownSection = errors.New("unknown section")
	ErrInvalidHandle  = errors.New("invalid document handle")
)

// SectionID names one resume section.
type SectionID string

const (
	Basics               SectionID = "basics"
	JobIntent            SectionID = "jobIntent"
	EduBackground        SectionID = "eduBackground"
	WorkExperience       SectionID = "workExperience"
	InternshipExperience SectionID = "internshipExperience"
	CampusExperience     SectionID = "campusExperience"
	ProjectExperience    SectionID = "projectExperience"
	SkillSpecialty       SectionID = "skillSpecialty"
	HonorsCertificates   SectionID = "honorsCertificates"
	SelfEvaluation       SectionID = "selfEvaluation"
	Hobbies              SectionID = "hobbies"
)

// Sections lists every section in default render order.
var Sections = []SectionID{
	Basics,
	JobIntent,
	EduBackground,
	WorkExperience,
	InternshipExperience,
	CampusExperience,
	ProjectExperience,
	SkillSpecialty,
	HonorsCertificates,
	SelfEvaluation,
	Hobbies,
}

func ParseSection(s string) (SectionID, error) {
	for _, id := range Sections {
		if string(id) == s {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSection, s)
}

// NormalizeOrder checks that order names every section exactly once and
// moves basics to the front.
func NormalizeOrder(order []string) ([]string, error) {
	if len(order) != len(Sections) {
		return nil, fmt.Errorf("%w: got %d sections, want %d", ErrInvalidOrder, len(order), len(Sections))
	}
	seen := make(map[string]bool, len(order))
	out := make([]string, 0, len(order))
	out = append(out, string(Basics))
	for _, s := range order {
		if _, err := ParseSection(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
		if seen[s] {
			return nil, fmt.Errorf("%w: %q listed twice", ErrInvalidOrder, s)
		}
		seen[s] = true
		if s != string(Basics) {
			out = append(out, s)
		}
	}
	return out, nil
}

func DefaultOrder() []string {
	out := make([]string, len(Sections))
	for i, s := range Sections {
		out[i] = string(s)
	}
	return out
}

// DefaultVisibility marks every hideable section visible.
func DefaultVisibility() map[string]bool {
	out := make(map[string]bool, len(Sections)-1)
	for _, s := range Sections[1:] {
		out[string(s)] = false
	}
	return out
}

// DefaultContent is the empty form shape of each section.
func DefaultContent() map[string]json.RawMessage {
	list := json.RawMessage(`{"items":[]}`)
	text := json.RawMessage(`{"content":""}`)
	return map[string]json.RawMessage{
		string(Basics):               json.RawMessage(`{"name":"","email":"","phone":"","location":"","avatar":""}`),
		string(JobIntent):            json.RawMessage(`{"position":"","city":"","salary":"","availability":""}`),
		string(EduBackground):        list,
		string(WorkExperience):       list,
		string(InternshipExperience): list,
		string(CampusExperience):     list,
		string(ProjectExperience):    list,
		string(SkillSpecialty):       list,
		string(HonorsCertificates):   list,
		string(SelfEvaluation):       text,
		string(Hobbies):              text,
	}
}

// Metadata is advisory bookkeeping. It is never used to resolve conflicts.
type Metadata struct {
	DocumentID string    `json:"documentId"`
	OwnerID    string    `json:"ownerId"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Version    int       `json:"version"`
}

// Resume is the materialized view of a document.
type Resume struct {
	Content    map[string]json.RawMessage `json:"content"`
	Order      []string                   `json:"order"`
	Visibility map[string]bool            `json:"visibility"`
	Metadata   Metadata                   `json:"_metadata"`
}

// Seed is the initial content of a new document.
type Seed struct {
	Content    map[string]json.RawMessage
	Order      []string
	Visibility map[string]bool
}

// DefaultSeed returns an empty resume.
func DefaultSeed() *Seed {
	return &Seed{Content: DefaultContent(), Order: DefaultOrder(), Visibility: DefaultVisibility()}
}

func decodeResume(raw []byte) (*Resume, error) {
	var r Resume
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode resume: %w", err)
	}
	if r.Content == nil {
		r.Content = make(map[string]json.RawMessage, len(Sections))
	}
	for _, s := range Sections {
		if _, ok := r.Content[string(s)]; !ok {
			r.Content[string(s)] = json.RawMessage(`{}`)
		}
	}
	if r.Visibility == nil {
		r.Visibility = make(map[string]bool)
	}
	return &r, nil
}

// Hidden reports whether a section is hidden. Basics never is.
func (r *Resume) Hidden(s SectionID) bool {
	if s == Basics {
		return false
	}
	return r.Visibility[string(s)]
}
