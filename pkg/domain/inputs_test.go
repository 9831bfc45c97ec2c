package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := map[string]Amount{
		"":         0,
		"150":      15000,
		"150.5":    15050,
		"150,50":   15050,
		"1.234,56": 123456,
		"abc":      0,
		"-10":      0,
		"NaN":      0,
		"Inf":      0,
		" 99.999 ": 10000,
	}
	for in, want := range cases {
		if got := ParseAmount(in); got != want {
			t.Errorf("ParseAmount(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestAmountJSON(t *testing.T) {
	data, err := json.Marshal(Amount(15050))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "150.50" {
		t.Fatalf("unexpected encoding %s", data)
	}
	var a Amount
	for _, raw := range []string{`"abc"`, `null`, `-3`} {
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if a != 0 {
			t.Fatalf("expected zero for %s, got %d", raw, a)
		}
	}
	if err := json.Unmarshal([]byte(`"200,00"`), &a); err != nil || a != 20000 {
		t.Fatalf("expected 20000, got %d (%v)", a, err)
	}
}

func TestParseDate(t *testing.T) {
	if got, err := ParseDate("scheduled_date", " 2024-02-29 "); err != nil || got != "2024-02-29" {
		t.Fatalf("expected valid date, got %q %v", got, err)
	}
	if got, err := ParseDate("scheduled_date", ""); err != nil || got != "" {
		t.Fatalf("empty date must be accepted as none")
	}
	_, err := ParseDate("scheduled_date", "29/02/2024")
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Field != "scheduled_date" {
		t.Fatalf("expected validation error on scheduled_date, got %v", err)
	}
}

func TestPatchApplyPartial(t *testing.T) {
	rec := CaseRecord{ProcessNumber: "0001/2024", ClaimantName: "Jane Doe", Anamnesis: "keep", Fee: 1000}
	patch := Patch{Conclusion: Text("done"), Fee: Text("abc")}
	if err := patch.Apply(&rec); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rec.Anamnesis != "keep" || rec.Conclusion != "done" {
		t.Fatalf("partial update lost fields: %+v", rec)
	}
	if rec.Fee != 0 {
		t.Fatalf("malformed fee must clamp to zero, got %d", rec.Fee)
	}
}

func TestPatchApplyRejectsWithoutMutating(t *testing.T) {
	rec := CaseRecord{ProcessNumber: "0001/2024", ClaimantName: "Jane Doe"}
	err := Patch{Anamnesis: Text("x"), ClaimantName: Text("  ")}.Apply(&rec)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if rec.Anamnesis != "" || rec.ClaimantName != "Jane Doe" {
		t.Fatalf("record mutated on failed apply: %+v", rec)
	}
	bad := PaymentStatus("later")
	if err := (Patch{PaymentStatus: &bad}).Apply(&rec); !IsValidation(err) {
		t.Fatalf("expected validation error for payment status, got %v", err)
	}
}

func TestPatchMergeAndEmpty(t *testing.T) {
	if !(Patch{Finalize: true}).IsEmpty() {
		t.Fatalf("finalize alone is not content")
	}
	a := Patch{Anamnesis: Text("a1"), Objective: Text("o")}
	b := Patch{Anamnesis: Text("a2")}
	merged := a.Merge(b)
	if *merged.Anamnesis != "a2" || *merged.Objective != "o" {
		t.Fatalf("unexpected merge: %+v", merged)
	}
	if merged.IsEmpty() {
		t.Fatalf("merged patch should carry content")
	}
}

func TestCreateInputPatchRoundTrip(t *testing.T) {
	in := CreateInput{
		ProcessNumber: "0002/2024",
		ClaimantName:  "John",
		ScheduledDate: "2024-05-10",
		Fee:           "300",
		Sections:      map[Section]string{SectionAnamnesis: "history"},
	}
	back := in.Patch().CreateInput()
	if back.ProcessNumber != in.ProcessNumber || back.ScheduledDate != in.ScheduledDate || back.Fee != "300" {
		t.Fatalf("unexpected conversion: %+v", back)
	}
	if back.Sections[SectionAnamnesis] != "history" {
		t.Fatalf("section lost: %+v", back.Sections)
	}
}
