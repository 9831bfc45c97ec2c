package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pericia/pkg/domain"
)

// checkDocuments decodes every document of an upgraded state into its
// collection type. A document that would not load through the repositories
// is rejected here so an import never leaves unreadable data behind.
func checkDocuments(state domain.State) error {
	names := make([]domain.Collection, 0, len(state.Collections))
	for name := range state.Collections {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	for _, name := range names {
		docs := state.Collections[name]
		ids := make([]string, 0, len(docs))
		for id := range docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if err := checkDocument(name, id, docs[id]); err != nil {
				return domain.ImportError{Reason: fmt.Sprintf("%s/%s", name, id), Err: err}
			}
		}
	}
	return nil
}

func checkDocument(name domain.Collection, id string, raw []byte) error {
	switch name {
	case domain.CollectionCases:
		var rec domain.CaseRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		return checkCase(rec)
	case domain.CollectionDrafts:
		var d domain.Draft
		return json.Unmarshal(raw, &d)
	case domain.CollectionHistory:
		var h domain.HistoryEntry
		if err := json.Unmarshal(raw, &h); err != nil {
			return err
		}
		if strings.TrimSpace(h.CaseID) == "" {
			return errors.New("history entry has no case_id")
		}
		if !h.NewStatus.Valid() {
			return fmt.Errorf("unknown status %q", h.NewStatus)
		}
		return nil
	case domain.CollectionMacros:
		var m domain.Macro
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if !m.Category.Valid() {
			return fmt.Errorf("unknown category %q", m.Category)
		}
		return nil
	case domain.CollectionTemplates:
		var tpl domain.Template
		return json.Unmarshal(raw, &tpl)
	case domain.CollectionSettings:
		if id == domain.SyncStateID {
			var st domain.SyncState
			return json.Unmarshal(raw, &st)
		}
		var s domain.Settings
		return json.Unmarshal(raw, &s)
	}
	return nil
}

func checkCase(rec domain.CaseRecord) error {
	switch {
	case strings.TrimSpace(rec.ProcessNumber) == "":
		return errors.New("process_number must not be empty")
	case strings.TrimSpace(rec.ClaimantName) == "":
		return errors.New("claimant_name must not be empty")
	case !rec.Status.Valid():
		return fmt.Errorf("unknown status %q", rec.Status)
	case !rec.PaymentStatus.Valid():
		return fmt.Errorf("unknown payment_status %q", rec.PaymentStatus)
	case rec.CreatedAt.IsZero():
		return errors.New("created_at must be set")
	}
	if _, err := domain.ParseDate("scheduled_date", rec.ScheduledDate); err != nil {
		return err
	}
	return nil
}
