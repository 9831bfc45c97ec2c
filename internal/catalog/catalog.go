// Package catalog manages the auxiliary collections: text macros, report
// templates and the examiner settings.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"pericia/internal/casefile"
	"pericia/internal/core"
	"pericia/pkg/domain"
	"pericia/pkg/logger"
)

// Catalog operates on macros, templates and settings. Anything that writes
// into a case record goes through the record repository.
type Catalog struct {
	store *core.Store
	repo  *casefile.Repository
	newID func() string
}

// New returns a catalog sharing repo's store.
func New(repo *casefile.Repository) *Catalog {
	return &Catalog{store: repo.Store(), repo: repo, newID: uuid.NewString}
}

// MacroInput carries the fields of a new macro.
type MacroInput struct {
	Title    string
	Category domain.Section
	Body     string
}

// CreateMacro validates and stores a macro.
func (c *Catalog) CreateMacro(ctx context.Context, in MacroInput) (domain.Macro, error) {
	m := domain.Macro{
		ID:       c.newID(),
		Title:    strings.TrimSpace(in.Title),
		Category: in.Category,
		Body:     strings.TrimSpace(in.Body),
	}
	switch {
	case m.Title == "":
		return domain.Macro{}, domain.ValidationError{Field: "title", Message: "must not be empty"}
	case m.Body == "":
		return domain.Macro{}, domain.ValidationError{Field: "body", Message: "must not be empty"}
	case !m.Category.Valid():
		return domain.Macro{}, domain.ValidationError{Field: "category", Message: fmt.Sprintf("unknown section %q", in.Category)}
	}
	err := c.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return core.PutDoc(tx, domain.CollectionMacros, m.ID, m)
	})
	if err != nil {
		return domain.Macro{}, err
	}
	return m, nil
}

// ListMacros returns the macros of category, or all of them when category is
// empty, ordered by category then title.
func (c *Catalog) ListMacros(ctx context.Context, category domain.Section) ([]domain.Macro, error) {
	var out []domain.Macro
	err := c.store.View(ctx, func(r domain.Reader) error {
		all, err := core.ListDocs[domain.Macro](r, domain.CollectionMacros)
		if err != nil {
			return err
		}
		for _, m := range all {
			if category == "" || m.Category == category {
				out = append(out, m)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Title < out[j].Title
	})
	return out, err
}

// DeleteMacro removes a macro. Deleting an absent macro is not an error.
// Text already inserted into records is unaffected.
func (c *Catalog) DeleteMacro(ctx context.Context, id string) error {
	return c.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return tx.Delete(domain.CollectionMacros, id)
	})
}

// InsertMacro copies the macro body into its section of the case, after a
// blank line when the section already has text. The record keeps no link to
// the macro.
func (c *Catalog) InsertMacro(ctx context.Context, caseID, macroID string) (domain.CaseRecord, error) {
	var rec domain.CaseRecord
	err := c.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		m, err := core.MustGetDoc[domain.Macro](tx, domain.CollectionMacros, macroID)
		if err != nil {
			return err
		}
		current, err := core.MustGetDoc[domain.CaseRecord](tx, domain.CollectionCases, caseID)
		if err != nil {
			return err
		}
		text := current.SectionText(m.Category)
		if text != "" {
			text += "\n\n"
		}
		var patch domain.Patch
		if err := patch.SetSection(m.Category, text+m.Body); err != nil {
			return err
		}
		rec, err = c.repo.UpdateInTx(tx, caseID, patch, logger.Actor(ctx))
		return err
	})
	return rec, err
}
