package catalog

import (
	"context"
	"sort"
	"strings"

	"pericia/internal/core"
	"pericia/pkg/domain"
	"pericia/pkg/logger"
)

// SaveTemplate stores a named template. Unknown and empty sections are dropped.
func (c *Catalog) SaveTemplate(ctx context.Context, name string, sections map[domain.Section]string) (domain.Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Template{}, domain.ValidationError{Field: "name", Message: "must not be empty"}
	}
	tpl := domain.Template{ID: c.newID(), Name: name, Sections: make(map[domain.Section]string)}
	for s, text := range sections {
		if s.Valid() && strings.TrimSpace(text) != "" {
			tpl.Sections[s] = text
		}
	}
	err := c.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		tpl.CreatedAt = tx.Now()
		return core.PutDoc(tx, domain.CollectionTemplates, tpl.ID, tpl)
	})
	if err != nil {
		return domain.Template{}, err
	}
	return tpl, nil
}

// TemplateFromCase saves the non-empty sections of a case as a template.
func (c *Catalog) TemplateFromCase(ctx context.Context, caseID, name string) (domain.Template, error) {
	rec, err := c.repo.Get(ctx, caseID)
	if err != nil {
		return domain.Template{}, err
	}
	sections := make(map[domain.Section]string)
	for _, s := range domain.AllSections() {
		sections[s] = rec.SectionText(s)
	}
	return c.SaveTemplate(ctx, name, sections)
}

// ListTemplates returns every template ordered by name.
func (c *Catalog) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	var out []domain.Template
	err := c.store.View(ctx, func(r domain.Reader) error {
		var err error
		out, err = core.ListDocs[domain.Template](r, domain.CollectionTemplates)
		return err
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// DeleteTemplate removes a template. Deleting an absent template is not an error.
func (c *Catalog) DeleteTemplate(ctx context.Context, id string) error {
	return c.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return tx.Delete(domain.CollectionTemplates, id)
	})
}

// ApplyTemplate copies template text into the sections of the case that are
// still empty. Sections with text are never overwritten.
func (c *Catalog) ApplyTemplate(ctx context.Context, caseID, templateID string) (domain.CaseRecord, error) {
	var rec domain.CaseRecord
	err := c.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		tpl, err := core.MustGetDoc[domain.Template](tx, domain.CollectionTemplates, templateID)
		if err != nil {
			return err
		}
		current, err := core.MustGetDoc[domain.CaseRecord](tx, domain.CollectionCases, caseID)
		if err != nil {
			return err
		}
		var patch domain.Patch
		for _, s := range domain.AllSections() {
			if text := tpl.Sections[s]; text != "" && current.SectionText(s) == "" {
				if err := patch.SetSection(s, text); err != nil {
					return err
				}
			}
		}
		if patch.IsEmpty() {
			rec = current
			return nil
		}
		rec, err = c.repo.UpdateInTx(tx, caseID, patch, logger.Actor(ctx))
		return err
	})
	return rec, err
}

// GetSettings returns the examiner settings, or the defaults when none are stored.
func (c *Catalog) GetSettings(ctx context.Context) (domain.Settings, error) {
	settings := domain.DefaultSettings()
	err := c.store.View(ctx, func(r domain.Reader) error {
		stored, ok, err := core.GetDoc[domain.Settings](r, domain.CollectionSettings, domain.SettingsID)
		if ok {
			settings = stored
		}
		return err
	})
	return settings, err
}

// SaveSettings replaces the examiner settings. Name is required.
func (c *Catalog) SaveSettings(ctx context.Context, s domain.Settings) (domain.Settings, error) {
	s.ID = domain.SettingsID
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return domain.Settings{}, domain.ValidationError{Field: "name", Message: "must not be empty"}
	}
	err := c.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return core.PutDoc(tx, domain.CollectionSettings, s.ID, s)
	})
	if err != nil {
		return domain.Settings{}, err
	}
	return s, nil
}
