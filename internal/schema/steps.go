package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pericia/pkg/domain"
)

// DefaultSteps lists the upgrade steps of the current build in version order.
func DefaultSteps() []Step {
	return []Step{
		{Version: 1, Name: "baseline", Apply: baseline},
		{Version: 2, Name: "drafts-and-history", Apply: draftsAndHistory},
		{Version: 3, Name: "case-field-backfill", Apply: backfillCases},
		{Version: 4, Name: "macro-category-normalize", Apply: normalizeCatalog},
	}
}

var errStopScan = errors.New("stop scan")

func baseline(tx domain.Tx) error {
	for _, c := range []domain.Collection{
		domain.CollectionCases,
		domain.CollectionMacros,
		domain.CollectionTemplates,
		domain.CollectionSettings,
	} {
		tx.EnsureCollection(c)
	}
	if _, ok := tx.Get(domain.CollectionSettings, domain.SettingsID); !ok {
		if err := putJSON(tx, domain.CollectionSettings, domain.SettingsID, domain.DefaultSettings()); err != nil {
			return err
		}
	}
	empty := true
	err := tx.Scan(domain.CollectionMacros, func(string, []byte) error {
		empty = false
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return err
	}
	if !empty {
		return nil
	}
	for _, m := range DefaultMacros() {
		if err := putJSON(tx, domain.CollectionMacros, m.ID, m); err != nil {
			return err
		}
	}
	return nil
}

func draftsAndHistory(tx domain.Tx) error {
	tx.EnsureCollection(domain.CollectionDrafts)
	tx.EnsureCollection(domain.CollectionHistory)
	return nil
}

// rewriteAll runs fn over every document of c and stores the results that
// differ byte-wise from the input.
func rewriteAll(tx domain.Tx, c domain.Collection, fn func(id string, raw []byte) ([]byte, error)) error {
	type update struct {
		id  string
		doc []byte
	}
	var updates []update
	err := tx.Scan(c, func(id string, raw []byte) error {
		next, err := fn(id, raw)
		if err != nil {
			return fmt.Errorf("%s/%s: %w", c, id, err)
		}
		if next != nil && !bytes.Equal(next, raw) {
			updates = append(updates, update{id, next})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := tx.Put(c, u.id, u.doc); err != nil {
			return err
		}
	}
	return nil
}

// legacyCaseKeys maps field names written by earlier versions of the app to
// current keys. Current keys win when both are present.
var legacyCaseKeys = map[string]string{
	"numero_processo":  "process_number",
	"numeroProcesso":   "process_number",
	"nome_autor":       "claimant_name",
	"nomeAutor":        "claimant_name",
	"tipo_acao":        "action_type",
	"tipoAcao":         "action_type",
	"data_pericia":     "scheduled_date",
	"dataPericia":      "scheduled_date",
	"valor_honorarios": "fee",
	"valorHonorarios":  "fee",
	"status_pagamento": "payment_status",
	"statusPagamento":  "payment_status",
	"cpf":              "document_number",
	"rg":               "id_card",
	"data_nascimento":  "birth_date",
	"escolaridade":     "education",
	"profissao":        "occupation",
	"estado_civil":     "marital_status",
	"endereco":         "address",
	"endereco_cep":     "postal_code",
	"endereco_cidade":  "city",
	"endereco_uf":      "state",
	"anamnese":         "anamnesis",
	"exame_fisico":     "physical_exam",
	"objetivo":         "objective",
	"metodologia":      "methodology",
	"antecedentes":     "antecedents",
	"discussao":        "discussion",
	"conclusao":        "conclusion",
	"quesitos":         "questions",
	"bibliografia":     "bibliography",
	"documentos":       "documents",
}

var caseTextKeys = []string{
	"process_number", "claimant_name", "action_type", "scheduled_date",
	"document_number", "id_card", "birth_date", "education", "occupation",
	"marital_status", "address", "postal_code", "city", "state",
	"anamnesis", "physical_exam", "objective", "methodology", "antecedents",
	"discussion", "conclusion", "questions", "bibliography",
}

func backfillCases(tx domain.Tx) error {
	return rewriteAll(tx, domain.CollectionCases, func(id string, raw []byte) ([]byte, error) {
		return upgradeCaseDoc(id, raw, tx.Now())
	})
}

// upgradeCaseDoc rewrites one stored case document into the current shape.
// Documents already in the current shape come back byte-identical.
func upgradeCaseDoc(id string, raw []byte, now time.Time) ([]byte, error) {
	var src map[string]any
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}
	norm := make(map[string]any, len(src))
	for legacy, current := range legacyCaseKeys {
		if v, ok := src[legacy]; ok && v != nil {
			norm[current] = v
		}
	}
	if processo, ok := src["processo"].(map[string]any); ok {
		setIfAbsent(norm, "process_number", processo["numero"])
	}
	if partes, ok := src["partes"].(map[string]any); ok {
		setIfAbsent(norm, "claimant_name", partes["autor"])
	}
	if datas, ok := src["datas"].(map[string]any); ok {
		setIfAbsent(norm, "scheduled_date", datas["diligencia"])
	}
	for k, v := range src {
		if _, legacy := legacyCaseKeys[k]; legacy {
			continue
		}
		norm[k] = v
	}

	rec := domain.CaseRecord{ID: id}
	text := make(map[string]string, len(caseTextKeys))
	for _, k := range caseTextKeys {
		if s := asText(norm[k]); s != "" {
			text[k] = s
		}
	}
	for _, k := range []string{"scheduled_date", "birth_date"} {
		if v, ok := text[k]; ok {
			text[k] = normalizeDate(v)
		}
	}
	encoded, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(encoded, &rec); err != nil {
		return nil, err
	}
	rec.ID = id

	if feeRaw, ok := norm["fee"]; ok {
		feeJSON, err := json.Marshal(feeRaw)
		if err != nil {
			return nil, err
		}
		if err := rec.Fee.UnmarshalJSON(feeJSON); err != nil {
			rec.Fee = 0
		}
	}
	rec.Status = mapStatus(asText(norm["status"]))
	if rec.Status == "" {
		rec.Status = domain.InitialStatus(rec.ScheduledDate)
	}
	rec.PaymentStatus = mapPayment(asText(norm["payment_status"]))
	rec.Documents = normalizeDocuments(norm["documents"], id)
	rec.CreatedAt = parseTime(norm["created_at"], now)
	rec.UpdatedAt = parseTime(norm["updated_at"], rec.CreatedAt)
	return json.Marshal(rec)
}

func setIfAbsent(m map[string]any, key string, v any) {
	if _, ok := m[key]; ok || v == nil {
		return
	}
	m[key] = v
}

// asText flattens a legacy value to text. Structured conclusions keep their
// "texto" body.
func asText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		return asText(t["texto"])
	}
	return ""
}

func normalizeDate(s string) string {
	if len(s) >= len(domain.DateLayout) {
		if d, err := time.Parse(domain.DateLayout, s[:len(domain.DateLayout)]); err == nil {
			return d.Format(domain.DateLayout)
		}
	}
	if d, err := time.Parse("02/01/2006", s); err == nil {
		return d.Format(domain.DateLayout)
	}
	return ""
}

func foldLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("í", "i", "ú", "u", "á", "a", "é", "e", "ç", "c", "ã", "a", " ", "_", "-", "_").Replace(s)
	return s
}

func mapStatus(label string) domain.CaseStatus {
	switch foldLabel(label) {
	case "aguardando", "awaiting_schedule", "awaitingschedule":
		return domain.StatusAwaitingSchedule
	case "agendado", "scheduled":
		return domain.StatusScheduled
	case "em_andamento", "in_progress", "inprogress":
		return domain.StatusInProgress
	case "concluido", "finalizado", "completed":
		return domain.StatusCompleted
	}
	return ""
}

func mapPayment(label string) domain.PaymentStatus {
	switch foldLabel(label) {
	case "pago", "paid":
		return domain.PaymentPaid
	}
	return domain.PaymentPending
}

func parseTime(v any, fallback time.Time) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return fallback
}

func normalizeDocuments(v any, caseID string) []domain.DocumentRef {
	items, _ := v.([]any)
	out := make([]domain.DocumentRef, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ref := domain.DocumentRef{
			ID:          asText(m["id"]),
			CaseID:      caseID,
			Token:       firstText(m["token"], m["id"]),
			Name:        firstText(m["name"], m["nome"]),
			ContentType: firstText(m["content_type"], m["tipo"]),
			UploadedAt:  parseTime(firstNonNil(m["uploaded_at"], m["data_upload"]), time.Time{}),
		}
		if size, ok := firstNonNil(m["size"], m["tamanho"]).(float64); ok && size > 0 {
			ref.Size = int64(size)
		}
		if ref.ID == "" {
			continue
		}
		out = append(out, ref)
	}
	return out
}

func firstText(values ...any) string {
	for _, v := range values {
		if s := asText(v); s != "" {
			return s
		}
	}
	return ""
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

var legacyMacroCategories = map[string]domain.Section{
	"anamnese":     domain.SectionAnamnesis,
	"exame_fisico": domain.SectionPhysicalExam,
	"objetivo":     domain.SectionObjective,
	"metodologia":  domain.SectionMethodology,
	"antecedentes": domain.SectionAntecedents,
	"discussao":    domain.SectionDiscussion,
	"conclusao":    domain.SectionConclusion,
	"quesitos":     domain.SectionQuestions,
}

// mapCategory resolves a stored macro category. Unknown categories fall back
// to the discussion section so the macro stays usable.
func mapCategory(label string) domain.Section {
	folded := foldLabel(label)
	if s := domain.Section(folded); s.Valid() {
		return s
	}
	if s, ok := legacyMacroCategories[folded]; ok {
		return s
	}
	return domain.SectionDiscussion
}

func normalizeCatalog(tx domain.Tx) error {
	err := rewriteAll(tx, domain.CollectionMacros, func(id string, raw []byte) ([]byte, error) {
		var src map[string]any
		if err := json.Unmarshal(raw, &src); err != nil {
			return nil, fmt.Errorf("decode macro: %w", err)
		}
		m := domain.Macro{
			ID:       id,
			Title:    firstText(src["title"], src["titulo"]),
			Category: mapCategory(firstText(src["category"], src["categoria"])),
			Body:     firstText(src["body"], src["conteudo"]),
		}
		return json.Marshal(m)
	})
	if err != nil {
		return err
	}
	raw, ok := tx.Get(domain.CollectionSettings, domain.SettingsID)
	if !ok {
		return nil
	}
	var src map[string]any
	if err := json.Unmarshal(raw, &src); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	settings := domain.Settings{
		ID:      domain.SettingsID,
		Name:    firstText(src["name"], src["nome"]),
		License: firstText(src["license"], src["crm"]),
		Address: firstText(src["address"], src["endereco"]),
		Phone:   firstText(src["phone"], src["telefone"]),
	}
	next, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	if bytes.Equal(next, raw) {
		return nil
	}
	return tx.Put(domain.CollectionSettings, domain.SettingsID, next)
}

func putJSON(tx domain.Tx, c domain.Collection, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(c, id, raw)
}
