package schema

import "pericia/pkg/domain"

// DefaultMacros is the starter snippet catalog seeded into an empty store.
func DefaultMacros() []domain.Macro {
	return []domain.Macro{
		{
			ID:       "def_1",
			Title:    "Anamnese - Dor Lombar",
			Category: domain.SectionAnamnesis,
			Body:     "Paciente refere dor lombar crônica, irradiada para membro inferior esquerdo, com piora aos esforços físicos e melhora ao repouso. Nega trauma recente. Relata uso de analgésicos e anti-inflamatórios sem melhora significativa.",
		},
		{
			ID:       "def_2",
			Title:    "Exame Físico - Coluna Lombar",
			Category: domain.SectionPhysicalExam,
			Body:     "Deambulação normal, sem claudicação. Mobilidade da coluna lombar preservada, com dor à flexão máxima. Lasègue negativo bilateralmente. Reflexos patelares e aquileus presentes e simétricos. Força muscular grau V global.",
		},
		{
			ID:       "def_3",
			Title:    "Conclusão - Incapacidade Temporária",
			Category: domain.SectionConclusion,
			Body:     "Com base nos elementos clínicos e documentais apresentados, conclui-se que o periciado apresenta incapacidade total e temporária para o exercício de suas atividades laborais habituais, devendo permanecer afastado para tratamento médico.",
		},
		{
			ID:       "def_4",
			Title:    "Conclusão - Capacidade Laborativa",
			Category: domain.SectionConclusion,
			Body:     "Não foram constatadas alterações clínicas objetivas que justifiquem a incapacidade laborativa no momento. O periciado encontra-se apto para o exercício de suas atividades laborais.",
		},
		{
			ID:       "def_5",
			Title:    "Anamnese - Transtorno Depressivo",
			Category: domain.SectionAnamnesis,
			Body:     "Paciente relata quadro de humor deprimido, anedonia, isolamento social e insônia inicial há aproximadamente 6 meses. Refere fatores estressores no ambiente de trabalho. Em uso de psicofármacos.",
		},
		{
			ID:       "def_6",
			Title:    "Exame Físico - Psiquiátrico",
			Category: domain.SectionPhysicalExam,
			Body:     "Vigil, orientado globalmente. Atenção hipovigil. Memória preservada. Humor hipotímico, afeto embotado. Pensamento de curso lentificado, conteúdo com ideias de menosvalia. Sem alterações de sensopercepção aparentes.",
		},
		{
			ID:       "def_7",
			Title:    "Conclusão - Nexo Causal (Não há)",
			Category: domain.SectionConclusion,
			Body:     "A análise da fisiopatologia da doença apresentada e das atividades laborais descritas não permite estabelecer nexo de causalidade ou concausalidade entre a moléstia e o trabalho.",
		},
	}
}
