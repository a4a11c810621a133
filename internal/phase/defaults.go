package phase

// DefaultModel is the model every built-in phase requests.
const DefaultModel = "gemini-2.5-flash"

// Built-in execution modes.
const (
	ModeA = "MOODI_A"
	ModeB = "MOODI_B"
	ModeC = "MOODI_C"
)

var (
	keys1   = []string{"VAIHE 1"}
	keys12  = []string{"VAIHE 1", "VAIHE 2"}
	keys123 = []string{"VAIHE 1", "VAIHE 2", "VAIHE 3"}
	keys1_7 = []string{"VAIHE 1", "VAIHE 2", "VAIHE 3", "VAIHE 4", "VAIHE 5", "VAIHE 6", "VAIHE 7"}
	keys1_8 = []string{"VAIHE 1", "VAIHE 2", "VAIHE 3", "VAIHE 4", "VAIHE 5", "VAIHE 6", "VAIHE 7", "VAIHE 8"}
)

// DefaultPhases returns the built-in nine-stage table. Stages 4-7 depend only
// on 1-3 and are independent of one another.
func DefaultPhases() []Phase {
	return []Phase{
		{
			ID: "phase_1", Name: "Vaihe 1", Key: "VAIHE 1", Ordinal: 1, Model: DefaultModel,
			RequiredKeys:     []string{"data", "security_check"},
			IncludeArtifacts: true,
			Traits:           TraitSecurityGate,
		},
		{
			ID: "phase_2", Name: "Vaihe 2", Key: "VAIHE 2", Ordinal: 2, Model: DefaultModel,
			DependsOn:        keys1,
			RequiredKeys:     []string{"hypoteesit", "rag_todisteet"},
			IncludeArtifacts: true,
		},
		{
			ID: "phase_3", Name: "Vaihe 3", Key: "VAIHE 3", Ordinal: 3, Model: DefaultModel,
			DependsOn:    keys12,
			RequiredKeys: []string{"toulmin_analyysi", "kognitiivinen_taso", "walton_skeema"},
		},
		{
			ID: "phase_4", Name: "Vaihe 4", Key: "VAIHE 4", Ordinal: 4, Model: DefaultModel,
			DependsOn:    keys123,
			RequiredKeys: []string{"walton_stressitesti_loydokset", "paattelyketjun_uskollisuus_auditointi"},
		},
		{
			ID: "phase_5", Name: "Vaihe 5", Key: "VAIHE 5", Ordinal: 5, Model: DefaultModel,
			DependsOn:    keys123,
			RequiredKeys: []string{"kausaalinen_auditointi", "kontrafaktuaalinen_testi", "abduktiivinen_paatelma"},
		},
		{
			ID: "phase_6", Name: "Vaihe 6", Key: "VAIHE 6", Ordinal: 6, Model: DefaultModel,
			DependsOn:    keys123,
			RequiredKeys: []string{"performatiivisuus_heuristiikat", "pre_mortem_analyysi", "yleisarvio_aitoudesta"},
		},
		{
			ID: "phase_7", Name: "Vaihe 7", Key: "VAIHE 7", Ordinal: 7, Model: DefaultModel,
			DependsOn:    keys123,
			RequiredKeys: []string{"faktantarkistus_rfi", "eettiset_havainnot"},
			Traits:       TraitEvidence,
		},
		{
			ID: "phase_8", Name: "Vaihe 8", Key: "VAIHE 8", Ordinal: 8, Model: DefaultModel,
			DependsOn: keys1_7,
			RequiredKeys: []string{
				"konfliktin_ratkaisut", "mestaruus_poikkeama", "aitous_epaily",
				"pisteet", "kriittiset_havainnot_yhteenveto",
			},
			Traits: TraitScoring,
		},
		{
			ID: "phase_9", Name: "VAIHE 9: XAI-Raportoija", Key: "VAIHE 9", Ordinal: 9, Model: DefaultModel,
			DependsOn: keys1_8,
			Traits:    TraitReport,
		},
	}
}

// DefaultModes returns the built-in execution modes.
func DefaultModes() []Mode {
	return []Mode{
		{Name: ModeA, PhaseIDs: []string{"phase_1", "phase_2", "phase_3"}},
		{Name: ModeB, PhaseIDs: []string{"phase_4", "phase_5", "phase_6", "phase_7"}},
		{Name: ModeC, PhaseIDs: []string{"phase_8", "phase_9"}},
	}
}

// Default returns the built-in registry.
func Default() *Registry {
	return MustNew(DefaultPhases(), DefaultModes())
}
