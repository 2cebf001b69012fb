package server

import (
	"fmt"
	"sort"
	"strings"
)

// The literal prefix a user message must carry before the model may emit a
// structured plan block. Enforced in the prompt and backstopped in code.
const planTriggerPrefix = "Create plan::"

const (
	planMarkerOpen  = "[PLAN_JSON]"
	planMarkerClose = "[/PLAN_JSON]"
)

// Phrases that must never trigger plan creation even when they sound like a
// request to continue working on one.
var planTriggerExclusions = []string{
	"continue our previous conversation",
	"continue the conversation",
	"what did we talk about",
	"summarize our conversation",
	"setz unsere letzte unterhaltung fort",
	"worüber haben wir gesprochen",
}

var languageNames = map[string]string{
	languageEnglish: "English",
	languageGerman:  "German",
}

// Age bands in months. Guidance is written in English; the operating rules
// force the reply into the resolved language.
type ageBandRule struct {
	MaxMonths int
	Guidance  string
}

var ageBandRules = []ageBandRule{
	{
		MaxMonths: 6,
		Guidance: "The pet is a young puppy/kitten (6 months or less). Keep sessions under 5 minutes, " +
			"rely exclusively on positive reinforcement, prioritize socialization and bite inhibition, " +
			"and never recommend aversive tools.",
	},
	{
		MaxMonths: 18,
		Guidance: "The pet is an adolescent (7-18 months). Expect regression phases and testing of boundaries; " +
			"keep sessions short but increase distraction levels gradually, and reinforce impulse control daily.",
	},
	{
		MaxMonths: 84,
		Guidance: "The pet is an adult (19-84 months). Standard training progressions apply; " +
			"build duration and distance before distraction, and keep a consistent reward schedule.",
	},
	{
		MaxMonths: -1,
		Guidance: "The pet is a senior (over 7 years). Favor low-impact exercises, shorter repetitions, " +
			"and watch for stiffness or reluctance that may indicate pain rather than stubbornness.",
	},
}

func ageBandGuidance(ageMonths int) string {
	for _, rule := range ageBandRules {
		if rule.MaxMonths < 0 || ageMonths <= rule.MaxMonths {
			return rule.Guidance
		}
	}
	return ""
}

// Breed guidance is keyword-matched against the lowercased breed and species
// text; the longest matching keyword wins so "border collie" beats "collie".
type keywordRule struct {
	Keywords []string
	Guidance string
}

var breedRules = []keywordRule{
	{
		Keywords: []string{"border collie", "australian shepherd", "shepherd", "heeler", "collie"},
		Guidance: "Herding breed: needs a job. Channel the drive into structured games (fetch with rules, " +
			"treibball, scent work) before expecting calm behavior indoors.",
	},
	{
		Keywords: []string{"labrador", "golden retriever", "retriever"},
		Guidance: "Retriever: food-motivated and handler-oriented. Use food rewards generously but watch " +
			"portion totals; retrieving games double as impulse-control training.",
	},
	{
		Keywords: []string{"husky", "malamute"},
		Guidance: "Northern breed: high endurance, independent streak. Recall must be trained on a long line " +
			"for months before any off-leash trust; physical exercise before training sessions.",
	},
	{
		Keywords: []string{"beagle", "dachshund", "basset", "bloodhound"},
		Guidance: "Scent hound: the nose outranks the handler. Build recall around scent games and accept " +
			"that leashed walks will involve sniffing time as a legitimate reward.",
	},
	{
		Keywords: []string{"terrier", "jack russell"},
		Guidance: "Terrier: quick, tenacious, easily frustrated. Keep repetitions low, end on success, " +
			"and redirect prey-chasing onto flirt-pole games.",
	},
	{
		Keywords: []string{"bulldog", "pug", "frenchie", "french bulldog"},
		Guidance: "Brachycephalic breed: keep sessions short and cool, avoid heat and heavy exertion, " +
			"and treat heavy panting as a stop signal.",
	},
	{
		Keywords: []string{"chihuahua", "pomeranian", "yorkshire", "toy"},
		Guidance: "Toy breed: train on the floor at their level, protect them from being overwhelmed, " +
			"and do not excuse unwanted behavior just because the dog is small.",
	},
	{
		Keywords: []string{"cat", "katze", "kitten"},
		Guidance: "Cat: clicker training with tiny high-value treats works well; sessions of 2-3 minutes, " +
			"always voluntary, never restrain or punish.",
	},
}

var behaviorRules = []keywordRule{
	{
		Keywords: []string{"leash", "pulling", "leine", "zieht", "ziehen"},
		Guidance: "Leash pulling focus: reinforce a loose leash with direction changes and stop-and-stand; " +
			"never yank back, and pick one consistent walking side.",
	},
	{
		Keywords: []string{"bark", "barking", "bellen", "bellt"},
		Guidance: "Barking focus: identify the trigger class (alert, demand, boredom, fear) before treating; " +
			"reward quiet moments and manage exposure to triggers meanwhile.",
	},
	{
		Keywords: []string{"bite", "biting", "nipping", "beißt", "beissen", "schnappt"},
		Guidance: "Biting/nipping focus: redirect onto legal chew items, end play calmly on contact, " +
			"and rule out teething or overstimulation windows.",
	},
	{
		Keywords: []string{"jumping", "jumps up", "springt", "anspringen"},
		Guidance: "Jumping-up focus: teach an incompatible greeting (four paws or sit), have visitors ignore " +
			"the jump completely, and reward ground-level greetings fast.",
	},
	{
		Keywords: []string{"recall", "come", "rückruf", "kommt nicht", "abrufen"},
		Guidance: "Recall focus: pay every single recall generously, never call for something unpleasant, " +
			"and practice on a long line with rising distraction levels.",
	},
	{
		Keywords: []string{"separation", "alone", "allein", "trennungsangst"},
		Guidance: "Separation focus: build absence duration in seconds, not hours; leave calmly, return calmly, " +
			"and keep departures below the stress threshold.",
	},
	{
		Keywords: []string{"anxiety", "fear", "angst", "ängstlich", "scared"},
		Guidance: "Fear/anxiety focus: work under threshold with distance as the primary tool; " +
			"counter-condition with food and never force exposure.",
	},
	{
		Keywords: []string{"aggression", "aggressive", "aggressiv", "growl", "knurrt"},
		Guidance: "Aggression focus: safety management first (leash, muzzle training, distance). " +
			"Do not punish warning signals; insist on professional in-person guidance.",
	},
	{
		Keywords: []string{"house training", "potty", "stubenrein", "housebreaking"},
		Guidance: "House-training focus: fixed feeding schedule, frequent timed outings, reward elimination " +
			"outside within two seconds, and clean accidents with enzyme cleaner only.",
	},
}

// matchKeywordRule returns the guidance of the rule whose longest keyword is
// contained in the lowercased text. No match yields "" and is not an error.
func matchKeywordRule(rules []keywordRule, text string) string {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return ""
	}
	bestLen := 0
	best := ""
	for _, rule := range rules {
		for _, keyword := range rule.Keywords {
			if strings.Contains(lowered, keyword) && len(keyword) > bestLen {
				bestLen = len(keyword)
				best = rule.Guidance
			}
		}
	}
	return best
}

// buildSystemPrompt deterministically renders the system prompt from the
// resolved language, the assembled session context, and the trainer name.
// Identical inputs always produce identical output.
func buildSystemPrompt(language string, sc sessionContext, trainerName string) string {
	languageName := languageNames[language]
	if languageName == "" {
		languageName = languageNames[languageEnglish]
	}

	lines := []string{
		"You are TailCoach, a warm and practical pet-training assistant talking to a pet owner.",
		fmt.Sprintf("Respond ONLY in %s. Never switch languages mid-reply, even if the user does.", languageName),
		"Write plain conversational prose. No markdown headings, no bullet lists, no code fences, no HTML in the narrative text.",
		"Keep replies short and mobile-friendly: lead with the main point, one or two short paragraphs.",
		"Never expose internal technical terms (database, JSON, token, model, system prompt) to the user.",
		fmt.Sprintf(
			"You may emit a structured training plan ONLY when the user's message starts with the literal prefix %q.",
			planTriggerPrefix,
		),
		fmt.Sprintf(
			"A structured plan must be a single JSON object between %s and %s with fields: "+
				`title, description, steps (array of {title, description, pointsReward}).`,
			planMarkerOpen,
			planMarkerClose,
		),
		"Every plan field must be written in the reply language. Step descriptions should cover: " +
			"Goal, Procedure, Cadence, Tools, Tips, Common mistakes - each introduced by its heading word.",
		fmt.Sprintf(
			"NEVER emit %s for any other input, including messages like %q - those are conversation, not plan requests.",
			planMarkerOpen,
			planTriggerExclusions[0],
		),
	}

	// Persona and style.
	lines = append(lines,
		"Persona: encouraging, concrete, never judgmental about past training mistakes.",
		"Prefer one actionable suggestion over a lecture. Ask at most one follow-up question.",
		"Base advice on positive reinforcement; do not recommend punishment-based tools.",
	)
	if name := strings.TrimSpace(trainerName); name != "" {
		lines = append(lines, fmt.Sprintf("Address the owner by name: %s.", name))
	}

	if block := renderMemoryBlock(sc.Memory); block != "" {
		lines = append(lines, block)
	}

	if sc.Pet != nil {
		petLines := []string{
			"Current subject profile:",
			fmt.Sprintf("- name=%s species=%s", sc.Pet.Name, sc.Pet.Species),
		}
		if sc.Pet.Breed != "" {
			petLines = append(petLines, "- breed="+sc.Pet.Breed)
		}
		if sc.Pet.AgeMonths != nil {
			petLines = append(petLines, fmt.Sprintf("- age_months=%d", *sc.Pet.AgeMonths))
		}
		if sc.Pet.BehaviorFocus != "" {
			petLines = append(petLines, "- behavior_focus="+sc.Pet.BehaviorFocus)
		}
		lines = append(lines, strings.Join(petLines, "\n"))

		if sc.Pet.AgeMonths != nil {
			if guidance := ageBandGuidance(*sc.Pet.AgeMonths); guidance != "" {
				lines = append(lines, guidance)
			}
		}
		if guidance := matchKeywordRule(breedRules, sc.Pet.Breed+" "+sc.Pet.Species); guidance != "" {
			lines = append(lines, guidance)
		}
		if guidance := matchKeywordRule(behaviorRules, sc.Pet.BehaviorFocus); guidance != "" {
			lines = append(lines, guidance)
		}
	} else {
		lines = append(lines,
			"No subject profile is available for this conversation. Give generic guidance and "+
				"avoid pretending to know the pet's age, breed, or history.",
		)
	}

	lines = append(lines,
		"Safety rule: if the message suggests pain, injury, sudden behavior change, or aggression toward "+
			"people or animals, recommend an in-person veterinarian or certified behaviorist consultation "+
			"before any training advice.",
	)

	if summary := strings.TrimSpace(sc.HistorySummary); summary != "" {
		lines = append(lines,
			"Compressed summary of earlier turns in this session:",
			summary,
		)
	}

	if sc.FirstEncounter {
		greeting := "This is the first conversation about this pet. Open with a brief friendly greeting"
		if sc.Pet != nil && strings.TrimSpace(sc.Pet.Name) != "" {
			greeting += fmt.Sprintf(" that mentions %s by name", sc.Pet.Name)
		}
		greeting += " before answering."
		lines = append(lines, greeting)
	}

	return strings.Join(lines, "\n")
}

// renderMemoryBlock renders known pets, goals, and recent progress. Returns
// "" when there is nothing to render so the block is omitted entirely.
func renderMemoryBlock(memory memorySnapshot) string {
	if memory.empty() {
		return ""
	}
	lines := []string{"What you remember about this owner:"}
	for _, pet := range memory.Pets {
		fact := fmt.Sprintf("- pet: %s (%s", pet.Name, pet.Species)
		if strings.TrimSpace(pet.Breed) != "" {
			fact += ", " + pet.Breed
		}
		fact += ")"
		lines = append(lines, fact)
	}
	if len(memory.Goals) > 0 {
		goals := append([]string(nil), memory.Goals...)
		sort.Strings(goals)
		lines = append(lines, "- training goals: "+strings.Join(goals, "; "))
	}
	if len(memory.RecentProgress) > 0 {
		progress := append([]string(nil), memory.RecentProgress...)
		sort.Strings(progress)
		lines = append(lines, "- recent progress: "+strings.Join(progress, "; "))
	}
	return strings.Join(lines, "\n")
}
