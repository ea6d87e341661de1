package classify

// Categories the classifier is steered toward. "person" means no costume is
// visible; "other" is the catch-all.
var AllowedCategories = []string{
	"witch",
	"vampire",
	"zombie",
	"skeleton",
	"ghost",
	"superhero",
	"princess",
	"pirate",
	"ninja",
	"clown",
	"monster",
	"character", // recognizable characters (Spiderman, Elsa, ...)
	"animal",    // animal costumes (tiger, cat, ...)
	"person",    // no costume visible
	"other",
}

// defaultPrompt instructs the model to answer with a single JSON object.
const defaultPrompt = `Analyze this Halloween costume and respond with ONLY a JSON object in this exact format:
{"classification": "costume_type", "confidence": 0.95, "description": "costume label"}

Preferred categories:
- witch, vampire, zombie, skeleton, ghost
- superhero, princess, pirate, ninja, clown, monster
- character (for recognizable characters like Spiderman, Elsa, Mickey Mouse)
- animal (for animal costumes like tiger, cat, dinosaur)
- person (if no costume visible)
- other (if costume doesn't fit above categories)

Rules:
- classification: Try to use one of the preferred categories above, or be specific (e.g., 'Spiderman', 'tiger')
- confidence: Your confidence score between 0.0 and 1.0
- description: A short description focused on the costume itself (e.g., 'An astronaut with a space helmet', 'A witch with a pointed hat'). Describe the costume elements directly, not the person or their clothing. If no costume is visible, use 'No costume'.
- Output ONLY the JSON object, nothing else`
