package nutrition

// Canonical item keys.
const (
	FieldName          = "name"
	FieldMassGrams     = "mass_grams"
	FieldEnergyKcal    = "energy_kcal"
	FieldProteinG      = "protein_g"
	FieldFatG          = "fat_g"
	FieldCarbohydrateG = "carbohydrate_g"
)

// fieldAliases maps each canonical key to the other spellings models use, in
// precedence order: when the canonical key is absent or null, the last non-null
// alias in this list wins.
type fieldAliases struct {
	canonical string
	aliases   []string
}

var nameAliases = fieldAliases{FieldName, []string{"title", "item", "product", "food", "dish", "name_ru", "name_en"}}

// numericAliases is ordered like Item's numeric fields.
var numericAliases = []fieldAliases{
	{FieldMassGrams, []string{"grams", "gram", "amount_grams", "weight", "weight_g", "weight_grams", "mass", "mass_g", "portion_g", "serving_grams"}},
	{FieldEnergyKcal, []string{"kcal", "calories", "calories_kcal", "energy", "energy_kcal_total", "cal"}},
	{FieldProteinG, []string{"protein", "proteins", "protein_grams", "prot"}},
	{FieldFatG, []string{"fat", "fats", "fat_grams", "total_fat", "lipids"}},
	{FieldCarbohydrateG, []string{"carbohydrates", "carbohydrate", "carbohydrates_g", "carbohydrate_grams", "carbs", "carbs_g", "carb"}},
}

// Keys that may hold the item list or the model's free-text notes.
var (
	listKeys  = []string{"items", "foods", "food_items", "products", "dishes", "ingredients"}
	notesKeys = []string{"model_notes", "notes", "comment", "comments"}
)

// resolve applies the precedence rule of a to an item with folded keys.
func (a fieldAliases) resolve(fields map[string]any) (any, bool) {
	if v, ok := fields[a.canonical]; ok && v != nil {
		return v, true
	}
	var (
		picked any
		found  bool
	)
	for _, alias := range a.aliases {
		if v, ok := fields[alias]; ok && v != nil {
			picked, found = v, true
		}
	}
	return picked, found
}

func (a fieldAliases) matches(fields map[string]any) bool {
	_, ok := a.resolve(fields)
	return ok
}
