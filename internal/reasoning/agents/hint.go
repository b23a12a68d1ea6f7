package agents

import (
	"regexp"

	"github.com/shivangiamit/hackathon/internal/models"
)

// hintRules are checked in order; the first match wins. More specific types
// come before the broad ones they overlap with.
var hintRules = []struct {
	qt models.QueryType
	re *regexp.Regexp
}{
	{models.QueryPH, regexp.MustCompile(`(?i)\b(ph|acidic|acidity|alkaline|lime|liming)\b`)},
	{models.QueryPest, regexp.MustCompile(`(?i)\b(pests?|insects?|aphids?|worms?|caterpillars?|locusts?|mites?|beetles?)\b`)},
	{models.QueryDisease, regexp.MustCompile(`(?i)\b(disease|blight|fungus|fungal|mildew|rot|wilt(ing)?|spots?|yellowing|rust)\b`)},
	{models.QueryFertilizer, regexp.MustCompile(`(?i)\b(fertili[sz](er|e|ing)|urea|manure|compost|dap|npk)\b`)},
	{models.QueryNutrients, regexp.MustCompile(`(?i)\b(nutrients?|nitrogen|phosphorus|potassium|deficien(t|cy))\b`)},
	{models.QueryWatering, regexp.MustCompile(`(?i)\b(water(ing)?|irrigat(e|ion|ing)|moisture|dry|drip|pump|motor)\b`)},
	{models.QueryWeather, regexp.MustCompile(`(?i)\b(weather|rain(fall)?|heat(wave)?|frost|temperature|humid(ity)?|storm)\b`)},
}

// GuessQueryType picks a query type from keywords. It only scopes the
// context fetch and seeds the classifier; it is not a classification.
func GuessQueryType(query string) models.QueryType {
	for _, r := range hintRules {
		if r.re.MatchString(query) {
			return r.qt
		}
	}
	return models.QueryGeneral
}
