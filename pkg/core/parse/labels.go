package parse

import (
	"strings"

	"visa_bulletin/pkg/models"
)

// categorySignals and countrySignals are the header keywords that mark a
// table as a visa chart. A table qualifies when its header carries at
// least one of each kind.
var categorySignals = []string{
	"employment", "family", "eb-", "1st", "2nd", "3rd", "4th", "5th",
	"other workers", "f1", "f2a", "f2b", "f3", "f4", "preference",
}

var countrySignals = []string{
	"worldwide", "all chargeability", "china", "india", "mexico", "philippines",
}

// NormalizeCategoryLabel maps a raw first-column label to a canonical
// category. The ordering matters: "Other Workers" must win over the
// generic 3rd-preference match.
func NormalizeCategoryLabel(raw string) (models.VisaCategory, bool) {
	label := strings.ToLower(CleanCell(raw))
	if label == "" {
		return "", false
	}

	if strings.Contains(label, "other worker") {
		return models.CategoryEB3OtherWorkers, true
	}

	switch {
	case strings.Contains(label, "eb-1"), strings.Contains(label, "eb1"),
		strings.Contains(label, "1st"), strings.Contains(label, "priority worker"):
		return models.CategoryEB1, true
	case strings.Contains(label, "eb-2"), strings.Contains(label, "eb2"),
		strings.Contains(label, "2nd"), strings.Contains(label, "advanced degree"):
		return models.CategoryEB2, true
	case strings.Contains(label, "eb-3"), strings.Contains(label, "eb3"),
		strings.Contains(label, "3rd"), strings.Contains(label, "skilled worker"):
		return models.CategoryEB3, true
	case strings.Contains(label, "4th"), strings.Contains(label, "special immigrant"),
		strings.Contains(label, "religious worker"):
		return models.CategoryEB4, true
	case strings.Contains(label, "5th"), strings.Contains(label, "investor"),
		strings.Contains(label, "regional center"):
		return models.CategoryEB5, true
	}

	// Family rows label themselves with the canonical code. F2A/F2B must
	// be checked before the bare F2 prefix would shadow them.
	switch {
	case strings.HasPrefix(label, "f2a"):
		return models.CategoryF2A, true
	case strings.HasPrefix(label, "f2b"):
		return models.CategoryF2B, true
	case strings.HasPrefix(label, "f1"):
		return models.CategoryF1, true
	case strings.HasPrefix(label, "f3"):
		return models.CategoryF3, true
	case strings.HasPrefix(label, "f4"):
		return models.CategoryF4, true
	}

	return "", false
}

// NormalizeCountryLabel maps a raw column header to a chargeability
// country. Headers like "CHINA-mainland born" and "All Chargeability
// Areas Except Those Listed" reduce to their canonical country.
func NormalizeCountryLabel(raw string) (models.Country, bool) {
	label := strings.ToLower(CleanCell(raw))
	if label == "" {
		return "", false
	}
	switch {
	case strings.Contains(label, "china"):
		return models.CountryChina, true
	case strings.Contains(label, "india"):
		return models.CountryIndia, true
	case strings.Contains(label, "mexico"):
		return models.CountryMexico, true
	case strings.Contains(label, "philippines"):
		return models.CountryPhilippines, true
	case strings.Contains(label, "worldwide"), strings.Contains(label, "all chargeability"):
		return models.CountryWorldwide, true
	}
	return "", false
}

// headerLooksRelevant applies the two-signal test to a header row.
func headerLooksRelevant(cells []string) bool {
	joined := strings.ToLower(strings.Join(cells, " | "))
	var hasCategory, hasCountry bool
	for _, sig := range categorySignals {
		if strings.Contains(joined, sig) {
			hasCategory = true
			break
		}
	}
	for _, sig := range countrySignals {
		if strings.Contains(joined, sig) {
			hasCountry = true
			break
		}
	}
	return hasCategory && hasCountry
}

// classifyChart decides which chart a heading announces.
func classifyChart(heading string) (models.ChartType, bool) {
	h := strings.ToLower(heading)
	switch {
	case strings.Contains(h, "dates for filing"):
		return models.ChartDatesForFiling, true
	case strings.Contains(h, "final action"):
		return models.ChartFinalAction, true
	}
	return "", false
}
