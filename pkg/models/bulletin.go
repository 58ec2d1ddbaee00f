// Package models defines the canonical entities of the visa bulletin
// pipeline: bulletins, category entries, and the derived trend/forecast
// records. All types here are storage-independent values.
package models

import (
	"fmt"
	"time"
)

// VisaCategory is a closed set of employment and family preference
// categories tracked by the bulletin.
type VisaCategory string

const (
	CategoryEB1             VisaCategory = "EB1"
	CategoryEB2             VisaCategory = "EB2"
	CategoryEB3             VisaCategory = "EB3"
	CategoryEB3OtherWorkers VisaCategory = "EB3_OTHER_WORKERS"
	CategoryEB4             VisaCategory = "EB4"
	CategoryEB5             VisaCategory = "EB5"
	CategoryF1              VisaCategory = "F1"
	CategoryF2A             VisaCategory = "F2A"
	CategoryF2B             VisaCategory = "F2B"
	CategoryF3              VisaCategory = "F3"
	CategoryF4              VisaCategory = "F4"
)

// AllCategories lists every category in a stable order.
var AllCategories = []VisaCategory{
	CategoryEB1, CategoryEB2, CategoryEB3, CategoryEB3OtherWorkers,
	CategoryEB4, CategoryEB5,
	CategoryF1, CategoryF2A, CategoryF2B, CategoryF3, CategoryF4,
}

// ParseVisaCategory accepts only canonical category names.
// Raw bulletin labels ("2nd", "Other Workers", ...) are mapped in the
// parser before reaching this point.
func ParseVisaCategory(s string) (VisaCategory, error) {
	for _, c := range AllCategories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown visa category %q", s)
}

// IsEmployment reports whether the category is an employment preference.
func (c VisaCategory) IsEmployment() bool {
	switch c {
	case CategoryEB1, CategoryEB2, CategoryEB3, CategoryEB3OtherWorkers, CategoryEB4, CategoryEB5:
		return true
	}
	return false
}

// Country is a chargeability area with its own per-country backlog.
type Country string

const (
	CountryWorldwide   Country = "WORLDWIDE"
	CountryChina       Country = "CHINA"
	CountryIndia       Country = "INDIA"
	CountryMexico      Country = "MEXICO"
	CountryPhilippines Country = "PHILIPPINES"
)

// AllCountries lists every chargeability area in a stable order.
var AllCountries = []Country{
	CountryWorldwide, CountryChina, CountryIndia, CountryMexico, CountryPhilippines,
}

// ParseCountry accepts only canonical country names.
func ParseCountry(s string) (Country, error) {
	for _, c := range AllCountries {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown chargeability country %q", s)
}

// ChartType distinguishes the two cutoff tables a bulletin publishes.
type ChartType string

const (
	ChartFinalAction    ChartType = "FINAL_ACTION"
	ChartDatesForFiling ChartType = "DATES_FOR_FILING"
)

// ParseChartType accepts only canonical chart names.
func ParseChartType(s string) (ChartType, error) {
	switch ChartType(s) {
	case ChartFinalAction:
		return ChartFinalAction, nil
	case ChartDatesForFiling:
		return ChartDatesForFiling, nil
	}
	return "", fmt.Errorf("unknown chart type %q", s)
}

// EntryStatus is the state of a single (category, country, chart) cell.
type EntryStatus string

const (
	StatusCurrent     EntryStatus = "CURRENT"
	StatusUnavailable EntryStatus = "UNAVAILABLE"
	StatusDated       EntryStatus = "DATED"
)

// ParseEntryStatus accepts only canonical status names.
func ParseEntryStatus(s string) (EntryStatus, error) {
	switch EntryStatus(s) {
	case StatusCurrent:
		return StatusCurrent, nil
	case StatusUnavailable:
		return StatusUnavailable, nil
	case StatusDated:
		return StatusDated, nil
	}
	return "", fmt.Errorf("unknown entry status %q", s)
}

// FiscalYearFor derives the US federal fiscal year (Oct-Sep) for a
// calendar (year, month). FY N begins October of calendar year N-1.
// This is the single derivation point; fiscal_year is never stored
// independently of it.
func FiscalYearFor(year, month int) int {
	if month >= 10 {
		return year + 1
	}
	return year
}

// Bulletin is one monthly publication. (Year, Month) is the identity.
type Bulletin struct {
	ID           int64     `json:"id"`
	FiscalYear   int       `json:"fiscal_year"`
	Month        int       `json:"month"`
	Year         int       `json:"year"`
	BulletinDate time.Time `json:"bulletin_date"`
	SourceURL    string    `json:"source_url"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CategoryEntry is one cell of a bulletin chart.
// PriorityDate is non-nil iff Status is StatusDated.
type CategoryEntry struct {
	ID           int64        `json:"id"`
	BulletinID   int64        `json:"bulletin_id"`
	Category     VisaCategory `json:"category"`
	Country      Country      `json:"country"`
	Chart        ChartType    `json:"chart"`
	Status       EntryStatus  `json:"status"`
	PriorityDate *time.Time   `json:"priority_date,omitempty"`
	Notes        string       `json:"notes,omitempty"`
}

// SeriesKey identifies one priority-date time series.
type SeriesKey struct {
	Category VisaCategory `json:"category"`
	Country  Country      `json:"country"`
	Chart    ChartType    `json:"chart"`
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Category, k.Country, k.Chart)
}

// SeriesPoint is one observation returned by Repository.GetSeries.
type SeriesPoint struct {
	BulletinDate time.Time   `json:"bulletin_date"`
	Status       EntryStatus `json:"status"`
	PriorityDate *time.Time  `json:"priority_date,omitempty"`
}
