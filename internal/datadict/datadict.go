// Package datadict holds the hand-written description of the database
// columns that is prepended to every question sent to the query agent.
//
// The dictionary is documentation, not derived metadata: nothing ties it to
// the live schema. CheckDrift reports differences but never reconciles them.
package datadict

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Preamble introduces the dictionary in the composed prompt.
const Preamble = "Refer to the following data dictionary for context:"

// Default describes the taxpayer table of company.db.
const Default = `
| Column Name         | Description                                                                 |
|---------------------|-----------------------------------------------------------------------------|
| un_id               | Unique identifier for each taxpayer/entity                                 |
| name                | Name of the company                                            |
| vat                 | VAT (Value Added Tax) amount associated with the taxpayer                  |
| payment             | Payment amount made by the taxpayer                                        |
| principal_debt      | Principal debt amount owed by the taxpayer                                 |
| forfeit             | Amount of penalty or forfeiture applied to the taxpayer                   |
| sanction            | Sanction amount associated with the taxpayer                              |
| payment_short_ind   | Indicator of whether there is a shortfall in payment (1 = Yes, 0 = No)     |
| VAR9                | Additional variable for which details are not provided (e.g., could be null or unspecified) |
`

// Compose returns the prompt sent to the agent: the dictionary first, then
// the user's question verbatim.
func Compose(dictionary, input string) string {
	return Preamble + "\n\n" + dictionary + "\n\n" + input
}

// Load reads a dictionary from path, or returns Default when path is empty.
func Load(path string) (string, error) {
	if path == "" {
		return Default, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read data dictionary: %w", err)
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("data dictionary %s is empty", path)
	}
	return text, nil
}

// Columns extracts the column names listed in a markdown dictionary table.
func Columns(dictionary string) []string {
	var cols []string
	header := true
	for _, line := range strings.Split(dictionary, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := strings.Split(strings.Trim(line, "|"), "|")
		if len(cells) == 0 {
			continue
		}
		first := strings.TrimSpace(cells[0])
		if isSeparator(first) {
			header = false
			continue
		}
		if header || first == "" {
			continue
		}
		cols = append(cols, first)
	}
	return cols
}

func isSeparator(cell string) bool {
	if cell == "" {
		return false
	}
	return strings.Trim(cell, "-: ") == ""
}

// Drift lists the differences between documented and live columns.
type Drift struct {
	// Undocumented columns exist in the database but not in the dictionary.
	Undocumented []string
	// Missing columns are documented but absent from every table.
	Missing []string
}

// Empty reports whether dictionary and schema agree.
func (d Drift) Empty() bool {
	return len(d.Undocumented) == 0 && len(d.Missing) == 0
}

// CheckDrift compares documented column names against live columns keyed by
// table. Names are compared case-insensitively.
func CheckDrift(documented []string, live map[string][]string) Drift {
	docSet := make(map[string]bool, len(documented))
	for _, c := range documented {
		docSet[strings.ToLower(c)] = true
	}

	liveSet := make(map[string]bool)
	var drift Drift
	tables := make([]string, 0, len(live))
	for table := range live {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		for _, c := range live[table] {
			key := strings.ToLower(c)
			liveSet[key] = true
			if !docSet[key] {
				drift.Undocumented = append(drift.Undocumented, table+"."+c)
			}
		}
	}
	for _, c := range documented {
		if !liveSet[strings.ToLower(c)] {
			drift.Missing = append(drift.Missing, c)
		}
	}
	return drift
}
