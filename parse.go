package rockettag

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// ParseTags splits a comma separated tag list. Tokens are trimmed, and they can be quoted to contain a comma.
// Every line of the input is read. An empty string results in an empty list.
func ParseTags(list string) []string {
	if strings.TrimSpace(list) == "" {
		return []string{}
	}

	r := csv.NewReader(strings.NewReader(list))
	r.TrimLeadingSpace = true
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	var tags []string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		// a malformed line is skipped, the following ones are still read
		var perr *csv.ParseError
		if err != nil && !errors.As(err, &perr) {
			break
		}

		for _, t := range record {
			tags = append(tags, strings.TrimSpace(t))
		}
	}

	if tags == nil {
		return []string{}
	}

	return tags
}
