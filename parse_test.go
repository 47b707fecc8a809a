package rockettag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTags(t *testing.T) {
	for _, test := range []struct {
		title    string
		list     string
		expected []string
	}{{
		title:    "empty",
		list:     "",
		expected: []string{},
	}, {
		title:    "whitespace",
		list:     "  ",
		expected: []string{},
	}, {
		title:    "single",
		list:     "go",
		expected: []string{"go"},
	}, {
		title:    "trimmed",
		list:     " go ,  sql,rust  ",
		expected: []string{"go", "sql", "rust"},
	}, {
		title:    "quoted",
		list:     `ruby, "rails, 7", go`,
		expected: []string{"ruby", "rails, 7", "go"},
	}, {
		title:    "inner spaces",
		list:     "ruby on rails, go",
		expected: []string{"ruby on rails", "go"},
	}, {
		title:    "multiple lines",
		list:     "go, sql\nrust",
		expected: []string{"go", "sql", "rust"},
	}, {
		title:    "blank lines",
		list:     "go\n\nrust, sql\n",
		expected: []string{"go", "rust", "sql"},
	}, {
		title:    "stray quote",
		list:     "go\"lang, sql\nrust",
		expected: []string{"go\"lang", "sql", "rust"},
	}} {
		t.Run(test.title, func(t *testing.T) {
			assert.Equal(t, test.expected, ParseTags(test.list))
		})
	}
}
