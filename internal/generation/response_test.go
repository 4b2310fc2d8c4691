package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuestions_UniqueIDs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "missing id takes the next free slot",
			raw:  `{"questions":[{"id":"Q2","text":"a"},{"text":"b"},{"text":"c"}]}`,
			want: []string{"Q2", "Q3", "Q4"},
		},
		{
			name: "repeated id is renamed",
			raw:  `{"questions":[{"id":"Q1","text":"a"},{"id":"Q1","text":"b"},{"id":"Q2","text":"c"}]}`,
			want: []string{"Q1", "Q2", "Q3"},
		},
		{
			name: "explicit id after an assigned one",
			raw:  `{"questions":[{"text":"a"},{"id":"Q1","text":"b"}]}`,
			want: []string{"Q1", "Q2"},
		},
		{
			name: "blank text is dropped",
			raw:  "```json\n{\"questions\":[{\"id\":\"Q1\",\"text\":\" \"},{\"id\":\"Q5\",\"text\":\"b\"}]}\n```",
			want: []string{"Q5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, qs, err := parseQuestions(tt.raw)
			require.NoError(t, err)
			ids := make([]string, 0, len(qs))
			for _, q := range qs {
				ids = append(ids, q.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}
