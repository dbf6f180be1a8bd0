package disambiguation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

func shortlist(queryID, queryText string, candidates ...string) []retrieval.CandidateMatch {
	out := make([]retrieval.CandidateMatch, 0, len(candidates)/2)
	for i := 0; i+1 < len(candidates); i += 2 {
		out = append(out, retrieval.CandidateMatch{
			QueryID:       queryID,
			QueryText:     queryText,
			CandidateID:   candidates[i],
			CandidateText: candidates[i+1],
			Similarity:    1 - float64(i)/10,
		})
	}
	return out
}

func TestCustomID(t *testing.T) {
	a := disambiguation.CustomID("asthma")
	assert.Equal(t, a, disambiguation.CustomID("asthma"))
	assert.NotEqual(t, a, disambiguation.CustomID("height"))
	assert.Regexp(t, `^trait-[0-9a-f]{16}$`, a)
}

func TestPromptBuilder_BuildPrompts(t *testing.T) {
	builder := disambiguation.NewPromptBuilder(2)
	groups := []disambiguation.QueryGroup{
		{QueryID: "s1", Text: "asthma"},
		{QueryID: "s2", Text: "height"},
		{QueryID: "s3", Text: "asthma"},
		{QueryID: "s4", Text: "no vector"},
	}
	shortlists := map[string][]retrieval.CandidateMatch{
		"s1": shortlist("s1", "asthma", "EFO_0000270", "asthma", "EFO_0000341", "chronic obstructive pulmonary disease", "EFO_x", "dog"),
		"s2": shortlist("s2", "height", "EFO_0004339", "body height"),
		"s3": shortlist("s3", "asthma", "EFO_0000270", "asthma"),
	}

	prompts, err := builder.BuildPrompts(groups, shortlists)
	require.NoError(t, err)
	require.Len(t, prompts, 2)

	assert.Equal(t, disambiguation.CustomID("asthma"), prompts[0].CustomID)
	assert.Equal(t, "s1", prompts[0].QueryID)
	assert.Len(t, prompts[0].Candidates, 2)
	assert.Equal(t, disambiguation.Candidate{ID: "EFO_0000270", Text: "asthma"}, prompts[0].Candidates[0])
	assert.Equal(t, "height", prompts[1].QueryText)

	// 入力順に依存しない
	reversed, err := builder.BuildPrompts([]disambiguation.QueryGroup{groups[1], groups[0]}, shortlists)
	require.NoError(t, err)
	assert.Equal(t, prompts[0].CustomID, reversed[1].CustomID)
}

func TestPromptBuilder_Render(t *testing.T) {
	builder := disambiguation.NewPromptBuilder(0)
	p := disambiguation.Prompt{
		CustomID:  "trait-1",
		QueryText: "rheumatoid arthritis",
		Candidates: []disambiguation.Candidate{
			{ID: "EFO_0000685", Text: "rheumatoid arthritis"},
			{ID: "EFO_dog", Text: "dog"},
		},
	}

	msgs := builder.Render(retrieval.ModeEFO, p)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Experimental Factor Ontology")
	assert.Equal(t, "user", msgs[1].Role)
	assert.Contains(t, msgs[1].Content, `Trait: "rheumatoid arthritis"`)
	assert.Contains(t, msgs[1].Content, "1. rheumatoid arthritis (EFO_0000685)")
	assert.Contains(t, msgs[1].Content, "2. dog (EFO_dog)")
	assert.Contains(t, msgs[1].Content, `"efo"`)

	cohort := builder.Render(retrieval.ModeCohort, p)
	assert.Contains(t, cohort[1].Content, `"match"`)
}

func TestResponseSchema(t *testing.T) {
	schema := disambiguation.ResponseSchema(retrieval.ModeEFO)
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Equal(t, []string{"trait", "efo", "confidence"}, schema["required"])

	cohort := disambiguation.ResponseSchema(retrieval.ModeCohort)
	assert.Equal(t, []string{"trait", "match", "confidence"}, cohort["required"])
	assert.Contains(t, cohort["properties"], "match")
}

func TestPartition(t *testing.T) {
	prompts := make([]disambiguation.Prompt, 5)
	for i := range prompts {
		prompts[i].CustomID = string(rune('a' + i))
	}

	batches := disambiguation.Partition(prompts, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "e", batches[2][0].CustomID)

	assert.Len(t, disambiguation.Partition(prompts, 0), 1)
	assert.Nil(t, disambiguation.Partition(nil, 2))
}

func TestParseAnswer(t *testing.T) {
	p := disambiguation.Prompt{
		CustomID:  "trait-1",
		QueryText: "asthma",
		Candidates: []disambiguation.Candidate{
			{ID: "EFO_0000270", Text: "asthma"},
			{ID: "EFO_0000341", Text: "Chronic Obstructive Pulmonary Disease"},
		},
	}

	tests := []struct {
		name       string
		mode       retrieval.Mode
		content    string
		wantID     string
		wantKind   disambiguation.FailureKind
		confidence int
	}{
		{name: "exact", mode: retrieval.ModeEFO, content: `{"trait":"asthma","efo":"asthma","confidence":5}`, wantID: "EFO_0000270", confidence: 5},
		{name: "case insensitive", mode: retrieval.ModeEFO, content: `{"trait":"asthma","efo":"chronic obstructive pulmonary disease","confidence":2}`, wantID: "EFO_0000341", confidence: 2},
		{name: "by id", mode: retrieval.ModeEFO, content: `{"trait":"asthma","efo":"EFO_0000270","confidence":4}`, wantID: "EFO_0000270", confidence: 4},
		{name: "code fence", mode: retrieval.ModeEFO, content: "```json\n{\"trait\":\"asthma\",\"efo\":\"asthma\",\"confidence\":3}\n```", wantID: "EFO_0000270", confidence: 3},
		{name: "cohort field", mode: retrieval.ModeCohort, content: `{"trait":"asthma","match":"asthma","confidence":5}`, wantID: "EFO_0000270", confidence: 5},
		{name: "malformed", mode: retrieval.ModeEFO, content: `{"trait": "asthma", "efo": `, wantKind: disambiguation.FailureParseFailed},
		{name: "empty", mode: retrieval.ModeEFO, content: "  ", wantKind: disambiguation.FailureParseFailed},
		{name: "missing confidence", mode: retrieval.ModeEFO, content: `{"trait":"asthma","efo":"asthma"}`, wantKind: disambiguation.FailureParseFailed},
		{name: "wrong field for mode", mode: retrieval.ModeCohort, content: `{"trait":"asthma","efo":"asthma","confidence":5}`, wantKind: disambiguation.FailureParseFailed},
		{name: "confidence out of range", mode: retrieval.ModeEFO, content: `{"trait":"asthma","efo":"asthma","confidence":7}`, wantKind: disambiguation.FailureParseFailed},
		{name: "non integer confidence", mode: retrieval.ModeEFO, content: `{"trait":"asthma","efo":"asthma","confidence":4.5}`, wantKind: disambiguation.FailureParseFailed},
		{name: "unknown candidate", mode: retrieval.ModeEFO, content: `{"trait":"asthma","efo":"dog","confidence":5}`, wantKind: disambiguation.FailureUnknownCandidate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answer, failure := disambiguation.ParseAnswer(tt.mode, p, tt.content)
			if tt.wantKind != "" {
				require.Nil(t, answer)
				require.NotNil(t, failure)
				assert.Equal(t, tt.wantKind, failure.Kind)
				assert.Equal(t, "trait-1", failure.CustomID)
				return
			}
			require.Nil(t, failure)
			require.NotNil(t, answer)
			assert.Equal(t, tt.wantID, answer.CandidateID)
			assert.Equal(t, tt.confidence, answer.Confidence)
			assert.Equal(t, "trait-1", answer.CustomID)
		})
	}
}

func TestStatus_Transitions(t *testing.T) {
	assert.True(t, disambiguation.StatusBuilt.CanTransitionTo(disambiguation.StatusPending))
	assert.True(t, disambiguation.StatusPending.CanTransitionTo(disambiguation.StatusRunning))
	assert.True(t, disambiguation.StatusRunning.CanTransitionTo(disambiguation.StatusExpired))
	assert.False(t, disambiguation.StatusRunning.CanTransitionTo(disambiguation.StatusPending))
	assert.False(t, disambiguation.StatusCompleted.CanTransitionTo(disambiguation.StatusRunning))
	assert.False(t, disambiguation.StatusBuilt.CanTransitionTo(disambiguation.StatusCompleted))

	assert.True(t, disambiguation.StatusExpired.IsTerminal())
	assert.False(t, disambiguation.StatusPending.IsTerminal())

	_, err := disambiguation.ParseStatus("unknown")
	assert.Error(t, err)
}
