package definition_test

import (
	"testing"

	"github.com/aretw0/parley/pkg/definition"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const onboarding = `
version: 1
id: onboarding
constants:
  PREFIX: "You are a friendly tutor."
  TEMPERATURE: 0.4
preload: [global.name]
documents:
  primary: [handbook]
  secondary: [faq]
steps:
  - type: message
    id: greet
    prompts: ["Hello {{global.name}}"]
    wait_for_input: true
    save_to: conversation.greeting
    memory: {selectors: [current], limit: 10}
  - type: chain
    id: intro
    conditions:
      - {slot: session.level, op: greater_than, value: 2}
    steps:
      - type: extractor
        id: ask_name
        prompts: ["Extract the name"]
        fields:
          - {name: name, type: string, description: "first name"}
        on_success: "goto:welcome"
        on_fail: repeat
      - type: counter
        id: attempts
        slot: conversation.attempts
  - type: api_call
    id: score
    method: POST
    url: "https://example.com/{{global.user_id}}"
    headers: {Authorization: "Bearer x"}
    json_path: data.score
    save_to: conversation.score
    on_fail: "goto:welcome"
  - type: message
    id: welcome
    prompts: ["Welcome!"]
`

func TestParse(t *testing.T) {
	agent, err := definition.Parse([]byte(onboarding))
	require.NoError(t, err)

	assert.Equal(t, "onboarding", agent.ID)
	assert.Equal(t, 0.4, agent.Constants["TEMPERATURE"])
	assert.Equal(t, []domain.SlotPath{domain.MustSlotPath("global.name")}, agent.Preload)
	assert.Equal(t, []string{"handbook"}, agent.Documents.Primary)
	require.Len(t, agent.Steps, 4)

	greet, ok := agent.Steps[0].(*definition.MessageStep)
	require.True(t, ok)
	assert.True(t, greet.WaitForInput)
	require.NotNil(t, greet.SaveTo)
	assert.Equal(t, domain.MustSlotPath("conversation.greeting"), *greet.SaveTo)
	assert.Equal(t, []string{"current"}, greet.Memory.Selectors)
	assert.Equal(t, 10, greet.Memory.Limit)

	chain, ok := agent.Steps[1].(*definition.ChainStep)
	require.True(t, ok)
	require.Len(t, chain.Conditions, 1)
	assert.Equal(t, domain.OpGreaterThan, chain.Conditions[0].Op)
	assert.True(t, domain.Equal(domain.Number(2), chain.Conditions[0].Value))
	require.Len(t, chain.Steps, 2)

	extractor := chain.Steps[0].(*definition.ExtractorStep)
	assert.Equal(t, domain.Goto("welcome"), extractor.OnSuccess)
	assert.Equal(t, domain.Repeat(), extractor.OnFail)
	assert.Equal(t, "name", extractor.Fields[0].Name)

	api := agent.Steps[2].(*definition.APICallStep)
	assert.Equal(t, "POST", api.Method)
	assert.Equal(t, "Bearer x", api.Headers["Authorization"])
	assert.Equal(t, domain.Continue(), api.OnSuccess)
	assert.Equal(t, domain.Goto("welcome"), api.OnFail)

	var ids []string
	definition.Walk(agent.Steps, func(s definition.Step) {
		ids = append(ids, definition.BaseOf(s).ID)
	})
	assert.Equal(t, []string{"greet", "intro", "ask_name", "attempts", "score", "welcome"}, ids)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unsupported version", "version: 2\nid: a\nsteps: [{type: goto, id: g}]"},
		{"missing id", "version: 1\nsteps: [{type: goto, id: g}]"},
		{"unknown type", "version: 1\nid: a\nsteps: [{type: dance, id: d}]"},
		{"missing step id", "version: 1\nid: a\nsteps: [{type: counter, slot: x}]"},
		{"malformed flow", "version: 1\nid: a\nsteps: [{type: goto, id: g, target: 'jump:x'}]"},
		{"malformed condition", "version: 1\nid: a\nsteps: [{type: goto, id: g, conditions: [{slot: planet.x, op: exists}]}]"},
		{"unknown operation", "version: 1\nid: a\nsteps: [{type: goto, id: g, conditions: [{slot: x, op: between}]}]"},
		{"unknown field", "version: 1\nid: a\nsteps: [{type: goto, id: g, colour: red}]"},
		{"empty chain", "version: 1\nid: a\nsteps: [{type: chain, id: c, steps: []}]"},
		{"bad validator mode", "version: 1\nid: a\nsteps: [{type: validator, id: v, mode: most, goals: [{name: x}]}]"},
		{"no steps", "version: 1\nid: a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := definition.Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, definition.ErrInvalidDefinition)
		})
	}
}
