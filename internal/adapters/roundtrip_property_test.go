package adapters_test

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/compresr/ai-gateway/internal/adapters"
	"github.com/compresr/ai-gateway/internal/canonical"
)

// TestRequestRoundTripProperty checks that decoding an encoded request yields
// the original for every adapter, over requests in normal form that use only
// features the protocol can carry.
func TestRequestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	protocols := []struct {
		adapter adapters.Adapter
		caps    protocolCaps
	}{
		{adapters.NewOpenAIAdapter(), protocolCaps{responseFormat: true}},
		{adapters.NewAnthropicAdapter(), protocolCaps{toolErrors: true, requireMaxTokens: true}},
		{adapters.NewGeminiAdapter(), protocolCaps{toolErrors: true, responseFormat: true, modelInPath: true}},
	}

	for _, p := range protocols {
		p := p
		properties.Property(p.adapter.Name()+" decode(encode(x)) == x", prop.ForAll(
			func(tc roundTripCase) bool {
				want := tc.build(p.caps)

				body, err := p.adapter.EncodeRequest(want)
				if err != nil {
					t.Logf("encode: %v", err)
					return false
				}

				opts := adapters.DecodeOptions{}
				if p.caps.modelInPath {
					opts.PathModel = want.Model
					opts.Stream = want.Stream
				}
				got, err := p.adapter.Decode(body, opts)
				if err != nil {
					t.Logf("decode: %v\nbody: %s", err, body)
					return false
				}
				if !reflect.DeepEqual(want, got) {
					t.Logf("mismatch\nbody: %s\nwant: %+v\ngot:  %+v", body, want, got)
					return false
				}
				return true
			},
			genRoundTripCase(),
		))
	}

	properties.TestingRun(t)
}

type protocolCaps struct {
	toolErrors       bool
	responseFormat   bool
	requireMaxTokens bool
	modelInPath      bool
}

type roundTripCase struct {
	model     string
	system    string
	userTexts []string
	word      string
	rounds    int
	thinking  bool
	effort    string
	maxTokens int
	temp      int
	choice    int
	stream    bool
	toolError bool
	jsonMode  bool
}

var toolSchema = json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)

// build renders the case as a canonical request in normal form: systems
// first, one tool message per result, assistant blocks ordered thinking,
// text, tool calls.
func (tc roundTripCase) build(caps protocolCaps) *canonical.Request {
	req := &canonical.Request{
		Model:           tc.model,
		Stream:          tc.stream,
		ReasoningEffort: tc.effort,
	}
	if tc.maxTokens > 0 || caps.requireMaxTokens {
		n := tc.maxTokens
		if n == 0 {
			n = 1
		}
		req.MaxOutputTokens = &n
	}
	if tc.temp >= 0 {
		v := float64(tc.temp) / 10
		req.Temperature = &v
	}
	if caps.responseFormat && tc.jsonMode {
		req.ResponseFormat = json.RawMessage(`{"type":"json_object"}`)
	}

	if tc.system != "" {
		req.Messages = append(req.Messages, canonical.Message{Role: canonical.RoleSystem, Content: []canonical.Block{canonical.TextBlock(tc.system)}})
	}
	user := canonical.Message{Role: canonical.RoleUser}
	for _, s := range tc.userTexts {
		user.Content = append(user.Content, canonical.TextBlock(s))
	}
	req.Messages = append(req.Messages, user)

	for r := 0; r < tc.rounds; r++ {
		var blocks []canonical.Block
		if tc.thinking {
			blocks = append(blocks, canonical.ThinkingBlock("consider "+tc.word))
		}
		blocks = append(blocks, canonical.TextBlock("checking "+tc.word))
		var ids []string
		for j := 0; j <= r; j++ {
			id := fmt.Sprintf("call_%d_%d", r, j)
			ids = append(ids, id)
			args, _ := json.Marshal(map[string]string{"q": tc.word})
			blocks = append(blocks, canonical.ToolUseBlock(id, "lookup", args))
		}
		req.Messages = append(req.Messages, canonical.Message{Role: canonical.RoleAssistant, Content: blocks})
		for j, id := range ids {
			isErr := caps.toolErrors && tc.toolError && j == 0
			req.Messages = append(req.Messages, canonical.Message{
				Role:       canonical.RoleTool,
				ToolCallID: id,
				Content:    []canonical.Block{canonical.ToolResultBlock(id, "lookup", "result "+tc.word, isErr)},
			})
		}
		req.Messages = append(req.Messages, canonical.Message{Role: canonical.RoleUser, Content: []canonical.Block{canonical.TextBlock("thanks")}})
	}

	if tc.rounds > 0 || tc.choice > 0 {
		req.Tools = []canonical.ToolSpec{{Name: "lookup", Description: "Look up " + tc.word, Schema: toolSchema}}
	}
	switch tc.choice {
	case 1:
		req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
	case 2:
		req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}
	case 3:
		req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceRequired}
	case 4:
		req.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: "lookup"}
	}
	return req
}

func genWord() gopter.Gen {
	return gen.IntRange(1, 12).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}

func genRoundTripCase() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("llama3", "gpt-4o", "claude-sonnet-4"),
		gen.OneGenOf(gen.Const(""), genWord()),
		gen.IntRange(1, 2).FlatMap(func(n any) gopter.Gen {
			return gen.SliceOfN(n.(int), genWord())
		}, reflect.TypeOf([]string{})),
		genWord(),
		gen.IntRange(0, 2),
		gen.Bool(),
		gen.OneConstOf("", "none", "low", "medium", "high"),
		gen.IntRange(0, 8192),
		gen.IntRange(-1, 20),
		gen.IntRange(0, 4),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	).Map(func(vals []any) roundTripCase {
		return roundTripCase{
			model:     vals[0].(string),
			system:    vals[1].(string),
			userTexts: vals[2].([]string),
			word:      vals[3].(string),
			rounds:    vals[4].(int),
			thinking:  vals[5].(bool),
			effort:    vals[6].(string),
			maxTokens: vals[7].(int),
			temp:      vals[8].(int),
			choice:    vals[9].(int),
			stream:    vals[10].(bool),
			toolError: vals[11].(bool),
			jsonMode:  vals[12].(bool),
		}
	})
}
