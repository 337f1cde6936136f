// Package router implements the Agent Router (C8): a structured-output
// classifier that maps a user message to one of a closed set of workflow
// kinds with a confidence score. Confidence handling (falling back to
// general_chat below threshold) is the caller's responsibility, not the
// router's, per spec.md.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tripsage/tripsage-core/runtime/model"
)

// Kind is one of the closed set of workflow kinds the router may produce.
type Kind string

const (
	KindDestinationResearch Kind = "destination_research"
	KindFlightSearch        Kind = "flight_search"
	KindAccommodationSearch Kind = "accommodation_search"
	KindItineraryPlanning   Kind = "itinerary_planning"
	KindBudgetPlanning      Kind = "budget_planning"
	KindMemoryUpdate        Kind = "memory_update"
	KindGeneralChat         Kind = "general_chat"
)

// Kinds lists every valid Kind in a stable order, used to build the
// classifier's JSON Schema enum and to validate the model's response.
var Kinds = []Kind{
	KindDestinationResearch,
	KindFlightSearch,
	KindAccommodationSearch,
	KindItineraryPlanning,
	KindBudgetPlanning,
	KindMemoryUpdate,
	KindGeneralChat,
}

// LowConfidenceThreshold is the boundary below which a caller should treat
// a classification as unreliable and fall back to general_chat.
const LowConfidenceThreshold = 0.5

// Classification is the router's output.
type Classification struct {
	Workflow   Kind    `json:"workflow"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// IsConfident reports whether c meets LowConfidenceThreshold.
func (c Classification) IsConfident() bool { return c.Confidence >= LowConfidenceThreshold }

var responseSchema = mustCompileResponseSchema()

const responseSchemaJSON = `{
	"type": "object",
	"properties": {
		"workflow": {
			"type": "string",
			"enum": ["destination_research", "flight_search", "accommodation_search", "itinerary_planning", "budget_planning", "memory_update", "general_chat"]
		},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"}
	},
	"required": ["workflow", "confidence"],
	"additionalProperties": false
}`

func mustCompileResponseSchema() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(responseSchemaJSON), &doc); err != nil {
		panic(fmt.Errorf("router: invalid response schema: %w", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("router-classification.json", doc); err != nil {
		panic(fmt.Errorf("router: compile response schema: %w", err))
	}
	sch, err := c.Compile("router-classification.json")
	if err != nil {
		panic(fmt.Errorf("router: compile response schema: %w", err))
	}
	return sch
}

const systemPrompt = `You are the routing classifier for a travel planning assistant. ` +
	`Given the latest user message and any session context, choose exactly one workflow ` +
	`that best matches the user's intent, and report your confidence in that choice. ` +
	`When the message does not clearly match a specific travel task, prefer general_chat ` +
	`with low confidence rather than guessing.`

// Router classifies a user message by invoking a model with the closed
// workflow-kind schema attached as Request.ResponseSchema and validating the
// JSON reply against that schema.
type Router struct {
	client model.Client
	model  string
}

// New constructs a Router that classifies using client, requesting the
// given model (typically a small/fast model class, since classification
// does not need the full-size model).
func New(client model.Client, modelName string) *Router {
	return &Router{client: client, model: modelName}
}

// Classify returns the workflow classification for the latest user message,
// optionally accompanied by prior session context messages.
func (r *Router) Classify(ctx context.Context, runID string, sessionContext []*model.Message, userMessage string) (Classification, error) {
	messages := append([]*model.Message{
		{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: systemPrompt}}},
	}, sessionContext...)
	messages = append(messages, &model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: userMessage}}})

	resp, err := r.client.Complete(ctx, &model.Request{
		RunID:          runID,
		Model:          r.model,
		Messages:       messages,
		ResponseSchema: json.RawMessage(responseSchemaJSON),
		MaxTokens:      256,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("router: classify: %w", err)
	}

	raw, err := extractStructuredJSON(resp)
	if err != nil {
		return Classification{}, err
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Classification{}, fmt.Errorf("router: classifier returned invalid JSON: %w", err)
	}
	if err := responseSchema.Validate(parsed); err != nil {
		return Classification{}, fmt.Errorf("router: classifier response failed schema validation: %w", err)
	}

	var c Classification
	if err := json.Unmarshal(raw, &c); err != nil {
		return Classification{}, fmt.Errorf("router: decode classification: %w", err)
	}
	return c, nil
}

// extractStructuredJSON pulls the classifier's JSON object out of the
// model response: providers surface constrained structured output either as
// a tool call payload (the same mechanism used for ordinary tool use) or as
// plain text, depending on adapter support.
func extractStructuredJSON(resp *model.Response) (json.RawMessage, error) {
	if len(resp.ToolCalls) > 0 {
		return resp.ToolCalls[0].Payload, nil
	}
	for _, msg := range resp.Content {
		for _, part := range msg.Parts {
			if tp, ok := part.(model.TextPart); ok && tp.Text != "" {
				return json.RawMessage(tp.Text), nil
			}
		}
	}
	return nil, fmt.Errorf("router: model response contained no structured output")
}
