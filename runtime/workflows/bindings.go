package workflows

import (
	"fmt"
	"strings"
	"time"

	"github.com/tripsage/tripsage-core/runtime/router"
	"github.com/tripsage/tripsage-core/runtime/toolloop"
	"github.com/tripsage/tripsage-core/runtime/tools"
)

// DefaultBindings returns the stock Binding for each of the seven closed
// workflow kinds, wired against the tool names a deployment is expected to
// register under runtime/tools.Registry. Itinerary planning carries a
// higher tool-call ceiling and deadline than the single-purpose search
// workflows, per spec.md §4.6's explicit example.
func DefaultBindings(modelName string) []Binding {
	return []Binding{
		{
			Kind:          router.KindDestinationResearch,
			ToolNames:     []tools.Ident{"destinations.search", "destinations.get_weather", "destinations.get_events"},
			PromptBuilder: destinationResearchPrompt,
			Policy:        toolloop.Policy{MaxToolCalls: 6, Deadline: 45 * time.Second},
			Model:         modelName,
		},
		{
			Kind:          router.KindFlightSearch,
			ToolNames:     []tools.Ident{"flights.search_flights", "flights.get_fare_rules"},
			PromptBuilder: flightSearchPrompt,
			Policy:        toolloop.Policy{MaxToolCalls: 8, Deadline: 60 * time.Second},
			Model:         modelName,
		},
		{
			Kind:          router.KindAccommodationSearch,
			ToolNames:     []tools.Ident{"accommodations.search_stays", "accommodations.get_availability"},
			PromptBuilder: accommodationSearchPrompt,
			Policy:        toolloop.Policy{MaxToolCalls: 8, Deadline: 60 * time.Second},
			Model:         modelName,
		},
		{
			Kind: router.KindItineraryPlanning,
			ToolNames: []tools.Ident{
				"destinations.search", "flights.search_flights", "accommodations.search_stays",
				"itinerary.propose_day_plan", "itinerary.check_conflicts",
			},
			PromptBuilder: itineraryPlanningPrompt,
			Policy:        toolloop.Policy{MaxToolCalls: 20, Deadline: 180 * time.Second},
			Model:         modelName,
		},
		{
			Kind:          router.KindBudgetPlanning,
			ToolNames:     []tools.Ident{"budget.estimate_costs", "budget.convert_currency"},
			PromptBuilder: budgetPlanningPrompt,
			Policy:        toolloop.Policy{MaxToolCalls: 6, Deadline: 45 * time.Second},
			Model:         modelName,
		},
		{
			Kind:          router.KindMemoryUpdate,
			ToolNames:     []tools.Ident{"memory.upsert_preference", "memory.forget_preference"},
			PromptBuilder: memoryUpdatePrompt,
			Policy:        toolloop.Policy{MaxToolCalls: 3, Deadline: 20 * time.Second},
			Model:         modelName,
		},
		{
			Kind:          router.KindGeneralChat,
			ToolNames:     nil,
			PromptBuilder: generalChatPrompt,
			Policy:        toolloop.Policy{MaxToolCalls: 2, Deadline: 30 * time.Second},
			Model:         modelName,
		},
	}
}

func destinationResearchPrompt(preferences, input map[string]any) string {
	return joinPrompt(
		"You help travelers research destinations: climate, neighborhoods, seasonal events, and safety.",
		preferences, input,
	)
}

func flightSearchPrompt(preferences, input map[string]any) string {
	return joinPrompt(
		"You search for flights matching the traveler's origin, destination, dates, and cabin preference. "+
			"Always state fare rules (refundability, change fees) alongside any fare you recommend.",
		preferences, input,
	)
}

func accommodationSearchPrompt(preferences, input map[string]any) string {
	return joinPrompt(
		"You search for lodging matching the traveler's destination, dates, party size, and budget.",
		preferences, input,
	)
}

func itineraryPlanningPrompt(preferences, input map[string]any) string {
	return joinPrompt(
		"You assemble a day-by-day itinerary combining destination research, flights, and lodging, "+
			"checking for scheduling conflicts before presenting a plan.",
		preferences, input,
	)
}

func budgetPlanningPrompt(preferences, input map[string]any) string {
	return joinPrompt(
		"You estimate trip costs across flights, lodging, food, and activities, converting to the "+
			"traveler's home currency when asked.",
		preferences, input,
	)
}

func memoryUpdatePrompt(preferences, input map[string]any) string {
	return joinPrompt(
		"You update the traveler's stored preferences (seat class, dietary needs, loyalty programs) "+
			"based on what they just told you. Confirm what you changed.",
		preferences, input,
	)
}

func generalChatPrompt(preferences, input map[string]any) string {
	return joinPrompt(
		"You are a friendly travel assistant handling a message that does not fit a specific "+
			"workflow. Answer directly, and suggest a more specific request if one would help.",
		preferences, input,
	)
}

func joinPrompt(base string, preferences, input map[string]any) string {
	var b strings.Builder
	b.WriteString(base)
	if len(preferences) > 0 {
		b.WriteString("\n\nTraveler preferences:\n")
		writeKeyValues(&b, preferences)
	}
	if len(input) > 0 {
		b.WriteString("\n\nRequest details:\n")
		writeKeyValues(&b, input)
	}
	return b.String()
}

func writeKeyValues(b *strings.Builder, m map[string]any) {
	for k, v := range m {
		fmt.Fprintf(b, "- %s: %v\n", k, v)
	}
}
