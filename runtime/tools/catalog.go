package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterDemoCatalog installs a deterministic, dependency-free
// implementation of every tool name runtime/workflows.DefaultBindings
// whitelists. It exists so a fresh deployment can exercise the full
// classify → dispatch → tool-loop path (and the ENABLE_DEMO tool listing)
// without first wiring real travel-data providers (flight/stay/event
// search), which are outside this repository's scope.
func RegisterDemoCatalog(r *Registry) error {
	for _, spec := range demoSpecs() {
		if err := r.Register(spec); err != nil {
			return fmt.Errorf("tools: register demo catalog: %w", err)
		}
	}
	return nil
}

func demoSpecs() []*Spec {
	return []*Spec{
		{
			Name:        "destinations.search",
			Description: "Search candidate destinations matching a free-text query.",
			InputSchema: schema(`{"type":"object","required":["query"],"properties":{"query":{"type":"string","minLength":1}}}`),
			CostClass:   CostStandard,
			Timeout:     8 * time.Second,
			Execute:     demoDestinationsSearch,
		},
		{
			Name:        "destinations.get_weather",
			Description: "Return a seasonal weather summary for a destination.",
			InputSchema: schema(`{"type":"object","required":["destination"],"properties":{"destination":{"type":"string","minLength":1}}}`),
			CostClass:   CostCheap,
			Timeout:     5 * time.Second,
			Execute:     demoDestinationWeather,
		},
		{
			Name:        "destinations.get_events",
			Description: "List notable events for a destination.",
			InputSchema: schema(`{"type":"object","required":["destination"],"properties":{"destination":{"type":"string","minLength":1}}}`),
			CostClass:   CostCheap,
			Timeout:     5 * time.Second,
			Execute:     demoDestinationEvents,
		},
		{
			Name:        "flights.search_flights",
			Description: "Search flights between an origin and destination for a date range.",
			InputSchema: schema(`{"type":"object","required":["origin","destination","depart_date"],"properties":{"origin":{"type":"string","minLength":3},"destination":{"type":"string","minLength":3},"depart_date":{"type":"string"},"return_date":{"type":"string"}}}`),
			CostClass:   CostExpensive,
			Timeout:     15 * time.Second,
			Execute:     demoFlightSearch,
		},
		{
			Name:        "flights.get_fare_rules",
			Description: "Return the refundability and change-fee rules for a fare.",
			InputSchema: schema(`{"type":"object","required":["fare_id"],"properties":{"fare_id":{"type":"string","minLength":1}}}`),
			CostClass:   CostCheap,
			Timeout:     5 * time.Second,
			Execute:     demoFareRules,
		},
		{
			Name:        "accommodations.search_stays",
			Description: "Search accommodations in a destination for a date range and party size.",
			InputSchema: schema(`{"type":"object","required":["destination","check_in","check_out"],"properties":{"destination":{"type":"string","minLength":1},"check_in":{"type":"string"},"check_out":{"type":"string"},"guests":{"type":"integer","minimum":1}}}`),
			CostClass:   CostExpensive,
			Timeout:     15 * time.Second,
			Execute:     demoStaySearch,
		},
		{
			Name:        "accommodations.get_availability",
			Description: "Check live availability for a specific stay listing.",
			InputSchema: schema(`{"type":"object","required":["listing_id"],"properties":{"listing_id":{"type":"string","minLength":1}}}`),
			CostClass:   CostStandard,
			Timeout:     10 * time.Second,
			Execute:     demoStayAvailability,
		},
		{
			Name:        "itinerary.propose_day_plan",
			Description: "Propose an ordered day plan from a set of candidate activities.",
			InputSchema: schema(`{"type":"object","required":["destination","day"],"properties":{"destination":{"type":"string"},"day":{"type":"integer","minimum":1}}}`),
			CostClass:   CostStandard,
			Timeout:     10 * time.Second,
			Execute:     demoDayPlan,
		},
		{
			Name:        "itinerary.check_conflicts",
			Description: "Check a proposed itinerary for time or booking conflicts.",
			InputSchema: schema(`{"type":"object","required":["items"],"properties":{"items":{"type":"array"}}}`),
			CostClass:   CostCheap,
			Timeout:     5 * time.Second,
			Execute:     demoCheckConflicts,
		},
		{
			Name:        "budget.estimate_costs",
			Description: "Estimate a total trip cost from component line items.",
			InputSchema: schema(`{"type":"object","required":["items"],"properties":{"items":{"type":"array"}}}`),
			CostClass:   CostCheap,
			Timeout:     5 * time.Second,
			Execute:     demoEstimateCosts,
		},
		{
			Name:        "budget.convert_currency",
			Description: "Convert an amount between two ISO-4217 currency codes.",
			InputSchema: schema(`{"type":"object","required":["amount","from","to"],"properties":{"amount":{"type":"number"},"from":{"type":"string","minLength":3,"maxLength":3},"to":{"type":"string","minLength":3,"maxLength":3}}}`),
			CostClass:   CostCheap,
			Timeout:     5 * time.Second,
			Execute:     demoConvertCurrency,
		},
		{
			Name:        "memory.upsert_preference",
			Description: "Record or update a durable traveler preference.",
			InputSchema: schema(`{"type":"object","required":["key","value"],"properties":{"key":{"type":"string","minLength":1},"value":{}}}`),
			CostClass:   CostCheap,
			Timeout:     5 * time.Second,
			Execute:     demoUpsertPreference,
		},
		{
			Name:        "memory.forget_preference",
			Description: "Remove a previously recorded traveler preference.",
			InputSchema: schema(`{"type":"object","required":["key"],"properties":{"key":{"type":"string","minLength":1}}}`),
			CostClass:   CostCheap,
			Timeout:     5 * time.Second,
			Execute:     demoForgetPreference,
		},
	}
}

func schema(src string) []byte { return []byte(src) }

func decodeInput[T any](input json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(input, &v); err != nil {
		return v, fmt.Errorf("tools: decode input: %w", err)
	}
	return v, nil
}

func demoDestinationsSearch(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		Query string `json:"query"`
	}](input)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"results": []map[string]any{
			{"name": req.Query + " City", "country": "Unknown", "match_score": 0.91},
		},
	}, nil
}

func demoDestinationWeather(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		Destination string `json:"destination"`
	}](input)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"destination": req.Destination,
		"summary":     "mild and dry for most of the year",
		"avg_high_c":  22,
	}, nil
}

func demoDestinationEvents(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		Destination string `json:"destination"`
	}](input)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"destination": req.Destination,
		"events":      []string{"annual food festival", "weekend night market"},
	}, nil
}

func demoFlightSearch(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		Origin      string `json:"origin"`
		Destination string `json:"destination"`
		DepartDate  string `json:"depart_date"`
	}](input)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"flights": []map[string]any{
			{
				"fare_id":      req.Origin + "-" + req.Destination + "-1",
				"origin":       req.Origin,
				"destination":  req.Destination,
				"depart_date":  req.DepartDate,
				"price_usd":    412.00,
				"cabin":        "economy",
				"stops":        0,
			},
		},
	}, nil
}

func demoFareRules(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		FareID string `json:"fare_id"`
	}](input)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"fare_id":      req.FareID,
		"refundable":   false,
		"change_fee_usd": 75.00,
	}, nil
}

func demoStaySearch(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		Destination string `json:"destination"`
		CheckIn     string `json:"check_in"`
		CheckOut    string `json:"check_out"`
	}](input)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stays": []map[string]any{
			{
				"listing_id":  req.Destination + "-stay-1",
				"name":        "Central Quarter Apartment",
				"check_in":    req.CheckIn,
				"check_out":   req.CheckOut,
				"price_usd_per_night": 145.00,
			},
		},
	}, nil
}

func demoStayAvailability(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		ListingID string `json:"listing_id"`
	}](input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"listing_id": req.ListingID, "available": true}, nil
}

func demoDayPlan(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		Destination string `json:"destination"`
		Day         int    `json:"day"`
	}](input)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"destination": req.Destination,
		"day":         req.Day,
		"items": []string{
			"morning: neighborhood walking tour",
			"afternoon: local museum",
			"evening: waterfront dinner",
		},
	}, nil
}

func demoCheckConflicts(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"conflicts": []string{}}, nil
}

func demoEstimateCosts(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		Items []map[string]any `json:"items"`
	}](input)
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, item := range req.Items {
		if v, ok := item["price_usd"].(float64); ok {
			total += v
		}
	}
	return map[string]any{"total_usd": total, "line_items": len(req.Items)}, nil
}

func demoConvertCurrency(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		Amount float64 `json:"amount"`
		From   string  `json:"from"`
		To     string  `json:"to"`
	}](input)
	if err != nil {
		return nil, err
	}
	if req.From == req.To {
		return map[string]any{"amount": req.Amount, "currency": req.To}, nil
	}
	// Demo-only: every currency pair converts at a fixed rate of 1.0; a
	// production deployment would call a real FX rate source through this
	// same Execute function.
	const demoUSDRate = 1.0
	return map[string]any{"amount": req.Amount * demoUSDRate, "currency": req.To}, nil
}

func demoUpsertPreference(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}](input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": req.Key, "stored": true, "value": req.Value}, nil
}

func demoForgetPreference(_ context.Context, input json.RawMessage) (any, error) {
	req, err := decodeInput[struct {
		Key string `json:"key"`
	}](input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": req.Key, "removed": true}, nil
}
