package agent

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"Chorus-Network/internal/dispatch"
)

// SkillFunc is the work behind a skill. Returning an error fails the job with
// EXECUTION_ERROR.
type SkillFunc func(ctx context.Context, input dispatch.Payload) (dispatch.Payload, error)

// Echo returns its input unchanged under "echo".
func Echo(_ context.Context, input dispatch.Payload) (dispatch.Payload, error) {
	return dispatch.Payload{"echo": map[string]any(input.Clone())}, nil
}

// AnalyzeText extracts the integers mentioned in input["text"].
func AnalyzeText(_ context.Context, input dispatch.Payload) (dispatch.Payload, error) {
	text, _ := input["text"].(string)
	numbers := make([]any, 0)
	for _, word := range strings.Fields(strings.ReplaceAll(text, ",", "")) {
		cleaned := strings.Trim(word, "$€£.;:")
		if cleaned == "" || strings.IndexFunc(cleaned, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0 {
			continue
		}
		n, err := strconv.ParseInt(cleaned, 10, 64)
		if err != nil {
			continue
		}
		numbers = append(numbers, float64(n))
	}
	primary := 0.0
	if len(numbers) > 0 {
		primary = numbers[0].(float64)
	}
	source := text
	if r := []rune(source); len(r) > 100 {
		source = string(r[:100])
	}
	return dispatch.Payload{
		"primary_number": primary,
		"all_numbers":    numbers,
		"source_text":    source,
	}, nil
}

// Calculate applies input["operation"] (double, square or projection) to
// input["primary_number"], falling back to input["number"].
func Calculate(_ context.Context, input dispatch.Payload) (dispatch.Payload, error) {
	number, ok := numberField(input, "primary_number")
	if !ok {
		number, _ = numberField(input, "number")
	}
	op, _ := input["operation"].(string)
	if op == "" {
		op = "double"
	}
	switch op {
	case "double":
		return dispatch.Payload{"result": number * 2}, nil
	case "square":
		return dispatch.Payload{"result": number * number}, nil
	case "projection":
		rate, ok := numberField(input, "growth_rate")
		if !ok {
			rate = 0.15
		}
		periods, ok := numberField(input, "periods")
		if !ok {
			periods = 4
		}
		projected := number * math.Pow(1+rate, periods)
		return dispatch.Payload{
			"original":  number,
			"projected": math.Round(projected*100) / 100,
			"rate":      rate,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported operation %q", op)
	}
}

// BuiltinSkills maps skill names to the demo implementations.
var BuiltinSkills = map[string]SkillFunc{
	"echo":         Echo,
	"analyze_text": AnalyzeText,
	"calculate":    Calculate,
}

func numberField(p dispatch.Payload, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
