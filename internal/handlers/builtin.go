package handlers

import (
	"context"
	"fmt"
)

// RegisterBuiltins wires the reference handlers named in spec.md §8's
// end-to-end scenarios: sum and subtract. Adapted from
// original_source/bot/plugins/{sum,subtract}.py — same payload shape,
// same result shape, reimplemented as plain Go functions instead of a
// decorator-registered module.
func RegisterBuiltins(r *Registry) {
	r.Register("sum", Sum)
	r.Register("subtract", Subtract)
}

// Sum adds payload fields "a" and "b".
func Sum(_ context.Context, job Job) (map[string]any, error) {
	a, b, err := numericOperands(job)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": a + b}, nil
}

// Subtract subtracts payload field "b" from "a".
func Subtract(_ context.Context, job Job) (map[string]any, error) {
	a, b, err := numericOperands(job)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": a - b}, nil
}

// numericOperands extracts "a" and "b" from the payload as float64 —
// job payloads decode from JSON, so numbers always arrive as float64.
func numericOperands(job Job) (float64, float64, error) {
	a, err := numericField(job.Payload, "a")
	if err != nil {
		return 0, 0, err
	}
	b, err := numericField(job.Payload, "b")
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func numericField(payload map[string]any, key string) (float64, error) {
	raw, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("payload missing field %q", key)
	}
	n, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("payload field %q is not a number: %v", key, raw)
	}
	return n, nil
}
