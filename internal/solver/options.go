package solver

import "fmt"

// Options is the backend-specific option bag, passed through opaquely from
// the problem builder. Unknown keys are rejected by each backend so typos
// fail loudly instead of silently using a default.
type Options map[string]any

func (o Options) float(key string, def float64) (float64, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	}
	return 0, fmt.Errorf("solver: option %q: expected number, got %T", key, v)
}

func (o Options) integer(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		return int(t), nil
	}
	return 0, fmt.Errorf("solver: option %q: expected integer, got %T", key, v)
}

func (o Options) check(known ...string) error {
	for key := range o {
		found := false
		for _, k := range known {
			if key == k {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("solver: unknown option %q", key)
		}
	}
	return nil
}
