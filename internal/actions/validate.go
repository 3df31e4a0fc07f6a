package actions

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// Validate checks req's parameters before dispatch. It returns an *Error of
// kind ErrInvalidParameters describing the first problem found.
func Validate(req Request) error {
	s, ok := specs[req.Kind]
	if !ok {
		return invalid(req.Kind, "unknown action %q", req.Kind)
	}
	if s.validate == nil {
		return nil
	}
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := s.validate(params); err != nil {
		return invalid(req.Kind, "%s", err.Error())
	}
	return nil
}

var errMissing = errors.New("is required")

func validateMoveMouse(p map[string]any) error {
	return requirePoint(p, "coordinates")
}

func validateTraceMouse(p map[string]any) error {
	if err := requirePath(p, 1); err != nil {
		return err
	}
	return optionalStrings(p, "holdKeys")
}

func validateClickMouse(p map[string]any) error {
	if err := optionalPoint(p, "coordinates"); err != nil {
		return err
	}
	if err := optionalEnum(p, "button", Buttons); err != nil {
		return err
	}
	if err := optionalCount(p, "clickCount"); err != nil {
		return err
	}
	return optionalStrings(p, "holdKeys")
}

func validatePressMouse(p map[string]any) error {
	if err := optionalPoint(p, "coordinates"); err != nil {
		return err
	}
	if err := optionalEnum(p, "button", Buttons); err != nil {
		return err
	}
	return requireEnum(p, "press", PressStates)
}

func validateDragMouse(p map[string]any) error {
	if err := requirePath(p, 2); err != nil {
		return err
	}
	if err := optionalEnum(p, "button", Buttons); err != nil {
		return err
	}
	return optionalStrings(p, "holdKeys")
}

func validateScroll(p map[string]any) error {
	if err := optionalPoint(p, "coordinates"); err != nil {
		return err
	}
	if err := requireEnum(p, "direction", Directions); err != nil {
		return err
	}
	if err := optionalCount(p, "scrollCount"); err != nil {
		return err
	}
	return optionalStrings(p, "holdKeys")
}

func validateTypeKeys(p map[string]any) error {
	if err := requireKeys(p); err != nil {
		return err
	}
	return optionalNonNegative(p, "delay")
}

func validatePressKeys(p map[string]any) error {
	if err := requireKeys(p); err != nil {
		return err
	}
	return requireEnum(p, "press", PressStates)
}

func validateText(p map[string]any) error {
	v, ok := p["text"]
	if !ok || v == nil {
		return fmt.Errorf("text %w", errMissing)
	}
	if _, ok := v.(string); !ok {
		return fmt.Errorf("text must be a string")
	}
	if err := optionalNonNegative(p, "delay"); err != nil {
		return err
	}
	if v, ok := p["sensitive"]; ok && v != nil {
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("sensitive must be a boolean")
		}
	}
	return nil
}

func validateWait(p map[string]any) error {
	v, ok := p["duration"]
	if !ok || v == nil {
		return fmt.Errorf("duration %w", errMissing)
	}
	d, ok := toInt(v)
	if !ok {
		return fmt.Errorf("duration must be an integer number of milliseconds")
	}
	if d <= 0 || d > MaxWait {
		return fmt.Errorf("duration must be between 1 and %d ms, got %d", MaxWait, d)
	}
	return nil
}

func validateApplication(p map[string]any) error {
	return requireEnum(p, "application", Applications)
}

func validatePath(p map[string]any) error {
	s, _ := p["path"].(string)
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("path must be a non-empty string")
	}
	return nil
}

func validateWriteFile(p map[string]any) error {
	if err := validatePath(p); err != nil {
		return err
	}
	data, ok := p["data"].(string)
	if !ok {
		return fmt.Errorf("data %w", errMissing)
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return fmt.Errorf("data must be valid base64: %v", err)
	}
	return nil
}

// --- helpers ---

func requirePoint(p map[string]any, key string) error {
	v, ok := p[key]
	if !ok || v == nil {
		return fmt.Errorf("%s %w", key, errMissing)
	}
	return checkPoint(key, v)
}

func optionalPoint(p map[string]any, key string) error {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	return checkPoint(key, v)
}

func checkPoint(key string, v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%s must be an object with x and y", key)
	}
	for _, axis := range []string{"x", "y"} {
		n, ok := toInt(m[axis])
		if !ok {
			return fmt.Errorf("%s.%s must be an integer", key, axis)
		}
		if n < 0 {
			return fmt.Errorf("%s.%s must be non-negative, got %d", key, axis, n)
		}
	}
	return nil
}

func requirePath(p map[string]any, minPoints int) error {
	raw, ok := p["path"].([]any)
	if !ok {
		return fmt.Errorf("path must be an array of points")
	}
	if len(raw) < minPoints {
		return fmt.Errorf("path needs at least %d points, got %d", minPoints, len(raw))
	}
	for i, pt := range raw {
		if err := checkPoint(fmt.Sprintf("path[%d]", i), pt); err != nil {
			return err
		}
	}
	return nil
}

func requireEnum(p map[string]any, key string, allowed []string) error {
	v, ok := p[key]
	if !ok || v == nil {
		return fmt.Errorf("%s %w", key, errMissing)
	}
	return checkEnum(key, v, allowed)
}

func optionalEnum(p map[string]any, key string, allowed []string) error {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	return checkEnum(key, v, allowed)
}

func checkEnum(key string, v any, allowed []string) error {
	s, ok := v.(string)
	if !ok || !slices.Contains(allowed, s) {
		return fmt.Errorf("%s must be one of %s, got %v", key, strings.Join(allowed, ", "), v)
	}
	return nil
}

func optionalCount(p map[string]any, key string) error {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	n, ok := toInt(v)
	if !ok || n < 1 {
		return fmt.Errorf("%s must be an integer >= 1, got %v", key, v)
	}
	return nil
}

func optionalNonNegative(p map[string]any, key string) error {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	n, ok := toInt(v)
	if !ok || n < 0 {
		return fmt.Errorf("%s must be a non-negative integer, got %v", key, v)
	}
	return nil
}

func requireKeys(p map[string]any) error {
	raw, ok := p["keys"].([]any)
	if !ok || len(raw) == 0 {
		return fmt.Errorf("keys must be a non-empty array of strings")
	}
	return optionalStrings(p, "keys")
}

func optionalStrings(p map[string]any, key string) error {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return fmt.Errorf("%s must be an array of strings", key)
	}
	for i, item := range raw {
		if s, ok := item.(string); !ok || s == "" {
			return fmt.Errorf("%s[%d] must be a non-empty string", key, i)
		}
	}
	return nil
}

// toInt accepts the numeric shapes produced by encoding/json and Go literals.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
