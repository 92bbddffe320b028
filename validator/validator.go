package validator

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/siteflux/ingest/datapoint"
	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/pkg/timestamp"
)

// ResultKind classifies the outcome of validating one signal. The first
// failing step of the null → coercion → range → rules pipeline determines
// the kind.
type ResultKind string

const (
	ResultValid           ResultKind = "valid"
	ResultUnknownSignal   ResultKind = "unknown_signal"
	ResultNullNotAllowed  ResultKind = "null_not_allowed"
	ResultTypeMismatch    ResultKind = "type_mismatch"
	ResultOutOfRange      ResultKind = "out_of_range"
	ResultRuleViolation   ResultKind = "rule_violation"
	ResultMissingRequired ResultKind = "missing_required"
)

// SignalResult is the outcome for one signal of one data point.
type SignalResult struct {
	Code    string     `json:"code"`
	Kind    ResultKind `json:"kind"`
	Value   any        `json:"value,omitempty"` // coerced value when valid
	Message string     `json:"message,omitempty"`
}

// PointResult is the outcome of validating one data point against one
// category schema.
type PointResult struct {
	AssetCode      string                  `json:"asset_code"`
	CategoryCode   string                  `json:"category_code"`
	Valid          bool                    `json:"valid"`
	ValidSignals   map[string]any          `json:"valid_signals"`
	InvalidSignals []string                `json:"invalid_signals"`
	SignalResults  map[string]SignalResult `json:"signal_results"`
	Errors         []string                `json:"errors,omitempty"` // point-level errors
}

// CustomFunc is a named validator registered via RegisterValidator. It
// receives the coerced value and returns a reason string when the value is
// rejected.
type CustomFunc func(value any) error

// Validator validates data points against category signal schemas.
//
// Schemas are immutable after construction. Custom validators may be
// registered at any time; registration is guarded, lookups take the read
// lock only.
type Validator struct {
	schemas map[string]*CategorySchema
	strict  bool
	logger  *slog.Logger

	mu     sync.RWMutex
	custom map[string]CustomFunc
}

// Option configures a Validator.
type Option func(*Validator)

// WithStrictMode rejects signals that have no definition instead of passing
// them through.
func WithStrictMode() Option {
	return func(v *Validator) { v.strict = true }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

// New creates a validator over the given category schemas.
func New(schemas map[string]*CategorySchema, opts ...Option) *Validator {
	v := &Validator{
		schemas: schemas,
		custom:  make(map[string]CustomFunc),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default().With("component", "validator")
	}
	return v
}

// RegisterValidator registers a named custom validation function referenced
// by signal definitions through validation_rules.custom.
func (v *Validator) RegisterValidator(name string, fn CustomFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.custom[name] = fn
}

// Categories returns the known category codes.
func (v *Validator) Categories() []string {
	out := make([]string, 0, len(v.schemas))
	for code := range v.schemas {
		out = append(out, code)
	}
	return out
}

// Validate checks every signal of a data point against the category schema.
// Invalid signals never abort the point: valid signals remain usable, which
// is what keeps a single bad channel from blinding the whole asset.
func (v *Validator) Validate(dp *datapoint.DataPoint, categoryCode string) (*PointResult, error) {
	schema, ok := v.schemas[categoryCode]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no signal definitions for category %q", categoryCode),
			"validator", "Validate", "category lookup")
	}

	result := &PointResult{
		AssetCode:     dp.AssetCode,
		CategoryCode:  categoryCode,
		ValidSignals:  make(map[string]any),
		SignalResults: make(map[string]SignalResult),
	}

	for code, value := range dp.Signals {
		def, known := schema.Lookup(code)
		if !known {
			if v.strict {
				result.SignalResults[code] = SignalResult{
					Code: code, Kind: ResultUnknownSignal,
					Message: "signal not defined for category",
				}
				result.InvalidSignals = append(result.InvalidSignals, code)
			} else {
				// Pass-through: kept, but not coerced.
				result.SignalResults[code] = SignalResult{Code: code, Kind: ResultValid, Value: value}
				result.ValidSignals[code] = value
			}
			continue
		}

		sr := v.validateSignal(def, value)
		result.SignalResults[code] = sr
		if sr.Kind == ResultValid {
			result.ValidSignals[code] = sr.Value
		} else {
			result.InvalidSignals = append(result.InvalidSignals, code)
		}
	}

	// Required signals missing from the payload are a point-level error.
	for i := range schema.Signals {
		def := &schema.Signals[i]
		if !def.Required {
			continue
		}
		if _, present := dp.Signals[def.Code]; !present {
			result.Errors = append(result.Errors,
				fmt.Sprintf("required signal %q missing", def.Code))
		}
	}

	result.Valid = len(result.InvalidSignals) == 0 && len(result.Errors) == 0
	return result, nil
}

// ValidateBatch validates a batch of points for one category, preserving
// order. Errors on individual points (unknown category aside) cannot occur;
// the single-point contract does all the work.
func (v *Validator) ValidateBatch(points []*datapoint.DataPoint, categoryCode string) ([]*PointResult, error) {
	out := make([]*PointResult, 0, len(points))
	for _, dp := range points {
		r, err := v.Validate(dp, categoryCode)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// validateSignal runs the per-signal pipeline: null handling, coercion,
// range check, rule check.
func (v *Validator) validateSignal(def *SignalDefinition, value any) SignalResult {
	sr := SignalResult{Code: def.Code}

	// (a) null handling
	if value == nil {
		if !def.AllowNull {
			sr.Kind = ResultNullNotAllowed
			sr.Message = "null value not allowed"
			return sr
		}
		if def.DefaultValue != nil {
			value = def.DefaultValue
		} else {
			sr.Kind = ResultValid
			return sr
		}
	}

	// (b) type coercion
	coerced, err := Coerce(value, def.DataType)
	if err != nil {
		sr.Kind = ResultTypeMismatch
		sr.Message = err.Error()
		return sr
	}

	// (c) range check; non-numeric values skip it
	if def.ValueRange != nil {
		if num, isNum := asFloat(coerced); isNum {
			if def.ValueRange.Min != nil && num < *def.ValueRange.Min {
				sr.Kind = ResultOutOfRange
				sr.Message = fmt.Sprintf("value %v below minimum %v", num, *def.ValueRange.Min)
				return sr
			}
			if def.ValueRange.Max != nil && num > *def.ValueRange.Max {
				sr.Kind = ResultOutOfRange
				sr.Message = fmt.Sprintf("value %v above maximum %v", num, *def.ValueRange.Max)
				return sr
			}
		}
	}

	// (d) rule check
	if def.Rules != nil {
		if msg := v.checkRules(def.Rules, coerced); msg != "" {
			sr.Kind = ResultRuleViolation
			sr.Message = msg
			return sr
		}
	}

	sr.Kind = ResultValid
	sr.Value = coerced
	return sr
}

func (v *Validator) checkRules(rules *Rules, value any) string {
	if rules.Pattern != "" {
		re, err := regexp.Compile(rules.Pattern)
		if err != nil {
			return fmt.Sprintf("invalid pattern %q: %v", rules.Pattern, err)
		}
		if !re.MatchString(fmt.Sprintf("%v", value)) {
			return fmt.Sprintf("value %v does not match pattern %q", value, rules.Pattern)
		}
	}

	if len(rules.Enum) > 0 {
		found := false
		for _, allowed := range rules.Enum {
			if enumEqual(value, allowed) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("value %v not in enum", value)
		}
	}

	if rules.Custom != "" {
		v.mu.RLock()
		fn, ok := v.custom[rules.Custom]
		v.mu.RUnlock()
		if !ok {
			return fmt.Sprintf("custom validator %q not registered", rules.Custom)
		}
		if err := fn(value); err != nil {
			return err.Error()
		}
	}

	return ""
}

// enumEqual compares a coerced value with an enum member, tolerating the
// int/float64 mixing JSON decoding produces.
func enumEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// truthyStrings and falsyStrings are the accepted boolean spellings,
// case-insensitive.
var (
	truthyStrings = map[string]struct{}{"true": {}, "1": {}, "yes": {}, "on": {}}
	falsyStrings  = map[string]struct{}{"false": {}, "0": {}, "no": {}, "off": {}}
)

// Coerce converts a raw signal value to the declared data type. It accepts
// the loose typing of field payloads: numeric strings, numeric booleans,
// epoch or ISO timestamps.
func Coerce(value any, dt DataType) (any, error) {
	switch dt {
	case TypeInt:
		f, ok := asFloat(value)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %T to int", value)
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("value %v is not an integer", f)
		}
		return int64(f), nil

	case TypeFloat:
		f, ok := asFloat(value)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %T to float", value)
		}
		return f, nil

	case TypeBool:
		switch b := value.(type) {
		case bool:
			return b, nil
		case string:
			lower := strings.ToLower(strings.TrimSpace(b))
			if _, ok := truthyStrings[lower]; ok {
				return true, nil
			}
			if _, ok := falsyStrings[lower]; ok {
				return false, nil
			}
			return nil, fmt.Errorf("cannot coerce %q to bool", b)
		default:
			if f, ok := asFloat(value); ok {
				return f != 0, nil
			}
			return nil, fmt.Errorf("cannot coerce %T to bool", value)
		}

	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil

	case TypeTimestamp:
		if t, ok := value.(time.Time); ok {
			return t, nil
		}
		ms := timestamp.Parse(value)
		if ms == 0 {
			return nil, fmt.Errorf("cannot coerce %v to timestamp", value)
		}
		return timestamp.ToTime(ms), nil

	default:
		return nil, fmt.Errorf("unknown data type %q", dt)
	}
}

// asFloat extracts a float64 from numeric values and numeric strings.
func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
