package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/iotix/device-engine/internal/generator"
)

// idPattern constrains model ids: lowercase alphanumeric with
// hyphens, starting with a letter. Device and group ids are
// caller-chosen; only collisions are rejected.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// validModelTypes and friends are membership sets for spec validation.
var (
	validModelTypes = map[ModelType]bool{
		TypeSensor:   true,
		TypeGateway:  true,
		TypeActuator: true,
		TypeCustom:   true,
		TypeProxy:    true,
	}
	validProtocols = map[Protocol]bool{
		ProtocolMQTT: true,
		ProtocolCoAP: true,
		ProtocolHTTP: true,
	}
	validDataTypes = map[string]bool{
		DataNumber:  true,
		DataInteger: true,
		DataBoolean: true,
		DataString:  true,
		DataBinary:  true,
	}
	validGeneratorTypes = map[string]bool{
		generator.TypeRandom:   true,
		generator.TypeSequence: true,
		generator.TypeConstant: true,
		generator.TypeReplay:   true,
		generator.TypeCustom:   true,
	}
	validDistributions = map[string]bool{
		"":                       true,
		generator.DistUniform:     true,
		generator.DistNormal:      true,
		generator.DistExponential: true,
	}
)

// ValidateModel checks a model spec against the registration
// invariants. All breaches are collected so the caller sees the full
// list in one round trip.
func ValidateModel(m *Model) error {
	var problems []string

	if !idPattern.MatchString(m.ID) {
		problems = append(problems, fmt.Sprintf("id %q must match %s", m.ID, idPattern.String()))
	}
	if m.Name == "" {
		problems = append(problems, "name is required")
	}
	if !validModelTypes[m.Type] {
		problems = append(problems, fmt.Sprintf("type %q is not one of sensor/gateway/actuator/custom/proxy", m.Type))
	}
	if !validProtocols[m.Protocol] {
		problems = append(problems, fmt.Sprintf("protocol %q is not one of mqtt/coap/http", m.Protocol))
	}

	problems = append(problems, validateConnection(m)...)

	if m.Type == TypeProxy {
		if len(m.Telemetry) > 0 {
			problems = append(problems, "proxy models must not declare telemetry attributes")
		}
		if m.Protocol == ProtocolCoAP {
			problems = append(problems, "proxy models support mqtt or http only")
		}
	}

	seen := make(map[string]bool, len(m.Telemetry))
	for i := range m.Telemetry {
		attr := &m.Telemetry[i]
		prefix := fmt.Sprintf("telemetry[%d] (%s)", i, attr.Name)

		if attr.Name == "" {
			problems = append(problems, fmt.Sprintf("telemetry[%d]: name is required", i))
		} else if seen[attr.Name] {
			problems = append(problems, fmt.Sprintf("%s: duplicate attribute name", prefix))
		}
		seen[attr.Name] = true

		if !validDataTypes[attr.DataType] {
			problems = append(problems, fmt.Sprintf("%s: dataType %q is not one of number/integer/boolean/string/binary", prefix, attr.DataType))
		}
		if attr.IntervalMs < 1 {
			problems = append(problems, fmt.Sprintf("%s: intervalMs must be >= 1", prefix))
		}
		problems = append(problems, validateGenerator(prefix, attr.Generator)...)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// validateConnection checks the protocol-specific connection subset.
func validateConnection(m *Model) []string {
	var problems []string
	c := &m.Connection

	if c.Port != 0 && (c.Port < 1 || c.Port > 65535) {
		problems = append(problems, fmt.Sprintf("connection: port %d out of range 1-65535", c.Port))
	}

	switch m.Protocol {
	case ProtocolMQTT:
		if c.QoS < 0 || c.QoS > 2 {
			problems = append(problems, fmt.Sprintf("connection: qos %d out of range 0-2", c.QoS))
		}
		if c.KeepAlive < 0 {
			problems = append(problems, "connection: keepAlive must be >= 0")
		}
	case ProtocolCoAP:
		if m.Type != TypeProxy && c.ResourcePath == "" && c.TopicPattern == "" {
			problems = append(problems, "connection: coap models need a resourcePath or topicPattern")
		}
	case ProtocolHTTP:
		if m.Type != TypeProxy && c.BaseURL == "" {
			problems = append(problems, "connection: http models need a baseUrl")
		}
	}
	return problems
}

// validateGenerator checks one generator spec against its variant.
func validateGenerator(prefix string, g generator.Config) []string {
	var problems []string

	if !validGeneratorTypes[g.Type] {
		problems = append(problems, fmt.Sprintf("%s: generator type %q is not one of random/sequence/constant/replay/custom", prefix, g.Type))
		return problems
	}

	switch g.Type {
	case generator.TypeRandom:
		if !validDistributions[g.Distribution] {
			problems = append(problems, fmt.Sprintf("%s: distribution %q is not one of uniform/normal/exponential", prefix, g.Distribution))
		}
		if g.Min != nil && g.Max != nil && *g.Min > *g.Max {
			problems = append(problems, fmt.Sprintf("%s: min %v exceeds max %v", prefix, *g.Min, *g.Max))
		}
		if g.Stddev != nil && *g.Stddev < 0 {
			problems = append(problems, fmt.Sprintf("%s: stddev must be >= 0", prefix))
		}
		if g.Rate != nil && *g.Rate <= 0 {
			problems = append(problems, fmt.Sprintf("%s: rate must be > 0", prefix))
		}
		if g.Precision != nil && (*g.Precision < 0 || *g.Precision > 10) {
			problems = append(problems, fmt.Sprintf("%s: precision out of range 0-10", prefix))
		}
	case generator.TypeSequence:
		if g.Wrap && (g.Min == nil || g.Max == nil) {
			problems = append(problems, fmt.Sprintf("%s: wrap requires both min and max", prefix))
		}
	case generator.TypeConstant:
		if g.Value == nil {
			problems = append(problems, fmt.Sprintf("%s: constant generator needs a value", prefix))
		}
	case generator.TypeReplay:
		if g.DataFile == "" {
			problems = append(problems, fmt.Sprintf("%s: replay generator needs a dataFile", prefix))
		}
		if g.Column == "" {
			problems = append(problems, fmt.Sprintf("%s: replay generator needs a column", prefix))
		}
	case generator.TypeCustom:
		if g.Handler == "" {
			problems = append(problems, fmt.Sprintf("%s: custom generator needs a handler", prefix))
		}
	}
	return problems
}

// ValidateBinding checks a proxy binding request.
func ValidateBinding(b *BindingConfig) error {
	var problems []string

	switch b.Protocol {
	case ProtocolMQTT:
		if b.Broker == "" {
			problems = append(problems, "broker is required for mqtt bindings")
		}
		if b.Port < 1 || b.Port > 65535 {
			problems = append(problems, fmt.Sprintf("port %d out of range 1-65535", b.Port))
		}
		if b.Topic == "" {
			problems = append(problems, "topic is required for mqtt bindings")
		}
		if b.QoS < 0 || b.QoS > 2 {
			problems = append(problems, fmt.Sprintf("qos %d out of range 0-2", b.QoS))
		}
	case ProtocolHTTP:
		// Webhook path is server-assigned; nothing to validate.
	default:
		problems = append(problems, fmt.Sprintf("protocol %q is not one of mqtt/http", b.Protocol))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateLaunch checks and normalizes a launch config in place,
// applying defaults.
func ValidateLaunch(cfg *LaunchConfig) error {
	if cfg.Strategy == "" {
		cfg.Strategy = LaunchImmediate
	}
	switch cfg.Strategy {
	case LaunchImmediate, LaunchLinear, LaunchBatch, LaunchExponential:
	default:
		return fmt.Errorf("%w: launch strategy %q is not one of immediate/linear/batch/exponential", ErrValidation, cfg.Strategy)
	}
	if cfg.DelayMs < 0 {
		return fmt.Errorf("%w: delayMs must be >= 0", ErrValidation)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxDelayMs <= 0 {
		cfg.MaxDelayMs = 60000
	}
	if cfg.ExponentBase <= 0 {
		cfg.ExponentBase = 1.5
	}
	return nil
}

// ValidateDropout checks and normalizes a dropout config in place.
func ValidateDropout(cfg *DropoutConfig) error {
	if cfg.Count < 0 {
		return fmt.Errorf("%w: count must be >= 0", ErrValidation)
	}
	if cfg.Percentage < 0 || cfg.Percentage > 100 {
		return fmt.Errorf("%w: percentage must be within 0-100", ErrValidation)
	}
	if cfg.Count == 0 && cfg.Percentage == 0 {
		return fmt.Errorf("%w: one of count or percentage is required", ErrValidation)
	}
	if cfg.Count > 0 && cfg.Percentage > 0 {
		return fmt.Errorf("%w: count and percentage are mutually exclusive", ErrValidation)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = DropoutImmediate
	}
	switch cfg.Strategy {
	case DropoutImmediate, DropoutLinear, DropoutExponential, DropoutRandom:
	default:
		return fmt.Errorf("%w: dropout strategy %q is not one of immediate/linear/exponential/random", ErrValidation, cfg.Strategy)
	}
	if cfg.DurationMs < 0 {
		return fmt.Errorf("%w: durationMs must be >= 0", ErrValidation)
	}
	if cfg.DelayMs < 0 {
		return fmt.Errorf("%w: delayMs must be >= 0", ErrValidation)
	}
	if cfg.ExponentBase <= 0 {
		cfg.ExponentBase = 1.5
	}
	if cfg.Reconnect && cfg.ReconnectDelayMs <= 0 {
		cfg.ReconnectDelayMs = 1000
	}
	return nil
}
