package device

import (
	"errors"
	"testing"

	"github.com/iotix/device-engine/internal/generator"
)

func f64(v float64) *float64 { return &v }

// validModel returns a minimal valid MQTT sensor model.
func validModel() *Model {
	return &Model{
		ID:       "env-sensor",
		Name:     "Environment Sensor",
		Version:  "1.0.0",
		Type:     TypeSensor,
		Protocol: ProtocolMQTT,
		Connection: ConnectionSpec{
			Host: "broker.local",
			Port: 1883,
			QoS:  1,
		},
		Telemetry: []AttributeSpec{
			{
				Name:       "temperature",
				DataType:   DataNumber,
				Unit:       "celsius",
				Generator:  generator.Config{Type: generator.TypeRandom, Min: f64(18), Max: f64(28)},
				IntervalMs: 1000,
			},
		},
	}
}

// ==== Model Validation ====

func TestValidateModel(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Model)
		wantErr bool
	}{
		{"valid", func(*Model) {}, false},
		{"bad id uppercase", func(m *Model) { m.ID = "EnvSensor" }, true},
		{"bad id leading digit", func(m *Model) { m.ID = "1sensor" }, true},
		{"missing name", func(m *Model) { m.Name = "" }, true},
		{"bad type", func(m *Model) { m.Type = "robot" }, true},
		{"bad protocol", func(m *Model) { m.Protocol = "amqp" }, true},
		{"port too high", func(m *Model) { m.Connection.Port = 70000 }, true},
		{"qos out of range", func(m *Model) { m.Connection.QoS = 3 }, true},
		{"interval zero", func(m *Model) { m.Telemetry[0].IntervalMs = 0 }, true},
		{"bad data type", func(m *Model) { m.Telemetry[0].DataType = "decimal" }, true},
		{"duplicate attribute", func(m *Model) {
			m.Telemetry = append(m.Telemetry, m.Telemetry[0])
		}, true},
		{"bad generator type", func(m *Model) { m.Telemetry[0].Generator.Type = "chaos" }, true},
		{"min above max", func(m *Model) {
			m.Telemetry[0].Generator.Min = f64(30)
			m.Telemetry[0].Generator.Max = f64(20)
		}, true},
		{"replay without file", func(m *Model) {
			m.Telemetry[0].Generator = generator.Config{Type: generator.TypeReplay, Column: "v"}
		}, true},
		{"custom without handler", func(m *Model) {
			m.Telemetry[0].Generator = generator.Config{Type: generator.TypeCustom}
		}, true},
		{"constant without value", func(m *Model) {
			m.Telemetry[0].Generator = generator.Config{Type: generator.TypeConstant}
		}, true},
		{"sequence wrap without bounds", func(m *Model) {
			m.Telemetry[0].Generator = generator.Config{Type: generator.TypeSequence, Wrap: true}
		}, true},
		{"proxy with telemetry", func(m *Model) { m.Type = TypeProxy }, true},
		{"proxy over coap", func(m *Model) {
			m.Type = TypeProxy
			m.Protocol = ProtocolCoAP
			m.Telemetry = nil
			m.Connection.ResourcePath = "/t"
		}, true},
		{"proxy valid", func(m *Model) {
			m.Type = TypeProxy
			m.Telemetry = nil
		}, false},
		{"http without baseUrl", func(m *Model) {
			m.Protocol = ProtocolHTTP
			m.Connection = ConnectionSpec{}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validModel()
			tt.mutate(m)
			err := ValidateModel(m)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateModel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("ValidateModel() error = %v, want ErrValidation", err)
			}
		})
	}
}

// ==== Binding Validation ====

func TestValidateBinding(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BindingConfig
		wantErr bool
	}{
		{"mqtt valid", BindingConfig{Protocol: ProtocolMQTT, Broker: "b", Port: 1883, Topic: "t"}, false},
		{"mqtt missing broker", BindingConfig{Protocol: ProtocolMQTT, Port: 1883, Topic: "t"}, true},
		{"mqtt missing topic", BindingConfig{Protocol: ProtocolMQTT, Broker: "b", Port: 1883}, true},
		{"mqtt bad qos", BindingConfig{Protocol: ProtocolMQTT, Broker: "b", Port: 1883, Topic: "t", QoS: 5}, true},
		{"http valid", BindingConfig{Protocol: ProtocolHTTP}, false},
		{"coap rejected", BindingConfig{Protocol: ProtocolCoAP}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBinding(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBinding() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ==== Launch / Dropout Normalization ====

func TestValidateLaunch_Defaults(t *testing.T) {
	cfg := LaunchConfig{}
	if err := ValidateLaunch(&cfg); err != nil {
		t.Fatalf("ValidateLaunch() error = %v", err)
	}
	if cfg.Strategy != LaunchImmediate {
		t.Errorf("default strategy = %q, want immediate", cfg.Strategy)
	}
	if cfg.BatchSize != 100 || cfg.MaxDelayMs != 60000 || cfg.ExponentBase != 1.5 {
		t.Errorf("defaults = %+v, want batchSize 100, maxDelayMs 60000, exponentBase 1.5", cfg)
	}

	bad := LaunchConfig{Strategy: "warp"}
	if err := ValidateLaunch(&bad); err == nil {
		t.Error("ValidateLaunch(warp) error = nil, want validation error")
	}
}

func TestValidateDropout(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DropoutConfig
		wantErr bool
	}{
		{"count valid", DropoutConfig{Count: 5}, false},
		{"percentage valid", DropoutConfig{Percentage: 25}, false},
		{"neither", DropoutConfig{}, true},
		{"both", DropoutConfig{Count: 1, Percentage: 10}, true},
		{"percentage over 100", DropoutConfig{Percentage: 120}, true},
		{"bad strategy", DropoutConfig{Count: 1, Strategy: "meteor"}, true},
		{"random without duration", DropoutConfig{Count: 1, Strategy: DropoutRandom}, false},
		{"random with duration", DropoutConfig{Count: 1, Strategy: DropoutRandom, DurationMs: 5000}, false},
		{"negative duration", DropoutConfig{Count: 1, DurationMs: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDropout(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDropout() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	cfg := DropoutConfig{Count: 1, Reconnect: true}
	if err := ValidateDropout(&cfg); err != nil {
		t.Fatalf("ValidateDropout() error = %v", err)
	}
	if cfg.ReconnectDelayMs != 1000 {
		t.Errorf("default reconnectDelayMs = %d, want 1000", cfg.ReconnectDelayMs)
	}
}
