package vitalsguard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// AcceptedReading is a message that passed every stage, flattened for
// downstream storage.
type AcceptedReading struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenantId" db:"tenant_id"`
	PatientID  string    `json:"patientId" db:"patient_id"`
	DeviceID   string    `json:"deviceId,omitempty" db:"device_id"`
	MeasuredAt time.Time `json:"timestamp" db:"measured_at"`
	HeartRate  int       `json:"heartRate" db:"heart_rate"`
	SpO2       int       `json:"spo2" db:"spo2"`
	Temp       float64   `json:"temp" db:"temp"`
	ReceivedAt time.Time `json:"receivedAt" db:"received_at"`
}

func NewAcceptedReading(id, tenantID string, msg *VitalsMessage, receivedAt time.Time) AcceptedReading {
	return AcceptedReading{
		ID:         id,
		TenantID:   tenantID,
		PatientID:  msg.PatientID,
		DeviceID:   msg.DeviceID,
		MeasuredAt: msg.Timestamp,
		HeartRate:  msg.Vitals.HeartRate,
		SpO2:       msg.Vitals.SpO2,
		Temp:       msg.Vitals.Temp,
		ReceivedAt: receivedAt.UTC(),
	}
}

type ForwarderOptions struct {
	Sinks     []VitalsSink
	QueueSize int
	Workers   int
	Logger    *zap.Logger
	Metrics   MetricsCollector
}

// Forwarder hands accepted readings to the vitals sinks off the request
// path.
type Forwarder struct {
	sinks   []VitalsSink
	queue   *Queue[AcceptedReading]
	logger  *zap.Logger
	metrics MetricsCollector
}

func NewForwarder(opts ForwarderOptions) *Forwarder {
	f := &Forwarder{
		sinks:   opts.Sinks,
		logger:  orNop(opts.Logger),
		metrics: orNopMetrics(opts.Metrics),
	}
	f.queue = NewQueue("vitals", opts.QueueSize, opts.Workers, f.deliver, f.logger, f.metrics)
	return f
}

func (f *Forwarder) Forward(r AcceptedReading) error {
	if len(f.sinks) == 0 {
		return nil
	}
	return f.queue.Enqueue(r)
}

func (f *Forwarder) deliver(ctx context.Context, r AcceptedReading) {
	for _, sink := range f.sinks {
		if err := sink.WriteReading(ctx, r); err != nil {
			f.metrics.IncrementCounter(MetricSinkErrors, map[string]string{"sink": sink.Name()})
			f.logger.Error("vitals sink write failed",
				zap.String("sink", sink.Name()),
				zap.String("reading_id", r.ID),
				zap.Error(err))
			continue
		}
		f.metrics.IncrementCounter(MetricForwarded, map[string]string{"sink": sink.Name()})
	}
}

func (f *Forwarder) Start(ctx context.Context) { f.queue.Start(ctx) }

func (f *Forwarder) Close() error { return f.queue.Close() }

// MQTTPublisher is the part of mqtt.Client the sink needs.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes accepted readings as JSON. The topic template may use
// {patientId}, {tenantId} and {deviceId}.
type MQTTSink struct {
	client   MQTTPublisher
	topic    string
	qos      byte
	retained bool
	timeout  time.Duration
}

var _ VitalsSink = (*MQTTSink)(nil)

func NewMQTTSink(client MQTTPublisher, topic string, qos byte, timeout time.Duration) *MQTTSink {
	if topic == "" {
		topic = "vitals/{patientId}"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTSink{client: client, topic: topic, qos: qos, timeout: timeout}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(r AcceptedReading) string {
	return strings.NewReplacer(
		"{patientId}", r.PatientID,
		"{tenantId}", r.TenantID,
		"{deviceId}", r.DeviceID,
	).Replace(s.topic)
}

func (s *MQTTSink) WriteReading(_ context.Context, r AcceptedReading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	topic := s.Topic(r)
	token := s.client.Publish(topic, s.qos, s.retained, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish to %s: timed out after %s", topic, s.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// DialMQTT connects to broker and returns the client.
func DialMQTT(broker, clientID, username, password string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	return client, nil
}
