package ingress

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/ingest"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/repository"
)

// Devices publish readings to tenant/{tenant}/device/{device}/telemetry
// and register a last-will frame on the status leaf of the same hierarchy.
const (
	telemetryTopic = "tenant/+/device/+/telemetry"
	statusTopic    = "tenant/+/device/+/status"
	connectTimeout = 10 * time.Second
)

// MQTTAdapter consumes telemetry from the broker. Acks are withheld while
// the pipeline is saturated, so the broker redelivers instead of the
// adapter buffering without bound. Device last-will frames on the status
// topic mark devices offline.
type MQTTAdapter struct {
	cfg      conf.BrokerSettings
	pipeline *ingest.Pipeline
	devices  repository.DeviceRepository
	log      logger.Logger
	client   mqtt.Client
}

// NewMQTTAdapter creates the broker adapter.
func NewMQTTAdapter(
	cfg conf.BrokerSettings,
	pipeline *ingest.Pipeline,
	devices repository.DeviceRepository,
	log logger.Logger,
) *MQTTAdapter {
	return &MQTTAdapter{cfg: cfg, pipeline: pipeline, devices: devices, log: log}
}

// Start connects and subscribes. A broker URL is optional; without one
// the adapter stays idle.
func (a *MQTTAdapter) Start(ctx context.Context) error {
	if a.cfg.URL == "" {
		a.log.Info("no broker configured, mqtt intake disabled")
		return nil
	}
	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.URL).
		SetClientID(a.cfg.ClientID).
		SetCleanSession(false).
		SetAutoAckDisabled(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			if token := c.Subscribe(telemetryTopic, 1, a.onTelemetry(ctx)); token.Wait() && token.Error() != nil {
				a.log.Error("telemetry subscribe failed", logger.Error(token.Error()))
			}
			if token := c.Subscribe(statusTopic, 1, a.onStatus(ctx)); token.Wait() && token.Error() != nil {
				a.log.Error("status subscribe failed", logger.Error(token.Error()))
			}
		})

	a.client = mqtt.NewClient(opts)
	token := a.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return context.DeadlineExceeded
	}
	if err := token.Error(); err != nil {
		return err
	}
	a.log.Info("mqtt intake connected", logger.String("broker", a.cfg.URL))
	return nil
}

// Stop disconnects from the broker.
func (a *MQTTAdapter) Stop() {
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect(250)
	}
}

func (a *MQTTAdapter) onTelemetry(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		// Withheld ack: the broker redelivers once we reconnect drained.
		if a.pipeline.Saturated() {
			return
		}

		var payload wirePayload
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			a.log.Warn("undecodable mqtt payload", logger.String("topic", msg.Topic()), logger.Error(err))
			msg.Ack()
			return
		}
		tenantID, deviceID, ok := topicParts(msg.Topic())
		if !ok {
			a.log.Warn("mqtt topic outside the telemetry hierarchy", logger.String("topic", msg.Topic()))
			msg.Ack()
			return
		}
		if payload.DeviceID == "" {
			payload.DeviceID = deviceID
		}
		in, err := payload.toIncoming("mqtt")
		if err != nil {
			a.log.Warn("invalid mqtt payload", logger.String("topic", msg.Topic()), logger.Error(err))
			msg.Ack()
			return
		}
		in.TenantHint = tenantID
		prep, err := a.pipeline.Prepare(ctx, in)
		if err != nil {
			// Rejected readings are already dead-lettered; ack so the
			// broker does not replay a payload that can never pass.
			msg.Ack()
			return
		}
		if err := a.pipeline.Enqueue(prep); err != nil {
			// Saturated between the check and the enqueue; leave unacked.
			return
		}
		msg.Ack()
	}
}

// onStatus handles last-will frames published when a device connection
// drops.
func (a *MQTTAdapter) onStatus(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		defer msg.Ack()
		_, deviceID, ok := topicParts(msg.Topic())
		if !ok || string(msg.Payload()) != "offline" {
			return
		}
		if err := a.devices.UpdateStatus(ctx, deviceID, entities.DeviceOffline); err != nil {
			a.log.Warn("device offline mark failed", logger.String("device_id", deviceID), logger.Error(err))
			return
		}
		a.log.Info("device reported offline", logger.String("device_id", deviceID))
	}
}

// topicParts extracts the tenant and device segments of a
// tenant/{tenant}/device/{device}/{leaf} topic.
func topicParts(topic string) (tenantID, deviceID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "tenant" || parts[2] != "device" ||
		parts[1] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[1], parts[3], true
}
