// Package ingress hosts the broker and datagram intake adapters. Each
// adapter normalizes its transport's payload into the pipeline's incoming
// reading and maps admission failures onto transport semantics.
package ingress

import (
	"time"

	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/ingest"
)

// wirePayload is the shared frame for broker and datagram transports.
// Timestamps travel as RFC 3339 strings; a missing timestamp lets the
// pipeline stamp the receive time.
type wirePayload struct {
	DeviceID string `json:"device_id" cbor:"device_id"`
	Secret   string `json:"secret" cbor:"secret"`
	Key      string `json:"key" cbor:"key"`
	Value    any    `json:"value" cbor:"value"`
	Ts       string `json:"ts,omitempty" cbor:"ts,omitempty"`
	Quality  *int   `json:"quality,omitempty" cbor:"quality,omitempty"`
}

func (p *wirePayload) toIncoming(adapter string) (*ingest.IncomingReading, error) {
	if p.DeviceID == "" || p.Key == "" {
		return nil, errors.New(errors.KindValidationFailed, "payload missing device_id or key")
	}
	in := &ingest.IncomingReading{
		Adapter:      adapter,
		DeviceID:     p.DeviceID,
		DeviceSecret: p.Secret,
		Key:          p.Key,
		Value:        p.Value,
		Quality:      p.Quality,
	}
	if p.Ts != "" {
		ts, err := time.Parse(time.RFC3339, p.Ts)
		if err != nil {
			return nil, errors.Newf(errors.KindValidationFailed, "invalid timestamp %q", p.Ts)
		}
		in.ProducerTs = &ts
	}
	return in, nil
}
