package ingress

import (
	"context"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/ingest"
	"github.com/tidemark-io/tidemark/internal/logger"
)

const maxDatagramBytes = 2048

// Datagram response codes, echoed as a single byte.
const (
	dgAccepted  byte = 0x00
	dgRejected  byte = 0x01
	dgSaturated byte = 0x02
)

// DatagramAdapter serves constrained devices over UDP with CBOR frames.
// Each datagram is one reading; the single-byte reply tells the device
// whether to drop, correct, or back off and retry.
type DatagramAdapter struct {
	cfg      conf.DatagramSettings
	pipeline *ingest.Pipeline
	log      logger.Logger

	conn *net.UDPConn
	done sync.WaitGroup
}

// NewDatagramAdapter creates the UDP adapter.
func NewDatagramAdapter(cfg conf.DatagramSettings, pipeline *ingest.Pipeline, log logger.Logger) *DatagramAdapter {
	return &DatagramAdapter{cfg: cfg, pipeline: pipeline, log: log}
}

// Start binds the listen address and serves datagrams. No address leaves
// the adapter disabled.
func (a *DatagramAdapter) Start(ctx context.Context) error {
	if a.cfg.Addr == "" {
		a.log.Info("no datagram address configured, udp intake disabled")
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", a.cfg.Addr)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "invalid datagram address", err)
	}
	a.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "datagram listen failed", err)
	}
	a.done.Add(1)
	go a.serve(ctx)
	a.log.Info("datagram intake listening", logger.String("addr", a.cfg.Addr))
	return nil
}

// Stop closes the socket and waits for the serve loop.
func (a *DatagramAdapter) Stop() {
	if a.conn != nil {
		a.conn.Close()
		a.done.Wait()
	}
}

func (a *DatagramAdapter) serve(ctx context.Context) {
	defer a.done.Done()
	buf := make([]byte, maxDatagramBytes)
	for {
		n, peer, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		code := a.handle(ctx, buf[:n])
		if _, err := a.conn.WriteToUDP([]byte{code}, peer); err != nil {
			a.log.Debug("datagram reply failed", logger.Error(err))
		}
	}
}

func (a *DatagramAdapter) handle(ctx context.Context, frame []byte) byte {
	if a.pipeline.Saturated() {
		return dgSaturated
	}
	var payload wirePayload
	if err := cbor.Unmarshal(frame, &payload); err != nil {
		return dgRejected
	}
	in, err := payload.toIncoming("datagram")
	if err != nil {
		return dgRejected
	}
	prep, err := a.pipeline.Prepare(ctx, in)
	if err != nil {
		if errors.IsKind(err, errors.KindSaturated) {
			return dgSaturated
		}
		return dgRejected
	}
	if err := a.pipeline.Enqueue(prep); err != nil {
		return dgSaturated
	}
	return dgAccepted
}
