// Package events publishes engine records to NATS for off-chain indexers.
package events

import (
	"encoding/json"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/vault"
)

// SubjectPrefix roots all record subjects. The full subject is
// "<prefix>.records.<vault address>".
const SubjectPrefix = "vaults"

// Publisher forwards investor records to NATS. Delivery is fire-and-forget;
// a failed publish is logged and dropped, never blocking the engine.
type Publisher struct {
	nc  *nats.Conn
	log log.Logger
}

// Connect dials NATS and returns a publisher.
func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		nc:  nc,
		log: log.Root().New("module", "events"),
	}, nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{
		nc:  nc,
		log: log.Root().New("module", "events"),
	}
}

// EmitInvestorRecord implements vault.RecordSink.
func (p *Publisher) EmitInvestorRecord(rec vault.InvestorRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		p.log.Error("marshal investor record", "err", err)
		return
	}
	subject := SubjectPrefix + ".records." + rec.Vault.String()
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Error("publish investor record", "subject", subject, "err", err)
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// MultiSink fans records out to several sinks.
type MultiSink []vault.RecordSink

// EmitInvestorRecord implements vault.RecordSink.
func (m MultiSink) EmitInvestorRecord(rec vault.InvestorRecord) {
	for _, s := range m {
		s.EmitInvestorRecord(rec)
	}
}
