package lbx

import (
	"github.com/3rs4lg4d0/ledgerbox/emitter"
)

const (
	AuditHandlerName = "AuditConsumer"
	AuditQueue       = "account.audit"
	AuditRoutingKey  = "#"
)

// NewAuditHandler records every event published on the exchange. The inbox
// marker is the audit trail.
func NewAuditHandler(exchange string) InboxHandler {
	return InboxHandler{
		Name: AuditHandlerName,
		Binding: emitter.Binding{
			Exchange:   exchange,
			Queue:      AuditQueue,
			RoutingKey: AuditRoutingKey,
			Prefetch:   1,
		},
		Handle: func(env *InboundEnvelope) (Effect, error) {
			return nil, nil
		},
	}
}
