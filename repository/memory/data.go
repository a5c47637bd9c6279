package memory

import (
	"github.com/3rs4lg4d0/ledgerbox/repository"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

func copyOutbox(o *repository.OutboxRecord) *repository.OutboxRecord {
	c := *o
	c.Payload = append([]byte(nil), o.Payload...)
	if o.ProcessedAt != nil {
		t := *o.ProcessedAt
		c.ProcessedAt = &t
	}
	if o.LastError != nil {
		e := *o.LastError
		c.LastError = &e
	}
	if o.PublishedLatencyMs != nil {
		l := *o.PublishedLatencyMs
		c.PublishedLatencyMs = &l
	}
	return &c
}

func copyAccount(a *repository.Account) *repository.Account {
	c := *a
	if a.InterestRate != nil {
		r := *a.InterestRate
		c.InterestRate = &r
	}
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
