package store

import (
	"context"
	"time"
)

type AuditEvent struct {
	Seq        int64     `db:"seq"`
	Kind       string    `db:"kind"`
	Component  string    `db:"component"`
	Subject    string    `db:"subject"`
	Actor      string    `db:"actor"`
	Attributes string    `db:"attributes"`
	OccurredOn time.Time `db:"occurred_on"`
	PrevHash   string    `db:"prev_hash"`
	Hash       string    `db:"hash"`
}

type AuditStore interface {
	CreateAuditEvent(context.Context, *AuditEvent) error
	ReadLatestAuditEvent(context.Context) (*AuditEvent, error)
	ListAuditEvents(context.Context, int64, int64) ([]*AuditEvent, error)
	ListSubjectAuditEvents(context.Context, string) ([]*AuditEvent, error)
}
