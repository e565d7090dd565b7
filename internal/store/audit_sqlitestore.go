package store

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type AuditSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewAuditSQLiteStore(rdb, rwdb *sql.DB) *AuditSQLiteStore {
	return &AuditSQLiteStore{rdb, rwdb}
}

func (store *AuditSQLiteStore) CreateAuditEvent(ctx context.Context, e *AuditEvent) error {
	query := `insert into audit_events (
		seq,
		kind,
		component,
		subject,
		actor,
		attributes,
		occurred_on,
		prev_hash,
		hash
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		e.Seq,
		e.Kind,
		e.Component,
		e.Subject,
		e.Actor,
		e.Attributes,
		e.OccurredOn,
		e.PrevHash,
		e.Hash,
	)
	return err
}

func (store *AuditSQLiteStore) ReadLatestAuditEvent(ctx context.Context) (*AuditEvent, error) {
	e := new(AuditEvent)
	query := `select * from audit_events order by seq desc limit 1`
	if err := sqlscan.Get(ctx, store.rdb, e, query); err != nil {
		return nil, notFound(err, "audit event", "latest")
	}
	return e, nil
}

func (store *AuditSQLiteStore) ListAuditEvents(
	ctx context.Context,
	afterSeq, limit int64,
) ([]*AuditEvent, error) {
	query := `select * from audit_events
	where seq > $1
	order by seq limit $2`
	events := make([]*AuditEvent, 0)
	err := sqlscan.Select(ctx, store.rdb, &events, query, afterSeq, limit)
	return events, err
}

func (store *AuditSQLiteStore) ListSubjectAuditEvents(
	ctx context.Context,
	subject string,
) ([]*AuditEvent, error) {
	query := `select * from audit_events
	where subject = $1
	order by seq`
	events := make([]*AuditEvent, 0)
	err := sqlscan.Select(ctx, store.rdb, &events, query, subject)
	return events, err
}
