package store

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

func NewAPIKeySQLiteStore(rdb, rwdb *sql.DB) *APIKeySQLiteStore {
	return &APIKeySQLiteStore{rdb, rwdb}
}

type APIKeySQLiteStore struct {
	rdb, rwdb *sql.DB
}

func (store *APIKeySQLiteStore) CreateAPIKey(
	ctx context.Context,
	id, value, principal string,
	role Role,
) (*APIKey, error) {
	key := &APIKey{APIKeyID: id, Value: value, Principal: principal, Role: role}
	query := `insert into api_keys (api_key_id, value, principal, role)
	values ($1, $2, $3, $4)
	returning created_on`
	err := sqlscan.Get(ctx, store.rwdb, key, query, id, value, principal, role)
	if err != nil {
		return nil, conflict(err, "api key", id)
	}
	return key, nil
}

func (store *APIKeySQLiteStore) ReadAPIKeyByID(ctx context.Context, id string) (*APIKey, error) {
	key := new(APIKey)
	query := `select * from api_keys where api_key_id = $1`
	err := sqlscan.Get(ctx, store.rdb, key, query, id)
	if err != nil {
		return nil, notFound(err, "api key", id)
	}
	return key, nil
}

func (store *APIKeySQLiteStore) ReadAPIKeyByValue(
	ctx context.Context,
	value string,
) (*APIKey, error) {
	key := new(APIKey)
	query := `select * from api_keys where value = $1`
	err := sqlscan.Get(ctx, store.rdb, key, query, value)
	if err != nil {
		return nil, notFound(err, "api key", "by value")
	}
	return key, nil
}

func (store *APIKeySQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	query := `delete from api_keys where api_key_id = $1`
	res, err := store.rwdb.ExecContext(ctx, query, id)
	return affected(res, err, "api key", id)
}

func (store *APIKeySQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	query := `select api_key_id, principal, role, created_on from api_keys order by created_on`
	keys := make([]*APIKey, 0)
	err := sqlscan.Select(ctx, store.rdb, &keys, query)
	return keys, err
}
