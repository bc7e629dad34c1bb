package store

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type UserSQLiteStore struct {
	rdb  *sql.DB
	rwdb *sql.DB
}

func NewUserSQLiteStore(rdb, rwdb *sql.DB) *UserSQLiteStore {
	return &UserSQLiteStore{rdb: rdb, rwdb: rwdb}
}

func (s *UserSQLiteStore) CreateUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := sqlscan.Get(
		ctx, s.rwdb, &u,
		`
		insert into users (username)
		values (?)
		returning user_id, username, created_on
		`,
		username,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UserSQLiteStore) ReadUserByID(ctx context.Context, userID int64) (*User, error) {
	var u User
	err := sqlscan.Get(
		ctx, s.rdb, &u,
		`
		select user_id, username, created_on
		from users
		where user_id = ?
		`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UserSQLiteStore) ReadUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := sqlscan.Get(
		ctx, s.rdb, &u,
		`
		select user_id, username, created_on
		from users
		where username = ?
		`,
		username,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
