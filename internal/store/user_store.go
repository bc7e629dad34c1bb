package store

import (
	"context"
	"time"
)

type User struct {
	UserID    int64
	Username  string
	CreatedOn time.Time
}

type UserStore interface {
	CreateUser(ctx context.Context, username string) (*User, error)
	ReadUserByID(ctx context.Context, userID int64) (*User, error)
	ReadUserByUsername(ctx context.Context, username string) (*User, error)
}
