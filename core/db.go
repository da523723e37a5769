package core

import (
	"github.com/jmoiron/sqlx"
)

type (
	// DBExecutor runs queries; *sqlx.DB and *sqlx.Tx both satisfy it.
	// Repository methods take a trailing optional DBExecutor so a service
	// can compose several writes into one transaction.
	DBExecutor interface {
		sqlx.ExtContext
	}

	// DBTransactor is a DBExecutor bound to a transaction.
	DBTransactor interface {
		DBExecutor
		Commit() error
		Rollback() error
	}
)

type DBOrdering struct {
	Field     string
	Ascending bool
}

func (ord DBOrdering) String() string {
	direction := "DESC"
	if ord.Ascending {
		direction = "ASC"
	}
	return ord.Field + " " + direction
}
