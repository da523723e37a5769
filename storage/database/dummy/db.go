package dummydb

import (
	"sync"

	"github.com/trezcool/kibali/core/audit"
	"github.com/trezcool/kibali/core/pass"
	"github.com/trezcool/kibali/core/user"
)

type (
	DB struct {
		user  *userTable
		pass  *passTable
		audit *auditTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	passTable struct {
		sync.RWMutex
		table map[string]*pass.Pass
	}

	auditTable struct {
		sync.RWMutex
		table []audit.Event // append-only
	}
)

func Open() (*DB, error) {
	db := &DB{
		user:  &userTable{table: make(map[string]*user.User)},
		pass:  &passTable{table: make(map[string]*pass.Pass)},
		audit: &auditTable{},
	}
	return db, nil
}
