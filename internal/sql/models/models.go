// Package models holds the bun models of the SQL directory schema.
package models

import (
	"github.com/uptrace/bun"
)

// Email address types.
const (
	EmailPrimary = "primary"
	EmailAlias   = "alias"
	EmailList    = "list"
)

// Principal is an account, group, list or alias. Inactive principals are
// invisible to lookups.
type Principal struct {
	bun.BaseModel `bun:"table:principals,alias:p"`

	ID          int64  `bun:"id,pk,autoincrement"`
	Name        string `bun:"name,notnull,unique"`
	Kind        string `bun:"kind,notnull,default:'individual'"`
	Secret      string `bun:"secret"` // tagged hash
	Description string `bun:"description"`
	Quota       int64  `bun:"quota,notnull,default:0"`
	Active      bool   `bun:"active,notnull,default:true"`
}

// Email maps an address to the principal that owns it.
type Email struct {
	bun.BaseModel `bun:"table:emails,alias:e"`

	Address string `bun:"address,pk"`
	Name    string `bun:"name,notnull"`
	Type    string `bun:"type,notnull,default:'primary'"`
}

// GroupMember records that Name is a member of MemberOf.
type GroupMember struct {
	bun.BaseModel `bun:"table:group_members,alias:gm"`

	Name     string `bun:"name,pk"`
	MemberOf string `bun:"member_of,pk"`
}

// Domain is a locally hosted mail domain.
type Domain struct {
	bun.BaseModel `bun:"table:domains,alias:d"`

	Name string `bun:"name,pk"`
}
