// Package launcher splits the module world of a process into local modules,
// run by the in-process factory, and remote ones, reached through the rpc
// objects of the main server.
package launcher

import (
	"fmt"
	"slices"

	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/module"
)

// Role is the part a process plays.
type Role string

const (
	// RoleServer is the main process. Every module is local.
	RoleServer Role = "server"
	// RoleLauncher is a satellite running one application module.
	RoleLauncher Role = "launcher"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleServer, RoleLauncher:
		return r, nil
	default:
		return "", errs.Wrap(fmt.Errorf("%w: role %q", errs.ErrUnsupportedMode, s), "launcher", "parse role")
	}
}

// infrastructure modules run in every process.
var infrastructure = []string{module.AdapterID, module.MessageCoreID, module.DatabaseID}

// Base decides which module ids live in this process.
type Base struct {
	role  Role
	main  string
	local map[string]struct{}
}

func NewBase(role Role, main string, localModules ...string) *Base {
	b := &Base{role: role, main: main, local: make(map[string]struct{})}
	for _, id := range localModules {
		b.local[id] = struct{}{}
	}
	return b
}

func (b *Base) Role() Role   { return b.role }
func (b *Base) Main() string { return b.main }

// IsLocal reports whether module id runs in this process.
func (b *Base) IsLocal(id string) bool {
	if b.role == RoleServer || id == b.main || isInfrastructure(id) {
		return true
	}
	_, ok := b.local[id]
	return ok
}

func isInfrastructure(id string) bool {
	return slices.Contains(infrastructure, id)
}
