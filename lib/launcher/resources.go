package launcher

import (
	"cmp"
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/snowmerak/mediaserver/lib/resources"
)

// Resources serves devices of the local registry and asks the main server
// for the rest.
type Resources struct {
	base   *Base
	local  *resources.Registry
	remote resources.Resources
	logger *zap.Logger
}

var _ resources.Resources = (*Resources)(nil)

// NewResources wraps local. remote may be nil in server role.
func NewResources(base *Base, local *resources.Registry, remote resources.Resources, logger *zap.Logger) *Resources {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resources{base: base, local: local, remote: remote, logger: logger.Named("launcher.resources")}
}

func (r *Resources) pick(ctx context.Context, name string) resources.Resources {
	if r.remote == nil || r.base.Role() == RoleServer {
		return r.local
	}
	if ok, _ := r.local.HasDev(ctx, name); ok {
		return r.local
	}
	return r.remote
}

func (r *Resources) HasDev(ctx context.Context, name string) (bool, error) {
	return r.pick(ctx, name).HasDev(ctx, name)
}

func (r *Resources) DevByName(ctx context.Context, name string) (resources.Dev, error) {
	return r.pick(ctx, name).DevByName(ctx, name)
}

// DevsByType merges local and remote devices. A local device hides a remote
// one with the same name.
func (r *Resources) DevsByType(ctx context.Context, typ string) ([]resources.Dev, error) {
	devs, err := r.local.DevsByType(ctx, typ)
	if err != nil {
		return nil, err
	}
	if r.remote == nil || r.base.Role() == RoleServer {
		return devs, nil
	}

	remote, err := r.remote.DevsByType(ctx, typ)
	if err != nil {
		return nil, err
	}
	for _, d := range remote {
		d := d
		if !slices.ContainsFunc(devs, func(l resources.Dev) bool { return l.Name == d.Name }) {
			devs = append(devs, d)
		}
	}
	slices.SortFunc(devs, func(a, b resources.Dev) int { return cmp.Compare(a.Name, b.Name) })
	return devs, nil
}

func (r *Resources) State(ctx context.Context, name string) (string, error) {
	return r.pick(ctx, name).State(ctx, name)
}

func (r *Resources) SetState(ctx context.Context, name, state string) error {
	r.logger.Debug("set state", zap.String("dev", name), zap.String("state", state))
	return r.pick(ctx, name).SetState(ctx, name, state)
}

func (r *Resources) Param(ctx context.Context, name, key string) (string, bool, error) {
	return r.pick(ctx, name).Param(ctx, name, key)
}

func (r *Resources) SetParam(ctx context.Context, name, key, value string) error {
	return r.pick(ctx, name).SetParam(ctx, name, key, value)
}
