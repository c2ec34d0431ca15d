package worker

import (
	"time"

	"github.com/any-hub/offline-hub/internal/manifest"
)

// VersionStatus 是单个版本的只读快照。
type VersionStatus struct {
	ID          string     `json:"id"`
	State       State      `json:"state"`
	Resources   int        `json:"resources"`
	Core        int        `json:"core"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Status 汇总 app 当前的注册情况，供诊断接口输出。
type Status struct {
	Name       string         `json:"name"`
	Origin     string         `json:"origin"`
	Active     *VersionStatus `json:"active,omitempty"`
	Waiting    *VersionStatus `json:"waiting,omitempty"`
	Installing *VersionStatus `json:"installing,omitempty"`
	ClaimedAt  *time.Time     `json:"claimed_at,omitempty"`
}

// Status 返回当前快照。
func (rt *Runtime) Status() Status {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st := Status{
		Name:       rt.opts.Name,
		Origin:     rt.opts.Origin,
		Active:     snapshot(rt.active),
		Waiting:    snapshot(rt.waiting),
		Installing: snapshot(rt.installing),
	}
	if !rt.claimedAt.IsZero() {
		claimed := rt.claimedAt
		st.ClaimedAt = &claimed
	}
	return st
}

func snapshot(v *Version) *VersionStatus {
	if v == nil {
		return nil
	}
	vs := &VersionStatus{
		ID:        v.ID,
		State:     v.state,
		Resources: len(v.manifest.Resources),
		Core:      len(v.manifest.Core),
	}
	if !v.installedAt.IsZero() {
		at := v.installedAt
		vs.InstalledAt = &at
	}
	if !v.activatedAt.IsZero() {
		at := v.activatedAt
		vs.ActivatedAt = &at
	}
	return vs
}

// ActiveManifest 返回活动版本的清单；没有活动版本时为 nil。
func (rt *Runtime) ActiveManifest() *manifest.Manifest {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.active == nil {
		return nil
	}
	return rt.active.manifest
}
