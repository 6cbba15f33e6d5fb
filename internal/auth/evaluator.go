package auth

import (
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
)

// CanView reports whether the principal may see the instrument.
func CanView(p *Principal, inst instruments.Instrument) bool {
	if p.Has(PermAdminister) {
		return true
	}
	return Scope(p).Allows(inst)
}

// Scope converts a principal into the listing restriction used by stores.
func Scope(p *Principal) instruments.Visibility {
	if p == nil {
		return instruments.Visibility{}
	}
	if p.Has(PermAdminister) {
		return instruments.Visibility{All: true}
	}
	return instruments.Visibility{
		UserID:   p.UserID,
		GroupIDs: append([]int64(nil), p.GroupIDs...),
		SN:       p.InstrumentSN,
	}
}

// VisibleColumns returns the observation columns the principal may see.
func VisibleColumns(p *Principal, fam *registry.Family) map[string]struct{} {
	if CanResearch(p) {
		return fam.PrivateColumns()
	}
	return fam.PublicColumns()
}

// CanResearch reports the view-research-data capability.
func CanResearch(p *Principal) bool {
	return p.Has(PermViewResearchData)
}

// CanWrite reports whether the credential may write. Device credentials always can.
func CanWrite(p *Principal) bool {
	if p.IsDevice() {
		return true
	}
	return p.Has(PermAPIWrite)
}

// CanDrop reports whether the credential may delete resources.
func CanDrop(p *Principal) bool {
	if p.IsDevice() {
		return false
	}
	return p.Has(PermDelete)
}

// CanAdminister reports the administer capability.
func CanAdminister(p *Principal) bool {
	if p.IsDevice() {
		return false
	}
	return p.Has(PermAdminister)
}

// CanIngest reports whether the principal may write telemetry for sn.
// Devices may only write their own telemetry.
func CanIngest(p *Principal, sn string) bool {
	if p.IsDevice() {
		return p.InstrumentSN == sn
	}
	return CanWrite(p)
}

// CanManage reports whether the principal may change the instrument's
// credentials: the owning user or an administrator.
func CanManage(p *Principal, inst instruments.Instrument) bool {
	if CanAdminister(p) {
		return true
	}
	return p != nil && !p.IsDevice() && p.UserID != nil && inst.OwnerID != nil && *p.UserID == *inst.OwnerID
}

// InstrumentColumns returns the instrument attributes the principal may see.
func InstrumentColumns(p *Principal, inst instruments.Instrument) map[string]struct{} {
	names := instruments.PublicAttributes
	if CanManage(p, inst) {
		names = append(append([]string{}, instruments.PublicAttributes...), instruments.PrivateAttributes...)
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Redact keeps only visible fields.
func Redact(fields map[string]any, visible map[string]struct{}) map[string]any {
	out := make(map[string]any, len(visible))
	for k, v := range fields {
		if _, ok := visible[k]; ok {
			out[k] = v
		}
	}
	return out
}
