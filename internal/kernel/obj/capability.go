package obj

// Permission is a per-object-kind enumeration of rights. Which bits are
// meaningful depends on the Kind of the object a Capability names: a PT
// capability's CallPermission bit means "may ipc_call this portal", while
// an SM capability's bit of the same numeric value would mean something
// else entirely. obj never mixes permission bits across kinds in a single
// Capability because Valid always checks Kind() first.
type Permission uint32

const (
	// Factory-creation permissions, held on a PD capability and checked
	// by create_pd/create_ec/create_sc/create_pt/create_sm (spec.md §4.B).
	PermCreatePD Permission = 1 << iota
	PermCreateEC
	PermCreateSC
	PermCreatePT
	PermCreateSM

	// PT permissions.
	PermCall  // ipc_call into the portal
	PermEvent // implicit call used for exception upcalls (spec.md §4.E)

	// SM permissions.
	PermUp
	PermDown

	// EC control permissions (ctrl_ec: recall).
	PermCtrlEC

	// SC control permissions (ctrl_sc: query consumed time).
	PermCtrlSC

	// PT control permissions (ctrl_pt: set badge/MTD).
	PermCtrlPT

	// PD control permissions (ctrl_pd: delegate).
	PermCtrlPD

	// PermAll grants every bit; used by the root PD's initial self-capability.
	PermAll Permission = ^Permission(0)
)

// Has reports whether p contains every bit set in req (the "held &
// requested == requested" test from spec.md §3).
func (p Permission) Has(req Permission) bool {
	return p&req == req
}

// Selector indexes a capability slot within a PD's object space, or an
// address within a memory space when reused by package mm.
type Selector uint64

// Capability is a packed (object, permission) pair, per spec.md §3. The
// zero value is the null capability.
type Capability struct {
	target Object
	perm   Permission
}

// NullCapability returns the zero capability.
func NullCapability() Capability { return Capability{} }

// NewCapability packs target and perm into a capability. A nil target
// always yields the null capability regardless of perm.
func NewCapability(target Object, perm Permission) Capability {
	if target == nil {
		return Capability{}
	}
	return Capability{target: target, perm: perm}
}

// IsNull reports whether c is the null capability.
func (c Capability) IsNull() bool { return c.target == nil }

// Kind reports the kind of object c names, or KindInvalid if c is null.
func (c Capability) Kind() Kind {
	if c.target == nil {
		return KindInvalid
	}
	return c.target.kobject().Kind()
}

// Permission returns the permission bits held by c.
func (c Capability) Permission() Permission { return c.perm }

// Validate implements the check every syscall handler performs before using
// a capability argument: spec.md §4.A — "obj != null && obj.kind == expected
// && (prm & req) == req".
func (c Capability) Validate(kind Kind, req Permission) bool {
	return c.target != nil && c.Kind() == kind && c.perm.Has(req)
}

// Masked returns a copy of c with its permission bits intersected with
// mask, used by Delegate to narrow rights on copy (spec.md §4.A).
func (c Capability) Masked(mask Permission) Capability {
	if c.target == nil {
		return c
	}
	return Capability{target: c.target, perm: c.perm & mask}
}

// AsPD recovers the concrete *PD behind c, if c names a PD.
func AsPD(c Capability) (*PD, bool) {
	pd, ok := c.target.(*PD)
	return pd, ok
}

// AsEC recovers the concrete *EC behind c, if c names an EC.
func AsEC(c Capability) (*EC, bool) {
	ec, ok := c.target.(*EC)
	return ec, ok
}

// AsSC recovers the concrete *SC behind c, if c names an SC.
func AsSC(c Capability) (*SC, bool) {
	sc, ok := c.target.(*SC)
	return sc, ok
}

// AsPT recovers the concrete *PT behind c, if c names a PT.
func AsPT(c Capability) (*PT, bool) {
	pt, ok := c.target.(*PT)
	return pt, ok
}

// AsSM recovers the concrete *SM behind c, if c names an SM.
func AsSM(c Capability) (*SM, bool) {
	sm, ok := c.target.(*SM)
	return sm, ok
}
