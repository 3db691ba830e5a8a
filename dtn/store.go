package dtn

// Spool persists held bundles so a node that accepted custody can recover
// them after a restart. Implementations must make writes atomic: a crash
// mid-save must leave either the old or the new bundle on disk, never a
// torn file.
type Spool interface {
	SaveBundle(b *Bundle) error
	DeleteBundle(id BundleID) error
	LoadBundles() ([]*Bundle, error)
}
