package node

// SnapshotRow is one line of the operator CSV dump (SPEC_FULL.md §6),
// rendered with gocsv the same way a plain struct slice renders to CSV.
type SnapshotRow struct {
	Kind       string `csv:"kind"`
	Address    string `csv:"address"`
	Scope      uint8  `csv:"scope"`
	Len        uint8  `csv:"len"`
	EgressLink uint64 `csv:"egress_link"`
	Flags      string `csv:"flags"`
}

// Snapshot renders the node's current allocation and routing state as CSV
// rows, per SPEC_FULL.md §6: one row per live allocation and one row per
// routing entry.
func (e *Engine) Snapshot() []SnapshotRow {
	var rows []SnapshotRow

	if a := e.Allocator(); a != nil {
		for _, live := range a.LiveSnapshot() {
			addr := a.GlobalBase(live.Range)
			flags := ""
			if live.Multicast {
				flags = "multicast"
			}
			rows = append(rows, SnapshotRow{
				Kind:    "allocation",
				Address: addr.String(),
				Scope:   addr.Scope,
				Len:     live.Range.Len,
				Flags:   flags,
			})
		}
	}

	for _, r := range e.routes.Snapshot() {
		rows = append(rows, SnapshotRow{
			Kind:       "route",
			Address:    r.Prefix.String(),
			Scope:      r.Prefix.Scope,
			EgressLink: uint64(r.Link),
		})
	}
	if parent, ok := e.routes.ParentLink(); ok {
		rows = append(rows, SnapshotRow{
			Kind:       "route",
			Address:    "parent",
			EgressLink: uint64(parent),
		})
	}

	return rows
}
