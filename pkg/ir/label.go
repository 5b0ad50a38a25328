package ir

// RelocKind identifies the kind of relocation a label use requires.
type RelocKind uint8

const (
	// Rel32 is an x86-64 RIP-relative 32-bit displacement, patched at
	// use.Offset, computed as target - (use.Offset + 4).
	Rel32 RelocKind = iota
)

// LabelUse is a forward reference to a label: the code-buffer offset at
// which a branch was emitted, and how to patch it once the label resolves.
type LabelUse struct {
	Offset int
	Kind   RelocKind
}

// Label is a branch target within a translation block. Branches may
// reference a label before it is placed; the allocator back-patches
// every recorded use when the label is bound via SetLabel.
type Label struct {
	ID uint32

	// Present is set once a set_label op for this label has been emitted.
	Present bool
	// HasValue is set once the label's code-buffer offset is resolved.
	HasValue bool
	// Value is the resolved code-buffer offset (valid iff HasValue).
	Value int

	Uses []LabelUse
}

// NewLabel creates an unplaced, unresolved label with the given id.
func NewLabel(id uint32) Label {
	return Label{ID: id}
}

// AddUse records a forward reference needing back-patching.
func (l *Label) AddUse(offset int, kind RelocKind) {
	l.Uses = append(l.Uses, LabelUse{Offset: offset, Kind: kind})
}

// SetValue marks the label as placed at the given code-buffer offset.
func (l *Label) SetValue(offset int) {
	l.Present = true
	l.HasValue = true
	l.Value = offset
}

// HasPendingUses reports whether any forward reference is still unresolved.
func (l *Label) HasPendingUses() bool {
	return len(l.Uses) > 0 && !l.HasValue
}
