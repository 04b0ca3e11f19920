package proximum

import "github.com/xDarkicex/proximum/internal/perrors"

// Error is the structured error every Index operation that can fail in a
// distinguishable way returns (§7).
type Error = perrors.Error

// Kind identifies an Error's category.
type Kind = perrors.Kind

// Error kinds, re-exported from the internal taxonomy so callers never
// need to import internal/perrors directly.
const (
	ConfigInvalid       = perrors.ConfigInvalid
	DimensionMismatch   = perrors.DimensionMismatch
	CapacityExceeded    = perrors.CapacityExceeded
	DuplicateExternalID = perrors.DuplicateExternalID
	NotFound            = perrors.NotFound
	BranchExists        = perrors.BranchExists
	BranchProtected     = perrors.BranchProtected
	Unsynced            = perrors.Unsynced
	ChunkUnavailable    = perrors.ChunkUnavailable
	CryptoMismatch      = perrors.CryptoMismatch
	DeltaOverflow       = perrors.DeltaOverflow
	IOFailure           = perrors.IOFailure
)

// IsKind reports whether err is a proximum Error of the given kind.
func IsKind(err error, kind Kind) bool { return perrors.Is(err, kind) }
