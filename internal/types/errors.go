package types

import (
	errorsmod "cosmossdk.io/errors"
)

// Codespace groups all redmapper errors in the registry.
const Codespace = "redmapper"

// Input malformation errors abort a run. Expected non-convergence is never
// reported through these; it is encoded as -1 sentinels on the cluster.
var (
	ErrInvalidConfig = errorsmod.Register(Codespace, 2, "invalid configuration")
	ErrMissingMask   = errorsmod.Register(Codespace, 3, "mask is required")
	ErrMissingModel  = errorsmod.Register(Codespace, 4, "red-sequence and background models are required")
	ErrMissingColumn = errorsmod.Register(Codespace, 5, "catalog is missing a required column")
	ErrModelFile     = errorsmod.Register(Codespace, 6, "malformed model file")
	ErrBackgroundGap = errorsmod.Register(Codespace, 7, "background lookup fell into an empty cell")
	ErrDuplicateID   = errorsmod.Register(Codespace, 8, "mem_match_id values are not unique")
	ErrNoGalaxies    = errorsmod.Register(Codespace, 9, "no usable galaxies")
	ErrTableFormat   = errorsmod.Register(Codespace, 10, "malformed table file")
)
