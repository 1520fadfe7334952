package core

import "cytocore/pkg/domain"

type (
	Sample                = domain.Sample
	CellCount             = domain.CellCount
	SampleRecord          = domain.SampleRecord
	SampleRow             = domain.SampleRow
	OperationLogEntry     = domain.OperationLogEntry
	LoadSummary           = domain.LoadSummary
	Snapshot              = domain.Snapshot
	Filters               = domain.Filters
	PopulationCount       = domain.PopulationCount
	BaselineSample        = domain.BaselineSample
	CheckpointInfo        = domain.CheckpointInfo
	PersistentStore       = domain.PersistentStore
	ValidationError       = domain.ValidationError
	InitTimeoutError      = domain.InitTimeoutError
	StoreUnavailableError = domain.StoreUnavailableError
	ErrNotFound           = domain.ErrNotFound
	ErrDuplicateSample    = domain.ErrDuplicateSample
)

const (
	PopulationBCell    = domain.PopulationBCell
	PopulationCD8TCell = domain.PopulationCD8TCell
	PopulationCD4TCell = domain.PopulationCD4TCell
	PopulationNKCell   = domain.PopulationNKCell
	PopulationMonocyte = domain.PopulationMonocyte
)

const (
	OpLoadCSV           = domain.OpLoadCSV
	OpAppendCSV         = domain.OpAppendCSV
	OpAddSample         = domain.OpAddSample
	OpRemoveSample      = domain.OpRemoveSample
	OpCreateCheckpoint  = domain.OpCreateCheckpoint
	OpRestoreCheckpoint = domain.OpRestoreCheckpoint
)

// InitLockName is the singleton lock guarding the CSV bootstrap load.
const InitLockName = domain.InitLockName

// Populations lists the expected cell populations in canonical order.
var Populations = domain.Populations

// FilterColumns are the sample columns DistinctValues may be asked about.
var FilterColumns = domain.FilterColumns

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return domain.IntPtr(v) }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return domain.Int64Ptr(v) }
