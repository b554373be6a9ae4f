package cloneengine

import "strings"

// Class is the file/table classification that decides when and how each
// file is captured. Keeping it as one named enum keeps extension matching
// out of the scan logic.
type Class int

const (
	// ClassPlain is an ordinary table: open, lock, stream, unlock.
	ClassPlain Class = iota
	// ClassLog is an append-only table (e.g. CSV) captured without a
	// BACKUP LOCK and finalized only at SNAPSHOT.
	ClassLog
	// ClassStatistics is a table only ever copied at SNAPSHOT, lock-free.
	ClassStatistics
	// ClassRewriteableMeta is a file that a log table keeps open and
	// rewrites in place (the CSV log table's ".CSM" meta file); it is
	// skipped by non-finalizing copies.
	ClassRewriteableMeta
	// ClassGeneratedMetadata is a file produced by the engine purely to
	// describe another file (frm/par/opt-style files); always safe to
	// copy under CONCURRENT.
	ClassGeneratedMetadata
	// ClassRedoLog marks a transactional-engine redo-log file or tail
	// chunk; carries DescriptorFlags.WithRedoLog(true) on the wire.
	ClassRedoLog
)

func (c Class) String() string {
	switch c {
	case ClassPlain:
		return "plain"
	case ClassLog:
		return "log"
	case ClassStatistics:
		return "statistics"
	case ClassRewriteableMeta:
		return "rewriteable-meta"
	case ClassGeneratedMetadata:
		return "generated-metadata"
	case ClassRedoLog:
		return "redo-log"
	default:
		return "unknown"
	}
}

// archiveDataExt and archiveMetaExt are the file extensions of an
// archive-format table: a missing data file is tolerated only when the
// metadata file is gone too (table dropped after scan).
const (
	archiveDataExt = ".ARZ"
	archiveMetaExt = ".ARM"
)

// rewriteableMetaExt is the log-table meta file only a finalizing copy
// may touch: the engine can rewrite it mid-stream, so a non-finalizing
// copy skips it.
const rewriteableMetaExt = ".CSM"

// logDataExt is the append-only payload half of a log table.
const logDataExt = ".CSV"

// generatedMetaExts are files that only ever describe another file and are
// always safe to copy under CONCURRENT.
var generatedMetaExts = map[string]bool{
	".frm": true,
	".par": true,
	".opt": true,
	".isl": true,
}

// ClassifyExt classifies a single file by its extension, case-insensitively.
func ClassifyExt(name string) Class {
	ext := strings.ToLower(extOf(name))
	switch {
	case ext == strings.ToLower(rewriteableMetaExt):
		return ClassRewriteableMeta
	case ext == strings.ToLower(logDataExt):
		return ClassLog
	case generatedMetaExts[ext]:
		return ClassGeneratedMetadata
	default:
		return ClassPlain
	}
}

// IsArchiveFormat reports whether name's extension is one of the archive
// pair (.ARZ data / .ARM meta) used by the "table dropped after scan"
// tolerance rule.
func IsArchiveFormat(name string) bool {
	ext := strings.ToUpper(extOf(name))
	return ext == archiveDataExt || ext == archiveMetaExt
}

func extOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i:]
}
