package pgmigrate

import "sort"

type (
	// OrphanedEntry is a ledger row whose migration file no longer exists
	// on disk. Tolerated, but surfaced to the operator.
	OrphanedEntry struct {
		Filename string
		Digest   string
	}

	// DriftReport classifies every ledger row against the files on disk.
	// Orphans are warnings carried alongside an otherwise usable report;
	// a conflict is fatal and must halt all further action.
	DriftReport struct {
		Matched  int
		Orphaned []OrphanedEntry
		Conflict *ConflictError

		// Pending holds filenames present on disk but absent from the
		// ledger, in ascending sort order. Pending files are not drift.
		Pending []string
	}
)

// CompareDigests classifies the ledger's digests against the file store's
// digests. Ledger rows with a matching file digest are matched, rows without
// a file are orphaned, and rows whose file digest differs produce a
// conflict. Only the first conflict in filename order is reported; one is
// enough to halt the batch.
func CompareDigests(ledger, files map[string]string) *DriftReport {
	report := &DriftReport{}

	for _, filename := range sortedKeys(ledger) {
		ledgerDigest := ledger[filename]
		fileDigest, exists := files[filename]
		switch {
		case !exists:
			report.Orphaned = append(report.Orphaned, OrphanedEntry{
				Filename: filename,
				Digest:   ledgerDigest,
			})
		case fileDigest != ledgerDigest:
			if report.Conflict == nil {
				report.Conflict = &ConflictError{
					Filename:     filename,
					FileDigest:   fileDigest,
					LedgerDigest: ledgerDigest,
				}
			}
		default:
			report.Matched++
		}
	}

	for _, filename := range sortedKeys(files) {
		if _, applied := ledger[filename]; !applied {
			report.Pending = append(report.Pending, filename)
		}
	}

	return report
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
